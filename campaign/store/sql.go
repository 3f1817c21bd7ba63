package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"campaignd/campaign"
)

// execer abstracts *sql.DB and *sql.Tx so the same query set serves both.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dialect captures the few spots where MySQL and SQLite SQL diverge.
type dialect interface {
	// insertIgnore is the prefix for an insert that silently skips
	// duplicate-key rows ("INSERT IGNORE" / "INSERT OR IGNORE").
	insertIgnore() string
	// forUpdate is the row-lock suffix for locked reads; empty for SQLite.
	forUpdate() string
	// claimSuffix is the suffix for the queue-pop select; SKIP LOCKED for
	// MySQL, empty for SQLite.
	claimSuffix() string
	// isConflict reports whether err is a unique-constraint violation.
	isConflict(err error) bool
}

// queries implements Querier over an execer. sqlStore embeds one bound to
// the *sql.DB; WithTx builds one bound to the transaction.
type queries struct {
	x execer
	d dialect
}

// jsonCol marshals a mapping for storage; nil maps store as NULL.
func jsonCol(m campaign.Mapping) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return b, nil
}

func listCol(s []string) (any, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return b, nil
}

func scanJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// Times are stored as Unix nanoseconds so both backends round-trip them
// without driver-specific time parsing.
func timeCol(t time.Time) int64 { return t.UnixNano() }

func timePtrCol(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromTimeCol(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromTimePtrCol(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromTimeCol(n.Int64)
	return &t
}

func uuidPtrCol(u *uuid.UUID) any {
	if u == nil {
		return nil
	}
	return u.String()
}

func fromUUIDPtrCol(s sql.NullString) (*uuid.UUID, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	u, err := uuid.Parse(s.String)
	if err != nil {
		return nil, fmt.Errorf("parse uuid column: %w", err)
	}
	return &u, nil
}

func (q *queries) conflictOr(err error, what string) error {
	if err == nil {
		return nil
	}
	if q.d.isConflict(err) {
		return campaign.Errorf(campaign.ErrConflict, "%s already exists", what)
	}
	return err
}

// --- campaigns ---

const campaignCols = "id, name, namespace, owner, status, metadata, spec, machine, created_at"

func (q *queries) InsertCampaign(ctx context.Context, c *campaign.Campaign) error {
	meta, err := jsonCol(c.Metadata)
	if err != nil {
		return err
	}
	spec, err := jsonCol(c.Spec)
	if err != nil {
		return err
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err = q.x.ExecContext(ctx,
		`INSERT INTO campaigns_v2 (`+campaignCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.Name, c.Namespace.String(), c.Owner, string(c.Status),
		meta, spec, uuidPtrCol(c.MachineID), timeCol(c.CreatedAt))
	return q.conflictOr(err, "campaign "+c.Name)
}

func (q *queries) scanCampaign(row interface{ Scan(...any) error }) (*campaign.Campaign, error) {
	var (
		c          campaign.Campaign
		id, ns     string
		status     string
		meta, spec []byte
		machine    sql.NullString
		created    int64
	)
	if err := row.Scan(&id, &c.Name, &ns, &c.Owner, &status, &meta, &spec, &machine, &created); err != nil {
		return nil, err
	}
	var err error
	if c.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if c.Namespace, err = uuid.Parse(ns); err != nil {
		return nil, err
	}
	c.Status = campaign.Status(status)
	if err := scanJSON(meta, &c.Metadata); err != nil {
		return nil, err
	}
	if err := scanJSON(spec, &c.Spec); err != nil {
		return nil, err
	}
	if c.MachineID, err = fromUUIDPtrCol(machine); err != nil {
		return nil, err
	}
	c.CreatedAt = fromTimeCol(created)
	return &c, nil
}

func (q *queries) getCampaignWhere(ctx context.Context, where, suffix string, args ...any) (*campaign.Campaign, error) {
	row := q.x.QueryRowContext(ctx,
		`SELECT `+campaignCols+` FROM campaigns_v2 WHERE `+where+suffix, args...)
	c, err := q.scanCampaign(row)
	if err != nil {
		return nil, notFound("campaign", err)
	}
	return c, nil
}

func (q *queries) GetCampaign(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error) {
	return q.getCampaignWhere(ctx, "id = ?", "", id.String())
}

func (q *queries) GetCampaignForUpdate(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error) {
	return q.getCampaignWhere(ctx, "id = ?", q.d.forUpdate(), id.String())
}

func (q *queries) GetCampaignByName(ctx context.Context, namespace uuid.UUID, name string) (*campaign.Campaign, error) {
	return q.getCampaignWhere(ctx, "namespace = ? AND name = ?", "", namespace.String(), name)
}

func (q *queries) listCampaignsWhere(ctx context.Context, where string, args ...any) ([]campaign.Campaign, error) {
	query := `SELECT ` + campaignCols + ` FROM campaigns_v2`
	if where != "" {
		query += ` WHERE ` + where
	}
	query += ` ORDER BY created_at, id`
	rows, err := q.x.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []campaign.Campaign
	for rows.Next() {
		c, err := q.scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (q *queries) ListCampaigns(ctx context.Context) ([]campaign.Campaign, error) {
	return q.listCampaignsWhere(ctx, "")
}

func (q *queries) ListCampaignsByStatus(ctx context.Context, statuses ...campaign.Status) ([]campaign.Campaign, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	where := "status IN ("
	args := make([]any, len(statuses))
	for i, s := range statuses {
		if i > 0 {
			where += ", "
		}
		where += "?"
		args[i] = string(s)
	}
	where += ")"
	return q.listCampaignsWhere(ctx, where, args...)
}

func (q *queries) UpdateCampaign(ctx context.Context, c *campaign.Campaign) error {
	meta, err := jsonCol(c.Metadata)
	if err != nil {
		return err
	}
	spec, err := jsonCol(c.Spec)
	if err != nil {
		return err
	}
	res, err := q.x.ExecContext(ctx,
		`UPDATE campaigns_v2 SET owner = ?, status = ?, metadata = ?, spec = ?, machine = ? WHERE id = ?`,
		c.Owner, string(c.Status), meta, spec, uuidPtrCol(c.MachineID), c.ID.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return campaign.Errorf(campaign.ErrNotFound, "campaign %s not found", c.ID)
	}
	return err
}

// DeleteCampaign removes the campaign and everything it owns. Cascades are
// explicit so both backends behave identically without FK configuration.
func (q *queries) DeleteCampaign(ctx context.Context, id uuid.UUID) error {
	ns := id.String()
	for _, stmt := range []string{
		`DELETE FROM activity_log_v2 WHERE namespace = ?`,
		`DELETE FROM tasks_v2 WHERE namespace = ?`,
		`DELETE FROM manifests_v2 WHERE namespace = ?`,
		`DELETE FROM edges_v2 WHERE namespace = ?`,
		`DELETE FROM nodes_v2 WHERE namespace = ?`,
	} {
		if _, err := q.x.ExecContext(ctx, stmt, ns); err != nil {
			return err
		}
	}
	_, err := q.x.ExecContext(ctx, `DELETE FROM campaigns_v2 WHERE id = ?`, ns)
	return err
}

// --- nodes ---

const nodeCols = "id, namespace, name, version, kind, status, metadata, configuration, machine"

func (q *queries) InsertNode(ctx context.Context, n *campaign.Node) error {
	meta, err := jsonCol(n.Metadata)
	if err != nil {
		return err
	}
	cfg, err := jsonCol(n.Configuration)
	if err != nil {
		return err
	}
	_, err = q.x.ExecContext(ctx,
		`INSERT INTO nodes_v2 (`+nodeCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID.String(), n.Namespace.String(), n.Name, n.Version, string(n.Kind),
		string(n.Status), meta, cfg, uuidPtrCol(n.MachineID))
	return q.conflictOr(err, fmt.Sprintf("node %s v%d", n.Name, n.Version))
}

func (q *queries) scanNode(row interface{ Scan(...any) error }) (*campaign.Node, error) {
	var (
		n            campaign.Node
		id, ns       string
		kind, status string
		meta, cfg    []byte
		machine      sql.NullString
	)
	if err := row.Scan(&id, &ns, &n.Name, &n.Version, &kind, &status, &meta, &cfg, &machine); err != nil {
		return nil, err
	}
	var err error
	if n.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if n.Namespace, err = uuid.Parse(ns); err != nil {
		return nil, err
	}
	n.Kind = campaign.NodeKind(kind)
	n.Status = campaign.Status(status)
	if err := scanJSON(meta, &n.Metadata); err != nil {
		return nil, err
	}
	if err := scanJSON(cfg, &n.Configuration); err != nil {
		return nil, err
	}
	if n.MachineID, err = fromUUIDPtrCol(machine); err != nil {
		return nil, err
	}
	return &n, nil
}

func (q *queries) getNodeWhere(ctx context.Context, where, suffix string, args ...any) (*campaign.Node, error) {
	row := q.x.QueryRowContext(ctx,
		`SELECT `+nodeCols+` FROM nodes_v2 WHERE `+where+suffix, args...)
	n, err := q.scanNode(row)
	if err != nil {
		return nil, notFound("node", err)
	}
	return n, nil
}

func (q *queries) GetNode(ctx context.Context, id uuid.UUID) (*campaign.Node, error) {
	return q.getNodeWhere(ctx, "id = ?", "", id.String())
}

func (q *queries) GetNodeForUpdate(ctx context.Context, id uuid.UUID) (*campaign.Node, error) {
	return q.getNodeWhere(ctx, "id = ?", q.d.forUpdate(), id.String())
}

func (q *queries) GetNodeByName(ctx context.Context, namespace uuid.UUID, name string, version int) (*campaign.Node, error) {
	if version > 0 {
		return q.getNodeWhere(ctx, "namespace = ? AND name = ? AND version = ?", "",
			namespace.String(), name, version)
	}
	return q.getNodeWhere(ctx, "namespace = ? AND name = ?", " ORDER BY version DESC LIMIT 1",
		namespace.String(), name)
}

func (q *queries) ListNodes(ctx context.Context, namespace uuid.UUID) ([]campaign.Node, error) {
	rows, err := q.x.QueryContext(ctx,
		`SELECT `+nodeCols+` FROM nodes_v2 WHERE namespace = ? ORDER BY name, version`,
		namespace.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []campaign.Node
	for rows.Next() {
		n, err := q.scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (q *queries) UpdateNode(ctx context.Context, n *campaign.Node) error {
	meta, err := jsonCol(n.Metadata)
	if err != nil {
		return err
	}
	cfg, err := jsonCol(n.Configuration)
	if err != nil {
		return err
	}
	res, err := q.x.ExecContext(ctx,
		`UPDATE nodes_v2 SET status = ?, metadata = ?, configuration = ?, machine = ? WHERE id = ?`,
		string(n.Status), meta, cfg, uuidPtrCol(n.MachineID), n.ID.String())
	if err != nil {
		return err
	}
	cnt, err := res.RowsAffected()
	if err == nil && cnt == 0 {
		return campaign.Errorf(campaign.ErrNotFound, "node %s not found", n.ID)
	}
	return err
}

func (q *queries) DeleteNode(ctx context.Context, id uuid.UUID) error {
	_, err := q.x.ExecContext(ctx, `DELETE FROM nodes_v2 WHERE id = ?`, id.String())
	return err
}

func (q *queries) CountNodesByStatus(ctx context.Context, namespace uuid.UUID) (map[campaign.Status]int, error) {
	rows, err := q.x.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM nodes_v2 WHERE namespace = ? GROUP BY status`,
		namespace.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[campaign.Status]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[campaign.Status(s)] = n
	}
	return out, rows.Err()
}

// --- edges ---

const edgeCols = "id, name, namespace, source, target, metadata, configuration"

func (q *queries) InsertEdge(ctx context.Context, e *campaign.Edge) error {
	meta, err := jsonCol(e.Metadata)
	if err != nil {
		return err
	}
	cfg, err := jsonCol(e.Configuration)
	if err != nil {
		return err
	}
	_, err = q.x.ExecContext(ctx,
		`INSERT INTO edges_v2 (`+edgeCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Name, e.Namespace.String(), e.Source.String(), e.Target.String(), meta, cfg)
	return q.conflictOr(err, "edge "+e.Name)
}

func (q *queries) scanEdge(row interface{ Scan(...any) error }) (*campaign.Edge, error) {
	var (
		e             campaign.Edge
		id, ns        string
		source, targ  string
		meta, cfgData []byte
	)
	if err := row.Scan(&id, &e.Name, &ns, &source, &targ, &meta, &cfgData); err != nil {
		return nil, err
	}
	var err error
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if e.Namespace, err = uuid.Parse(ns); err != nil {
		return nil, err
	}
	if e.Source, err = uuid.Parse(source); err != nil {
		return nil, err
	}
	if e.Target, err = uuid.Parse(targ); err != nil {
		return nil, err
	}
	if err := scanJSON(meta, &e.Metadata); err != nil {
		return nil, err
	}
	if err := scanJSON(cfgData, &e.Configuration); err != nil {
		return nil, err
	}
	return &e, nil
}

func (q *queries) GetEdge(ctx context.Context, id uuid.UUID) (*campaign.Edge, error) {
	row := q.x.QueryRowContext(ctx,
		`SELECT `+edgeCols+` FROM edges_v2 WHERE id = ?`, id.String())
	e, err := q.scanEdge(row)
	if err != nil {
		return nil, notFound("edge", err)
	}
	return e, nil
}

func (q *queries) ListEdges(ctx context.Context, namespace uuid.UUID) ([]campaign.Edge, error) {
	rows, err := q.x.QueryContext(ctx,
		`SELECT `+edgeCols+` FROM edges_v2 WHERE namespace = ? ORDER BY name, id`,
		namespace.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []campaign.Edge
	for rows.Next() {
		e, err := q.scanEdge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (q *queries) DeleteEdge(ctx context.Context, id uuid.UUID) error {
	_, err := q.x.ExecContext(ctx, `DELETE FROM edges_v2 WHERE id = ?`, id.String())
	return err
}

// --- manifests ---

const manifestCols = "id, name, namespace, version, kind, metadata, spec, created_at"

func (q *queries) InsertManifest(ctx context.Context, m *campaign.Manifest) error {
	meta, err := jsonCol(m.Metadata)
	if err != nil {
		return err
	}
	spec, err := jsonCol(m.Spec)
	if err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err = q.x.ExecContext(ctx,
		`INSERT INTO manifests_v2 (`+manifestCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.Name, m.Namespace.String(), m.Version, string(m.Kind),
		meta, spec, timeCol(m.CreatedAt))
	return q.conflictOr(err, fmt.Sprintf("manifest %s v%d", m.Name, m.Version))
}

func (q *queries) scanManifest(row interface{ Scan(...any) error }) (*campaign.Manifest, error) {
	var (
		m          campaign.Manifest
		id, ns     string
		kind       string
		meta, spec []byte
		created    int64
	)
	if err := row.Scan(&id, &m.Name, &ns, &m.Version, &kind, &meta, &spec, &created); err != nil {
		return nil, err
	}
	var err error
	if m.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if m.Namespace, err = uuid.Parse(ns); err != nil {
		return nil, err
	}
	m.Kind = campaign.ManifestKind(kind)
	if err := scanJSON(meta, &m.Metadata); err != nil {
		return nil, err
	}
	if err := scanJSON(spec, &m.Spec); err != nil {
		return nil, err
	}
	m.CreatedAt = fromTimeCol(created)
	return &m, nil
}

func (q *queries) GetManifest(ctx context.Context, id uuid.UUID) (*campaign.Manifest, error) {
	row := q.x.QueryRowContext(ctx,
		`SELECT `+manifestCols+` FROM manifests_v2 WHERE id = ?`, id.String())
	m, err := q.scanManifest(row)
	if err != nil {
		return nil, notFound("manifest", err)
	}
	return m, nil
}

func (q *queries) FindManifest(ctx context.Context, namespace uuid.UUID, kind campaign.ManifestKind, name string, version int) (*campaign.Manifest, error) {
	where := `namespace = ? AND kind = ?`
	args := []any{namespace.String(), string(kind)}
	if name != "" {
		where += ` AND name = ?`
		args = append(args, name)
	}
	if version > 0 {
		where += ` AND version = ?`
		args = append(args, version)
	}
	row := q.x.QueryRowContext(ctx,
		`SELECT `+manifestCols+` FROM manifests_v2 WHERE `+where+
			` ORDER BY created_at DESC, version DESC LIMIT 1`, args...)
	m, err := q.scanManifest(row)
	if err != nil {
		return nil, notFound("manifest", err)
	}
	return m, nil
}

func (q *queries) listManifestsWhere(ctx context.Context, where string, args ...any) ([]campaign.Manifest, error) {
	rows, err := q.x.QueryContext(ctx,
		`SELECT `+manifestCols+` FROM manifests_v2 WHERE `+where+` ORDER BY name, version`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []campaign.Manifest
	for rows.Next() {
		m, err := q.scanManifest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (q *queries) ListManifests(ctx context.Context, namespace uuid.UUID) ([]campaign.Manifest, error) {
	return q.listManifestsWhere(ctx, "namespace = ?", namespace.String())
}

func (q *queries) ListManifestVersions(ctx context.Context, namespace uuid.UUID, name string) ([]campaign.Manifest, error) {
	return q.listManifestsWhere(ctx, "namespace = ? AND name = ?", namespace.String(), name)
}

// --- machines ---

func (q *queries) SaveMachine(ctx context.Context, m *campaign.Machine) error {
	m.UpdatedAt = time.Now().UTC()
	// Delete-then-insert upsert: portable across both dialects, and
	// machine rows are only ever written under the owning node's row lock.
	if _, err := q.x.ExecContext(ctx, `DELETE FROM machines_v2 WHERE id = ?`, m.ID.String()); err != nil {
		return err
	}
	_, err := q.x.ExecContext(ctx,
		`INSERT INTO machines_v2 (id, state, updated_at) VALUES (?, ?, ?)`,
		m.ID.String(), m.State, timeCol(m.UpdatedAt))
	return err
}

func (q *queries) GetMachine(ctx context.Context, id uuid.UUID) (*campaign.Machine, error) {
	var (
		m       campaign.Machine
		idStr   string
		updated int64
	)
	err := q.x.QueryRowContext(ctx,
		`SELECT id, state, updated_at FROM machines_v2 WHERE id = ?`, id.String()).
		Scan(&idStr, &m.State, &updated)
	if err != nil {
		return nil, notFound("machine", err)
	}
	if m.ID, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	m.UpdatedAt = fromTimeCol(updated)
	return &m, nil
}

// --- tasks ---

const taskCols = "id, namespace, node, priority, created_at, submitted_at, finished_at, wms_id, site_affinity, status, previous_status, metadata"

func (q *queries) EnqueueTask(ctx context.Context, t *campaign.Task) (bool, error) {
	meta, err := jsonCol(t.Metadata)
	if err != nil {
		return false, err
	}
	sites, err := listCol(t.SiteAffinity)
	if err != nil {
		return false, err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	var prio any
	if t.Priority != nil {
		prio = *t.Priority
	}
	// open_node carries the node id while the task is open and NULL once
	// finished; its unique index is what makes enqueueing idempotent.
	res, err := q.x.ExecContext(ctx,
		q.d.insertIgnore()+` INTO tasks_v2 (`+taskCols+`, open_node)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.Namespace.String(), t.Node.String(), prio,
		timeCol(t.CreatedAt), timePtrCol(t.SubmittedAt), timePtrCol(t.FinishedAt),
		t.WMSID, sites, string(t.Status), string(t.PreviousStatus), meta,
		t.Node.String())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (q *queries) scanTask(row interface{ Scan(...any) error }) (*campaign.Task, error) {
	var (
		t              campaign.Task
		id, ns, node   string
		prio           sql.NullInt64
		created        int64
		submitted, fin sql.NullInt64
		sites, meta    []byte
		status, prev   string
	)
	if err := row.Scan(&id, &ns, &node, &prio, &created, &submitted, &fin,
		&t.WMSID, &sites, &status, &prev, &meta); err != nil {
		return nil, err
	}
	var err error
	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if t.Namespace, err = uuid.Parse(ns); err != nil {
		return nil, err
	}
	if t.Node, err = uuid.Parse(node); err != nil {
		return nil, err
	}
	if prio.Valid {
		p := int(prio.Int64)
		t.Priority = &p
	}
	t.CreatedAt = fromTimeCol(created)
	t.SubmittedAt = fromTimePtrCol(submitted)
	t.FinishedAt = fromTimePtrCol(fin)
	if err := scanJSON(sites, &t.SiteAffinity); err != nil {
		return nil, err
	}
	t.Status = campaign.Status(status)
	t.PreviousStatus = campaign.Status(prev)
	if err := scanJSON(meta, &t.Metadata); err != nil {
		return nil, err
	}
	return &t, nil
}

func (q *queries) GetTask(ctx context.Context, id uuid.UUID) (*campaign.Task, error) {
	row := q.x.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM tasks_v2 WHERE id = ?`, id.String())
	t, err := q.scanTask(row)
	if err != nil {
		return nil, notFound("task", err)
	}
	return t, nil
}

func (q *queries) FinishTask(ctx context.Context, id uuid.UUID, failed bool) error {
	if !failed {
		_, err := q.x.ExecContext(ctx, `DELETE FROM tasks_v2 WHERE id = ?`, id.String())
		return err
	}
	_, err := q.x.ExecContext(ctx,
		`UPDATE tasks_v2 SET finished_at = ?, open_node = NULL WHERE id = ?`,
		timeCol(time.Now().UTC()), id.String())
	return err
}

func (q *queries) OpenTaskCount(ctx context.Context, namespace uuid.UUID) (int, error) {
	var n int
	err := q.x.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks_v2 WHERE namespace = ? AND finished_at IS NULL`,
		namespace.String()).Scan(&n)
	return n, err
}

// --- activity log ---

func (q *queries) AppendActivity(ctx context.Context, a *campaign.Activity) error {
	detail, err := jsonCol(a.Detail)
	if err != nil {
		return err
	}
	meta, err := jsonCol(a.Metadata)
	if err != nil {
		return err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var node any
	if a.Node != nil {
		node = a.Node.String()
	}
	res, err := q.x.ExecContext(ctx,
		`INSERT INTO activity_log_v2
		   (namespace, node, operator, created_at, finished_at, from_status, to_status, detail, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Namespace.String(), node, a.Operator, timeCol(a.CreatedAt),
		timePtrCol(a.FinishedAt), string(a.FromStatus), string(a.ToStatus), detail, meta)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	return nil
}

func (q *queries) ListActivity(ctx context.Context, namespace uuid.UUID, node *uuid.UUID, offset, limit int) ([]campaign.Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	where := `namespace = ?`
	args := []any{namespace.String()}
	if node != nil {
		where += ` AND node = ?`
		args = append(args, node.String())
	}
	args = append(args, limit, offset)
	rows, err := q.x.QueryContext(ctx,
		`SELECT id, namespace, node, operator, created_at, finished_at, from_status, to_status, detail, metadata
		   FROM activity_log_v2 WHERE `+where+` ORDER BY id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []campaign.Activity
	for rows.Next() {
		var (
			a            campaign.Activity
			ns           string
			node         sql.NullString
			created      int64
			fin          sql.NullInt64
			from, to     string
			detail, meta []byte
		)
		if err := rows.Scan(&a.ID, &ns, &node, &a.Operator, &created, &fin, &from, &to, &detail, &meta); err != nil {
			return nil, err
		}
		if a.Namespace, err = uuid.Parse(ns); err != nil {
			return nil, err
		}
		if a.Node, err = fromUUIDPtrCol(node); err != nil {
			return nil, err
		}
		a.CreatedAt = fromTimeCol(created)
		a.FinishedAt = fromTimePtrCol(fin)
		a.FromStatus = campaign.Status(from)
		a.ToStatus = campaign.Status(to)
		if err := scanJSON(detail, &a.Detail); err != nil {
			return nil, err
		}
		if err := scanJSON(meta, &a.Metadata); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
