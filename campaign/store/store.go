// Package store provides the relational persistence layer of the campaign
// manager: campaigns, nodes, edges, manifests, FSM machine snapshots, the
// task queue and the append-only activity log.
//
// Two backends are provided:
//   - MySQL (see mysql.go): production deployments; the task queue pops
//     rows with SELECT ... FOR UPDATE SKIP LOCKED so concurrent daemon
//     workers never contend on the same task.
//   - SQLite (see sqlite.go): tests and single-host deployments, using the
//     CGO-free modernc driver. SQLite serialises writers, so queue claiming
//     needs no row locks.
//
// Both backends execute the same query set (sql.go); dialect differences
// are confined to schema bootstrap, the insert-ignore spelling and the
// row-lock suffix.
package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"campaignd/campaign"
)

// Querier is the query surface shared by a Store and a transaction handle.
// Methods that take an id return a not_found error kind when no row
// matches; unique-constraint violations surface as conflict.
type Querier interface {
	// Campaigns.
	InsertCampaign(ctx context.Context, c *campaign.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error)
	// GetCampaignForUpdate row-locks the campaign until the surrounding
	// transaction ends. Outside a transaction it degrades to a plain read.
	GetCampaignForUpdate(ctx context.Context, id uuid.UUID) (*campaign.Campaign, error)
	GetCampaignByName(ctx context.Context, namespace uuid.UUID, name string) (*campaign.Campaign, error)
	ListCampaigns(ctx context.Context) ([]campaign.Campaign, error)
	ListCampaignsByStatus(ctx context.Context, statuses ...campaign.Status) ([]campaign.Campaign, error)
	UpdateCampaign(ctx context.Context, c *campaign.Campaign) error
	DeleteCampaign(ctx context.Context, id uuid.UUID) error

	// Nodes.
	InsertNode(ctx context.Context, n *campaign.Node) error
	GetNode(ctx context.Context, id uuid.UUID) (*campaign.Node, error)
	GetNodeForUpdate(ctx context.Context, id uuid.UUID) (*campaign.Node, error)
	// GetNodeByName returns the named node; version 0 selects the newest.
	GetNodeByName(ctx context.Context, namespace uuid.UUID, name string, version int) (*campaign.Node, error)
	ListNodes(ctx context.Context, namespace uuid.UUID) ([]campaign.Node, error)
	UpdateNode(ctx context.Context, n *campaign.Node) error
	DeleteNode(ctx context.Context, id uuid.UUID) error
	CountNodesByStatus(ctx context.Context, namespace uuid.UUID) (map[campaign.Status]int, error)

	// Edges.
	InsertEdge(ctx context.Context, e *campaign.Edge) error
	GetEdge(ctx context.Context, id uuid.UUID) (*campaign.Edge, error)
	ListEdges(ctx context.Context, namespace uuid.UUID) ([]campaign.Edge, error)
	DeleteEdge(ctx context.Context, id uuid.UUID) error

	// Manifests. Rows are immutable per version; updates insert version+1.
	InsertManifest(ctx context.Context, m *campaign.Manifest) error
	GetManifest(ctx context.Context, id uuid.UUID) (*campaign.Manifest, error)
	// FindManifest selects by namespace and kind; name "" means any name,
	// version 0 means newest. Newest is the highest version of the newest
	// matching name.
	FindManifest(ctx context.Context, namespace uuid.UUID, kind campaign.ManifestKind, name string, version int) (*campaign.Manifest, error)
	ListManifests(ctx context.Context, namespace uuid.UUID) ([]campaign.Manifest, error)
	ListManifestVersions(ctx context.Context, namespace uuid.UUID, name string) ([]campaign.Manifest, error)

	// Machines (opaque FSM snapshots). SaveMachine upserts.
	SaveMachine(ctx context.Context, m *campaign.Machine) error
	GetMachine(ctx context.Context, id uuid.UUID) (*campaign.Machine, error)

	// Tasks. EnqueueTask inserts an open task unless one already exists
	// for the node; it reports whether a row was written.
	EnqueueTask(ctx context.Context, t *campaign.Task) (bool, error)
	GetTask(ctx context.Context, id uuid.UUID) (*campaign.Task, error)
	// FinishTask closes a task: deleted when the transition succeeded,
	// kept with finished_at set when it failed.
	FinishTask(ctx context.Context, id uuid.UUID, failed bool) error
	OpenTaskCount(ctx context.Context, namespace uuid.UUID) (int, error)

	// Activity log.
	AppendActivity(ctx context.Context, a *campaign.Activity) error
	ListActivity(ctx context.Context, namespace uuid.UUID, node *uuid.UUID, offset, limit int) ([]campaign.Activity, error)
}

// Store is the full persistence interface.
type Store interface {
	Querier

	// WithTx runs fn inside a transaction. fn's Querier issues all reads
	// and writes against that transaction; ForUpdate reads hold their row
	// locks until WithTx returns. A non-nil error from fn rolls back.
	WithTx(ctx context.Context, fn func(q Querier) error) error

	// ClaimTasks atomically pops up to limit open, unclaimed tasks,
	// ordered by priority (nulls last) then creation time, and marks them
	// submitted. Concurrent callers never receive the same task.
	ClaimTasks(ctx context.Context, limit int) ([]campaign.Task, error)

	Ping(ctx context.Context) error
	Close() error
}

// notFound maps sql.ErrNoRows onto the core not_found error kind.
func notFound(what string, err error) error {
	if err == sql.ErrNoRows {
		return campaign.Errorf(campaign.ErrNotFound, "%s not found", what)
	}
	return err
}
