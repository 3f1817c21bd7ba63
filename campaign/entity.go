package campaign

import (
	"time"

	"github.com/google/uuid"
)

// Mapping is a free-form JSON object column (metadata, spec, configuration,
// activity detail). Values round-trip through encoding/json.
type Mapping map[string]any

// Copy returns a shallow copy of m. A nil mapping copies to nil.
func (m Mapping) Copy() Mapping {
	if m == nil {
		return nil
	}
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Campaign is the top-level unit of work: a namespace owning a graph of
// nodes, a set of manifests, queue tasks and activity rows.
//
// A campaign's ID is UUID5(namespace, name), so (name, namespace) is unique
// by construction and recreating the same campaign is idempotent at the id
// level (the insert still conflicts).
type Campaign struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Namespace uuid.UUID  `json:"namespace"`
	Owner     string     `json:"owner"`
	Status    Status     `json:"status"`
	Metadata  Mapping    `json:"metadata,omitempty"`
	Spec      Mapping    `json:"spec,omitempty"`
	MachineID *uuid.UUID `json:"machine,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Node is a graph vertex and the unit of FSM-driven work.
//
// Editing a node writes a new row with Version+1; the graph references
// nodes by id, so old versions stay behind for audit until an edge rewire
// makes the new version active.
type Node struct {
	ID            uuid.UUID  `json:"id"`
	Namespace     uuid.UUID  `json:"namespace"`
	Name          string     `json:"name"`
	Version       int        `json:"version"`
	Kind          NodeKind   `json:"kind"`
	Status        Status     `json:"status"`
	Metadata      Mapping    `json:"metadata,omitempty"`
	Configuration Mapping    `json:"configuration,omitempty"`
	MachineID     *uuid.UUID `json:"machine,omitempty"`
}

// Sentinel node names. The sentinel nodes are created at campaign creation
// and are never graph-mutated.
const (
	StartNodeName = "START"
	EndNodeName   = "END"
)

// Edge is a directed arc between two nodes of the same namespace.
type Edge struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	Namespace     uuid.UUID `json:"namespace"`
	Source        uuid.UUID `json:"source"`
	Target        uuid.UUID `json:"target"`
	Metadata      Mapping   `json:"metadata,omitempty"`
	Configuration Mapping   `json:"configuration,omitempty"`
}

// Manifest is a versioned configuration document. Rows are immutable: every
// update writes version+1 and the old versions remain fetchable.
type Manifest struct {
	ID        uuid.UUID    `json:"id"`
	Name      string       `json:"name"`
	Namespace uuid.UUID    `json:"namespace"`
	Version   int          `json:"version"`
	Kind      ManifestKind `json:"kind"`
	Metadata  Mapping      `json:"metadata,omitempty"`
	Spec      Mapping      `json:"spec,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Machine is an opaque snapshot of a node FSM, persisted so a later worker
// can resume a transition-local context across process restarts.
type Machine struct {
	ID        uuid.UUID `json:"id"`
	State     []byte    `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is a work-queue row asserting that a node is eligible for its next
// transition. Open tasks (FinishedAt nil) are unique per node; finished
// tasks are kept only when the transition failed.
type Task struct {
	ID             uuid.UUID  `json:"id"`
	Namespace      uuid.UUID  `json:"namespace"`
	Node           uuid.UUID  `json:"node"`
	Priority       *int       `json:"priority,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	WMSID          string     `json:"wms_id,omitempty"`
	SiteAffinity   []string   `json:"site_affinity,omitempty"`
	Status         Status     `json:"status"`
	PreviousStatus Status     `json:"previous_status"`
	Metadata       Mapping    `json:"metadata,omitempty"`
}

// Activity is an append-only record of one attempted transition.
type Activity struct {
	ID         int64      `json:"id"`
	Namespace  uuid.UUID  `json:"namespace"`
	Node       *uuid.UUID `json:"node,omitempty"`
	Operator   string     `json:"operator"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	FromStatus Status     `json:"from_status"`
	ToStatus   Status     `json:"to_status"`
	Detail     Mapping    `json:"detail,omitempty"`
	Metadata   Mapping    `json:"metadata,omitempty"`
}

// Detail keys used in activity rows.
const (
	DetailTrigger   = "trigger"
	DetailException = "exception"
	DetailError     = "error"
	DetailMessage   = "message"
	DetailRequestID = "request_id"
)
