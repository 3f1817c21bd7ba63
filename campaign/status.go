// Package campaign defines the persistent entities of the campaign manager:
// campaigns, their graph nodes and edges, versioned manifests, work-queue
// tasks, activity-log rows and FSM snapshots, together with the status and
// kind enumerations and the UUID5 identity scheme that ties them together.
package campaign

// Status is the lifecycle state shared by campaigns and nodes.
//
// The values are ordered: Rank reflects the progression from failed (lowest)
// to rescued (highest). Statuses are persisted as their short string form,
// never as numeric codes.
type Status string

const (
	StatusFailed     Status = "failed"
	StatusRejected   Status = "rejected"
	StatusPaused     Status = "paused"
	StatusRescuable  Status = "rescuable"
	StatusWaiting    Status = "waiting"
	StatusReady      Status = "ready"
	StatusPrepared   Status = "prepared"
	StatusRunning    Status = "running"
	StatusReviewable Status = "reviewable"
	StatusAccepted   Status = "accepted"
	StatusRescued    Status = "rescued"
)

// statusRank orders statuses by value. Unknown statuses rank below failed.
var statusRank = map[Status]int{
	StatusFailed:     1,
	StatusRejected:   2,
	StatusPaused:     3,
	StatusRescuable:  4,
	StatusWaiting:    5,
	StatusReady:      6,
	StatusPrepared:   7,
	StatusRunning:    8,
	StatusReviewable: 9,
	StatusAccepted:   10,
	StatusRescued:    11,
}

// Rank returns the ordinal position of s in the status ordering.
// Unknown statuses return 0.
func (s Status) Rank() int { return statusRank[s] }

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool { return statusRank[s] != 0 }

// Terminal reports whether s is an end state: accepted, failed, rejected or
// rescued. Terminal nodes are never enqueued for further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusFailed, StatusRejected, StatusRescued:
		return true
	}
	return false
}

// TerminalSuccess reports whether s counts as a successful end state for the
// purpose of unblocking graph successors (accepted or rescued).
func (s Status) TerminalSuccess() bool {
	return s == StatusAccepted || s == StatusRescued
}
