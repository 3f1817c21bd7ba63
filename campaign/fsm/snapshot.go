// Package fsm drives the per-node state machines and the campaign-level
// machine. Every transition follows the same contract: observe the node
// under a row lock, run the side effect (WMS submission, Butler call,
// workspace build) with no locks held, then commit the status change, the
// machine snapshot and one activity row in a single transaction guarded by
// an optimistic re-check of the observed status.
package fsm

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"campaignd/campaign"
	"campaignd/campaign/store"
)

// Trigger names a transition request.
type Trigger string

const (
	// Nominal triggers fired by the daemon.
	TriggerPrepare Trigger = "prepare"
	TriggerStart   Trigger = "start"
	TriggerFinish  Trigger = "finish"

	// Operator triggers.
	TriggerAccept    Trigger = "accept"
	TriggerReject    Trigger = "reject"
	TriggerPause     Trigger = "pause"
	TriggerResume    Trigger = "resume"
	TriggerRetry     Trigger = "retry"
	TriggerReset     Trigger = "reset"
	TriggerRestart   Trigger = "restart"
	TriggerRescue    Trigger = "rescue"
	TriggerRescued   Trigger = "rescued"
	TriggerUnprepare Trigger = "unprepare"
)

// NominalTrigger returns the daemon-driven trigger for a node in the given
// status, or false when the node needs no nominal work (terminal, paused
// or operator-gated statuses).
func NominalTrigger(s campaign.Status) (Trigger, bool) {
	switch s {
	case campaign.StatusWaiting:
		return TriggerPrepare, true
	case campaign.StatusReady, campaign.StatusPrepared:
		return TriggerStart, true
	case campaign.StatusRunning:
		return TriggerFinish, true
	}
	return "", false
}

// Snapshot is the transition-local context a node carries between
// transitions, persisted in machines_v2 under the node's id so any worker
// can resume it.
type Snapshot struct {
	// Prior is the status to return to on resume after a pause.
	Prior campaign.Status `json:"prior,omitempty"`
	// WMSID is the job id returned by the launcher at start.
	WMSID string `json:"wms_id,omitempty"`
	// Workspace is the node's artifact directory, laid down at prepare.
	Workspace string `json:"workspace,omitempty"`
	// Retries counts operator-requested retries after failure.
	Retries int `json:"retries,omitempty"`
	// Restarts counts WMS-level restarts of a failed group.
	Restarts int `json:"restarts,omitempty"`
}

// loadSnapshot reads the node's snapshot; a node without one starts fresh.
func loadSnapshot(ctx context.Context, q store.Querier, nodeID uuid.UUID) (Snapshot, error) {
	m, err := q.GetMachine(ctx, nodeID)
	if campaign.IsKind(err, campaign.ErrNotFound) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	var s Snapshot
	if len(m.State) > 0 {
		if err := json.Unmarshal(m.State, &s); err != nil {
			return Snapshot{}, campaign.Errorf(campaign.ErrInvalidInput,
				"corrupt machine snapshot for node %s: %w", nodeID, err)
		}
	}
	return s, nil
}

func saveSnapshot(ctx context.Context, q store.Querier, nodeID uuid.UUID, s Snapshot) error {
	state, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return q.SaveMachine(ctx, &campaign.Machine{ID: nodeID, State: state})
}
