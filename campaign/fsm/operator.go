package fsm

import (
	"context"
	"fmt"
	"os"

	"campaignd/campaign"
)

// operate executes operator triggers. These apply uniformly across node
// kinds; a precondition failure (wrong current status) surfaces as
// not_processable and commits nothing.
func (m *Machine) operate(ctx context.Context, env *runEnv) (outcome, error) {
	cur := env.node.Status
	switch env.trigger {
	case TriggerAccept:
		// Force-accept: an operator may accept any non-terminal node,
		// including a held breakpoint or a failed group they have fixed by
		// hand.
		if cur.Terminal() {
			return outcome{}, alreadyTerminal(env)
		}
		return outcome{status: campaign.StatusAccepted}, nil

	case TriggerReject:
		if cur.Terminal() {
			return outcome{}, alreadyTerminal(env)
		}
		return outcome{status: campaign.StatusRejected}, nil

	case TriggerPause:
		if cur.Terminal() || cur == campaign.StatusPaused {
			return outcome{}, campaign.Errorf(campaign.ErrNotProcessable,
				"node %s is %s and cannot pause", env.node.Name, cur)
		}
		snap := env.snap
		snap.Prior = cur
		return outcome{status: campaign.StatusPaused, snap: &snap}, nil

	case TriggerResume:
		if cur != campaign.StatusPaused {
			return outcome{}, campaign.Errorf(campaign.ErrNotProcessable,
				"node %s is %s, not paused", env.node.Name, cur)
		}
		to := env.snap.Prior
		if to == "" {
			to = campaign.StatusWaiting
		}
		snap := env.snap
		snap.Prior = ""
		return outcome{status: to, snap: &snap}, nil

	case TriggerRetry:
		// Retry rolls forward: the workspace survives and the node lands in
		// ready, so the next nominal step resubmits the prepared script.
		if cur != campaign.StatusFailed {
			return outcome{}, campaign.Errorf(campaign.ErrNotProcessable,
				"node %s is %s; only failed nodes retry", env.node.Name, cur)
		}
		snap := env.snap
		snap.Retries++
		snap.WMSID = ""
		return outcome{
			status: campaign.StatusReady,
			snap:   &snap,
			detail: campaign.Mapping{"retries": snap.Retries},
		}, nil

	case TriggerReset:
		if cur.TerminalSuccess() {
			return outcome{}, campaign.Errorf(campaign.ErrNotProcessable,
				"node %s already succeeded; reset would discard its outputs", env.node.Name)
		}
		// A reset starts over from scratch; stale artifacts must not leak
		// into the next attempt.
		if env.snap.Workspace != "" {
			if err := os.RemoveAll(env.snap.Workspace); err != nil {
				return outcome{}, fmt.Errorf("remove workspace %s: %w", env.snap.Workspace, err)
			}
		}
		return outcome{status: campaign.StatusWaiting, snap: &Snapshot{}}, nil

	case TriggerRestart:
		return restartGroup(env)

	case TriggerRescue:
		if cur != campaign.StatusFailed {
			return outcome{}, campaign.Errorf(campaign.ErrNotProcessable,
				"node %s is %s; only failed nodes become rescuable", env.node.Name, cur)
		}
		return outcome{status: campaign.StatusRescuable}, nil

	case TriggerRescued:
		if cur != campaign.StatusRescuable {
			return outcome{}, campaign.Errorf(campaign.ErrNotProcessable,
				"node %s is %s, not rescuable", env.node.Name, cur)
		}
		return outcome{status: campaign.StatusRescued}, nil

	case TriggerUnprepare:
		if cur != campaign.StatusReady && cur != campaign.StatusFailed {
			return outcome{}, campaign.Errorf(campaign.ErrNotProcessable,
				"node %s is %s; unprepare needs an expanded, unstarted step", env.node.Name, cur)
		}
		return m.unprepare(ctx, env)

	default:
		return outcome{}, campaign.Errorf(campaign.ErrInvalidInput,
			"unknown trigger %q", env.trigger)
	}
}

// restartGroup resumes a failed group at the WMS level instead of
// resubmitting from scratch. It needs the quantum graph from the prior
// attempt; the launch script is rewritten to the restart variant so the
// next start picks up where the WMS left off.
func restartGroup(env *runEnv) (outcome, error) {
	if env.node.Kind != campaign.KindGroup && env.node.Kind != campaign.KindStepGroup {
		return outcome{}, campaign.Errorf(campaign.ErrNotProcessable,
			"node %s is a %s; only groups restart", env.node.Name, env.node.Kind)
	}
	if env.node.Status != campaign.StatusFailed {
		return outcome{}, campaign.Errorf(campaign.ErrNotProcessable,
			"node %s is %s; only failed groups restart", env.node.Name, env.node.Status)
	}
	if env.snap.Workspace == "" || env.snap.WMSID == "" {
		return outcome{}, campaign.Errorf(campaign.ErrNotProcessable,
			"node %s never reached the WMS; retry or reset it instead", env.node.Name)
	}
	artifact := restartArtifact(env)
	if _, err := os.Stat(artifact); err != nil {
		return outcome{}, campaign.Errorf(campaign.ErrNotProcessable,
			"node %s has no restartable artifact at %s", env.node.Name, artifact)
	}
	if err := writeRestartScript(env); err != nil {
		return outcome{}, err
	}
	snap := env.snap
	snap.Restarts++
	snap.WMSID = ""
	return outcome{
		status: campaign.StatusReady,
		snap:   &snap,
		detail: campaign.Mapping{"restarts": snap.Restarts, "quantum_graph": artifact},
	}, nil
}

func alreadyTerminal(env *runEnv) error {
	return campaign.Errorf(campaign.ErrNotProcessable,
		"node %s is already terminal (%s)", env.node.Name, env.node.Status)
}
