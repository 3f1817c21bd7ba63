package fsm

import (
	"context"
	"fmt"

	"campaignd/campaign"
	"campaignd/campaign/graph"
)

// handle dispatches a transition. Operator triggers are uniform across
// kinds and their precondition failures return to the caller; nominal
// trigger errors are committed as failed transitions by the caller.
func (m *Machine) handle(ctx context.Context, env *runEnv) (outcome, error) {
	if !nominalTrigger(env.trigger) {
		return m.operate(ctx, env)
	}
	switch env.node.Kind {
	case campaign.KindGroupedStep:
		return m.handleGroupedStep(ctx, env)
	case campaign.KindGroup, campaign.KindStepGroup:
		return m.handleGroup(ctx, env)
	case campaign.KindAction:
		return m.handleAction(ctx, env)
	case campaign.KindCollectGroups:
		return m.handleCollect(ctx, env)
	case campaign.KindBreakpoint:
		return m.handleBreakpoint(env)
	default:
		// start, end, step, other: no external side effects, the node just
		// walks the nominal chain.
		return passThrough(env), nil
	}
}

// passThrough advances waiting -> ready -> running -> accepted.
func passThrough(env *runEnv) outcome {
	switch env.trigger {
	case TriggerPrepare:
		return outcome{status: campaign.StatusReady}
	case TriggerStart:
		return outcome{status: campaign.StatusRunning}
	default:
		return outcome{status: campaign.StatusAccepted}
	}
}

// handleGroup drives one WMS submission: prepare lays down the workspace
// and registers the output chain, start submits, finish polls.
func (m *Machine) handleGroup(ctx context.Context, env *runEnv) (outcome, error) {
	switch env.trigger {
	case TriggerPrepare:
		ws, err := m.buildWorkspace(env)
		if err != nil {
			return outcome{}, err
		}
		chain := outputChain(env.camp.Name, env.node.Name)
		if err := m.butler.CreateChain(ctx, chain); err != nil &&
			!campaign.IsKind(err, campaign.ErrConflict) {
			return outcome{}, err
		}
		snap := env.snap
		snap.Workspace = ws
		return outcome{
			status: campaign.StatusReady,
			snap:   &snap,
			detail: campaign.Mapping{"workspace": ws, "output_chain": chain},
		}, nil

	case TriggerStart:
		return m.submit(ctx, env)

	default:
		return m.poll(ctx, env)
	}
}

// handleAction is a one-shot scripted job: same submit/poll cycle as a
// group, without Butler collections.
func (m *Machine) handleAction(ctx context.Context, env *runEnv) (outcome, error) {
	switch env.trigger {
	case TriggerPrepare:
		if _, ok := env.cfg["command"].(string); !ok {
			return outcome{}, campaign.Errorf(campaign.ErrNotProcessable,
				"action node %s has no command configured", env.node.Name)
		}
		ws, err := m.buildWorkspace(env)
		if err != nil {
			return outcome{}, err
		}
		snap := env.snap
		snap.Workspace = ws
		return outcome{
			status: campaign.StatusReady,
			snap:   &snap,
			detail: campaign.Mapping{"workspace": ws},
		}, nil

	case TriggerStart:
		return m.submit(ctx, env)

	default:
		return m.poll(ctx, env)
	}
}

// submit launches the prepared workspace script through the configured
// launcher and records the WMS id.
func (m *Machine) submit(ctx context.Context, env *runEnv) (outcome, error) {
	l, err := m.launcherFor(env.cfg)
	if err != nil {
		return outcome{}, err
	}
	script := launchScript(env.snap.Workspace)
	callCtx, cancel := m.wmsCtx(ctx)
	defer cancel()
	id, err := l.Submit(callCtx, script, map[string]string{
		"CM_CAMPAIGN": env.camp.Name,
		"CM_NODE":     env.node.Name,
	})
	if err != nil {
		return outcome{}, err
	}
	snap := env.snap
	snap.WMSID = id
	return outcome{
		status: campaign.StatusRunning,
		snap:   &snap,
		detail: campaign.Mapping{"wms_id": id},
	}, nil
}

// poll checks the WMS job. A still-running job is a no-op: no status
// change and no activity row, so repeated polls leave no trace.
func (m *Machine) poll(ctx context.Context, env *runEnv) (outcome, error) {
	if env.snap.WMSID == "" {
		return outcome{}, campaign.Errorf(campaign.ErrLauncherCheck,
			"node %s is running but has no recorded WMS id", env.node.Name)
	}
	l, err := m.launcherFor(env.cfg)
	if err != nil {
		return outcome{}, err
	}
	callCtx, cancel := m.wmsCtx(ctx)
	defer cancel()
	report, err := l.Check(callCtx, env.snap.WMSID)
	if err != nil {
		return outcome{}, err
	}
	if !report.Done {
		return outcome{noop: true}, nil
	}
	if !report.Success {
		return outcome{}, campaign.Errorf(campaign.ErrLauncherCheck,
			"wms job %s failed: %s", env.snap.WMSID, report.Reason)
	}
	return outcome{
		status: campaign.StatusAccepted,
		detail: campaign.Mapping{"wms_id": env.snap.WMSID},
	}, nil
}

// handleCollect assembles the outputs of the sibling groups into one
// chained collection at finish.
func (m *Machine) handleCollect(ctx context.Context, env *runEnv) (outcome, error) {
	switch env.trigger {
	case TriggerPrepare:
		return outcome{status: campaign.StatusReady}, nil
	case TriggerStart:
		return outcome{status: campaign.StatusRunning}, nil
	}

	g, err := graph.Load(ctx, m.st, env.node.Namespace)
	if err != nil {
		return outcome{}, err
	}
	var children []string
	for _, pred := range g.Predecessors(env.node.ID) {
		if pred.Kind == campaign.KindGroup || pred.Kind == campaign.KindStepGroup {
			children = append(children, outputChain(env.camp.Name, pred.Name))
		}
	}
	if len(children) == 0 {
		return outcome{}, campaign.Errorf(campaign.ErrNotProcessable,
			"collect node %s has no group predecessors", env.node.Name)
	}
	chain := outputChain(env.camp.Name, env.node.Name)
	if err := m.butler.CreateChain(ctx, chain); err != nil &&
		!campaign.IsKind(err, campaign.ErrConflict) {
		return outcome{}, err
	}
	if err := m.butler.ExtendChain(ctx, chain, children); err != nil {
		return outcome{}, err
	}
	// Read back and assert every child landed.
	got, err := m.butler.GetChain(ctx, chain)
	if err != nil {
		return outcome{}, err
	}
	have := make(map[string]bool, len(got))
	for _, c := range got {
		have[c] = true
	}
	for _, c := range children {
		if !have[c] {
			return outcome{}, fmt.Errorf("chain %s is missing child %s after extend", chain, c)
		}
	}
	return outcome{
		status: campaign.StatusAccepted,
		detail: campaign.Mapping{"output_chain": chain, "children": len(children)},
	}, nil
}

// handleBreakpoint holds at running until an operator accepts it.
func (m *Machine) handleBreakpoint(env *runEnv) (outcome, error) {
	switch env.trigger {
	case TriggerPrepare:
		return outcome{status: campaign.StatusReady}, nil
	case TriggerStart:
		return outcome{status: campaign.StatusRunning}, nil
	}
	// finish never fires on its own.
	return outcome{noop: true}, nil
}

// outputChain names the Butler chained collection a node's outputs land
// in.
func outputChain(campaignName, nodeName string) string {
	return campaignName + "/" + nodeName + "/out"
}
