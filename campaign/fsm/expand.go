package fsm

import (
	"context"

	"github.com/google/uuid"

	"campaignd/campaign"
	"campaignd/campaign/graph"
	"campaignd/campaign/manifest"
	"campaignd/campaign/splitter"
	"campaignd/campaign/store"
)

// handleGroupedStep expands the step into its group children at prepare.
// The splitter runs with no locks held (the query splitter talks to the
// Butler); the graph surgery happens inside the committing transaction.
// Group ids derive from the step id and the predicate, so re-preparing
// after a crash reproduces the same children and the plan applies as a
// no-op.
func (m *Machine) handleGroupedStep(ctx context.Context, env *runEnv) (outcome, error) {
	switch env.trigger {
	case TriggerStart:
		return outcome{status: campaign.StatusRunning}, nil
	case TriggerFinish:
		// The children gate downstream progress through the graph; the
		// parent's own work ended at expansion.
		return outcome{status: campaign.StatusAccepted}, nil
	}

	split, err := splitter.FromConfig(env.cfg, m.butler)
	if err != nil {
		return outcome{}, err
	}
	predicates, err := split.Split(ctx)
	if err != nil {
		return outcome{}, err
	}

	ns := env.node.Namespace
	base := env.node.Configuration.Copy()
	if base == nil {
		base = campaign.Mapping{}
	}
	delete(base, "groups")

	children := make([]*campaign.Node, 0, len(predicates)+1)
	for i, p := range predicates {
		children = append(children, &campaign.Node{
			ID:            campaign.GroupID(env.node.ID, p),
			Namespace:     ns,
			Name:          campaign.GroupName(env.node.Name, i),
			Version:       1,
			Kind:          campaign.KindStepGroup,
			Status:        campaign.StatusWaiting,
			Configuration: manifest.Merge(base, campaign.Mapping{"predicate": p}),
		})
	}
	collect := &campaign.Node{
		ID:            campaign.NodeID(ns, campaign.CollectName(env.node.Name), 1),
		Namespace:     ns,
		Name:          campaign.CollectName(env.node.Name),
		Version:       1,
		Kind:          campaign.KindCollectGroups,
		Status:        campaign.StatusWaiting,
		Configuration: base,
	}

	stepID := env.node.ID
	return outcome{
		status: campaign.StatusReady,
		detail: campaign.Mapping{"groups": len(predicates)},
		commit: func(ctx context.Context, q store.Querier) error {
			return applyExpansion(ctx, q, ns, stepID, children, collect)
		},
	}, nil
}

// applyExpansion splices the children between the step and its current
// successors: step -> each group -> collect -> former successors.
func applyExpansion(ctx context.Context, q store.Querier, ns, stepID uuid.UUID,
	groups []*campaign.Node, collect *campaign.Node) error {
	g, err := graph.Load(ctx, q, ns)
	if err != nil {
		return err
	}
	step := g.Node(stepID)
	if step == nil {
		return campaign.Errorf(campaign.ErrNotFound, "step %s is not in the graph", stepID)
	}

	childIDs := make(map[uuid.UUID]bool, len(groups)+1)
	for _, c := range groups {
		childIDs[c.ID] = true
	}
	childIDs[collect.ID] = true

	plan := &graph.Plan{AddNodes: append(append([]*campaign.Node{}, groups...), collect)}
	for _, succ := range g.Successors(stepID) {
		// A partially applied earlier expansion leaves children as
		// successors already; only the original downstream edges move.
		if childIDs[succ.ID] {
			continue
		}
		plan.DropEdges = append(plan.DropEdges, campaign.EdgeID(ns, stepID, succ.ID))
		plan.AddEdges = append(plan.AddEdges, newEdge(ns, collect, succ))
	}
	for _, child := range groups {
		plan.AddEdges = append(plan.AddEdges,
			newEdge(ns, step, child),
			newEdge(ns, child, collect))
	}
	return plan.Apply(ctx, q)
}

// unprepare reverses an expansion: only legal while every child is still
// waiting. The children are removed and the step returns to waiting with
// its original downstream edges restored.
func (m *Machine) unprepare(ctx context.Context, env *runEnv) (outcome, error) {
	if env.node.Kind != campaign.KindGroupedStep {
		return outcome{}, campaign.Errorf(campaign.ErrNotProcessable,
			"unprepare applies to grouped steps, not %s nodes", env.node.Kind)
	}
	g, err := graph.Load(ctx, m.st, env.node.Namespace)
	if err != nil {
		return outcome{}, err
	}
	groups, collect, err := expansionChildren(g, env.node.ID)
	if err != nil {
		return outcome{}, err
	}
	for _, child := range groups {
		if child.Status != campaign.StatusWaiting {
			return outcome{}, campaign.Errorf(campaign.ErrNotProcessable,
				"group %s is already %s; cannot unprepare", child.Name, child.Status)
		}
	}

	ns := env.node.Namespace
	stepID := env.node.ID
	plan := &graph.Plan{}
	for _, child := range groups {
		plan.DropEdges = append(plan.DropEdges,
			campaign.EdgeID(ns, stepID, child.ID),
			campaign.EdgeID(ns, child.ID, collect.ID))
		plan.DropNodes = append(plan.DropNodes, child.ID)
	}
	for _, succ := range g.Successors(collect.ID) {
		plan.DropEdges = append(plan.DropEdges, campaign.EdgeID(ns, collect.ID, succ.ID))
		plan.AddEdges = append(plan.AddEdges, newEdge(ns, g.Node(stepID), succ))
	}
	plan.DropNodes = append(plan.DropNodes, collect.ID)

	return outcome{
		status: campaign.StatusWaiting,
		detail: campaign.Mapping{"groups": len(groups)},
		commit: func(ctx context.Context, q store.Querier) error {
			return plan.Apply(ctx, q)
		},
	}, nil
}

// expansionChildren returns a step's group children and collect node.
func expansionChildren(g *graph.Graph, stepID uuid.UUID) ([]*campaign.Node, *campaign.Node, error) {
	var groups []*campaign.Node
	var collect *campaign.Node
	for _, succ := range g.Successors(stepID) {
		switch succ.Kind {
		case campaign.KindGroup, campaign.KindStepGroup:
			groups = append(groups, succ)
		case campaign.KindCollectGroups:
			collect = succ
		}
	}
	if collect == nil {
		for _, child := range groups {
			for _, succ := range g.Successors(child.ID) {
				if succ.Kind == campaign.KindCollectGroups {
					collect = succ
				}
			}
		}
	}
	if len(groups) == 0 || collect == nil {
		return nil, nil, campaign.Errorf(campaign.ErrNotProcessable,
			"step %s has no expansion to undo", stepID)
	}
	return groups, collect, nil
}

func newEdge(ns uuid.UUID, src, dst *campaign.Node) *campaign.Edge {
	return &campaign.Edge{
		ID:        campaign.EdgeID(ns, src.ID, dst.ID),
		Name:      src.Name + "-" + dst.Name,
		Namespace: ns,
		Source:    src.ID,
		Target:    dst.ID,
	}
}
