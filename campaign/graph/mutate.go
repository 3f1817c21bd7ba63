package graph

import (
	"context"

	"github.com/google/uuid"

	"campaignd/campaign"
	"campaignd/campaign/store"
)

// Plan is a set of node and edge changes computed against a loaded graph.
// Planning is pure; Apply executes the plan through a Querier. Applying is
// idempotent: nodes and edges that already exist are skipped, drops of
// missing rows are no-ops.
type Plan struct {
	AddNodes  []*campaign.Node
	AddEdges  []*campaign.Edge
	DropEdges []uuid.UUID
	DropNodes []uuid.UUID
}

func (p *Plan) addEdge(g *Graph, src, dst *campaign.Node) {
	p.AddEdges = append(p.AddEdges, &campaign.Edge{
		ID:        campaign.EdgeID(g.Namespace, src.ID, dst.ID),
		Name:      src.Name + "-" + dst.Name,
		Namespace: g.Namespace,
		Source:    src.ID,
		Target:    dst.ID,
	})
}

func (p *Plan) dropEdge(g *Graph, src, dst uuid.UUID) {
	p.DropEdges = append(p.DropEdges, campaign.EdgeID(g.Namespace, src, dst))
}

// Apply executes the plan. Run it in the same transaction the graph was
// loaded in.
func (p *Plan) Apply(ctx context.Context, q store.Querier) error {
	for _, n := range p.AddNodes {
		if _, err := q.GetNode(ctx, n.ID); err == nil {
			continue
		} else if !campaign.IsKind(err, campaign.ErrNotFound) {
			return err
		}
		if err := q.InsertNode(ctx, n); err != nil {
			return err
		}
	}
	for _, id := range p.DropEdges {
		if err := q.DeleteEdge(ctx, id); err != nil && !campaign.IsKind(err, campaign.ErrNotFound) {
			return err
		}
	}
	for _, e := range p.AddEdges {
		if _, err := q.GetEdge(ctx, e.ID); err == nil {
			continue
		} else if !campaign.IsKind(err, campaign.ErrNotFound) {
			return err
		}
		if err := q.InsertEdge(ctx, e); err != nil {
			return err
		}
	}
	for _, id := range p.DropNodes {
		if err := q.DeleteNode(ctx, id); err != nil && !campaign.IsKind(err, campaign.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (g *Graph) member(id uuid.UUID) (*campaign.Node, error) {
	n := g.nodes[id]
	if n == nil {
		return nil, campaign.Errorf(campaign.ErrNotFound, "node %s is not in the graph", id)
	}
	return n, nil
}

func notSentinel(n *campaign.Node) error {
	if n.Kind.Sentinel() {
		return campaign.Errorf(campaign.ErrNotProcessable, "node %s is a sentinel and cannot be mutated", n.Name)
	}
	return nil
}

// PlanReplace swaps node old out of the graph in favour of n: every edge
// incident to old is rewired to n. The old node row is kept for audit; it
// simply stops being a graph member.
func PlanReplace(g *Graph, old uuid.UUID, n *campaign.Node) (*Plan, error) {
	prev, err := g.member(old)
	if err != nil {
		return nil, err
	}
	if err := notSentinel(prev); err != nil {
		return nil, err
	}
	p := &Plan{AddNodes: []*campaign.Node{n}}
	for _, pred := range g.Predecessors(old) {
		p.dropEdge(g, pred.ID, old)
		p.addEdge(g, pred, n)
	}
	for _, succ := range g.Successors(old) {
		p.dropEdge(g, old, succ.ID)
		p.addEdge(g, n, succ)
	}
	return p, nil
}

// PlanInsert places n directly downstream of node at: at's outgoing edges
// move to n and a single at→n edge is added.
func PlanInsert(g *Graph, at uuid.UUID, n *campaign.Node) (*Plan, error) {
	anchor, err := g.member(at)
	if err != nil {
		return nil, err
	}
	if anchor.Kind == campaign.KindEnd {
		return nil, campaign.Errorf(campaign.ErrNotProcessable, "cannot insert downstream of END")
	}
	p := &Plan{AddNodes: []*campaign.Node{n}}
	for _, succ := range g.Successors(at) {
		p.dropEdge(g, at, succ.ID)
		p.addEdge(g, n, succ)
	}
	p.addEdge(g, anchor, n)
	return p, nil
}

// PlanAppend adds n as a sibling of node at: n receives copies of all of
// at's incoming and outgoing edges, so the two run in parallel.
func PlanAppend(g *Graph, at uuid.UUID, n *campaign.Node) (*Plan, error) {
	sibling, err := g.member(at)
	if err != nil {
		return nil, err
	}
	if err := notSentinel(sibling); err != nil {
		return nil, err
	}
	p := &Plan{AddNodes: []*campaign.Node{n}}
	for _, pred := range g.Predecessors(at) {
		p.addEdge(g, pred, n)
	}
	for _, succ := range g.Successors(at) {
		p.addEdge(g, n, succ)
	}
	return p, nil
}

// PlanDelete removes node id from the graph along with its incident edges.
// With heal set, every predecessor is connected to every successor so the
// surrounding paths survive; without it the deletion only stands if some
// alternate path keeps the graph valid.
func PlanDelete(g *Graph, id uuid.UUID, heal bool) (*Plan, error) {
	n, err := g.member(id)
	if err != nil {
		return nil, err
	}
	if err := notSentinel(n); err != nil {
		return nil, err
	}
	p := &Plan{DropNodes: []uuid.UUID{id}}
	preds := g.Predecessors(id)
	succs := g.Successors(id)
	for _, pred := range preds {
		p.dropEdge(g, pred.ID, id)
	}
	for _, succ := range succs {
		p.dropEdge(g, id, succ.ID)
	}
	if heal {
		for _, pred := range preds {
			for _, succ := range succs {
				if _, ok := g.out[pred.ID][succ.ID]; ok {
					continue
				}
				p.addEdge(g, pred, succ)
			}
		}
	}
	return p, nil
}

// PlanConnect adds a single src → dst edge.
func PlanConnect(g *Graph, src, dst uuid.UUID) (*Plan, error) {
	from, err := g.member(src)
	if err != nil {
		return nil, err
	}
	to, err := g.member(dst)
	if err != nil {
		return nil, err
	}
	if _, ok := g.out[src][dst]; ok {
		return nil, campaign.Errorf(campaign.ErrConflict,
			"edge %s -> %s already exists", from.Name, to.Name)
	}
	p := &Plan{}
	p.addEdge(g, from, to)
	return p, nil
}

// PlanDisconnect drops the edge between src and dst.
func PlanDisconnect(g *Graph, src, dst uuid.UUID) (*Plan, error) {
	if _, ok := g.out[src][dst]; !ok {
		return nil, campaign.Errorf(campaign.ErrNotFound,
			"no edge between %s and %s", src, dst)
	}
	p := &Plan{}
	p.dropEdge(g, src, dst)
	return p, nil
}

// withPlan simulates the plan on a copy of the graph, for pre-commit
// validation.
func (g *Graph) withPlan(p *Plan) *Graph {
	sim := &Graph{
		Namespace: g.Namespace,
		nodes:     make(map[uuid.UUID]*campaign.Node, len(g.nodes)),
		out:       make(map[uuid.UUID]map[uuid.UUID]struct{}, len(g.out)),
		in:        make(map[uuid.UUID]map[uuid.UUID]struct{}, len(g.in)),
	}
	dropped := make(map[uuid.UUID]struct{}, len(p.DropNodes))
	for _, id := range p.DropNodes {
		dropped[id] = struct{}{}
	}
	for id, n := range g.nodes {
		if _, ok := dropped[id]; !ok {
			sim.addNode(n)
		}
	}
	for _, n := range p.AddNodes {
		sim.addNode(n)
	}
	cut := make(map[uuid.UUID]struct{}, len(p.DropEdges))
	for _, id := range p.DropEdges {
		cut[id] = struct{}{}
	}
	for src, succs := range g.out {
		for dst := range succs {
			if _, ok := cut[campaign.EdgeID(g.Namespace, src, dst)]; ok {
				continue
			}
			if _, ok := dropped[src]; ok {
				continue
			}
			if _, ok := dropped[dst]; ok {
				continue
			}
			sim.addEdge(src, dst)
		}
	}
	for _, e := range p.AddEdges {
		sim.addEdge(e.Source, e.Target)
	}
	return sim
}

// Mutator is the operator-facing graph mutation surface. Every call runs
// in a single transaction that row-locks the campaign, refuses to touch a
// running or finished campaign (campaign_locked), validates the mutated
// graph before commit and rolls back on any violation.
type Mutator struct {
	st store.Store
}

func NewMutator(st store.Store) *Mutator { return &Mutator{st: st} }

// mutable is the set of campaign states that admit graph edits.
func mutable(s campaign.Status) bool {
	switch s {
	case campaign.StatusWaiting, campaign.StatusReady, campaign.StatusPaused:
		return true
	}
	return false
}

func (m *Mutator) mutate(ctx context.Context, namespace uuid.UUID,
	plan func(g *Graph) (*Plan, error)) error {
	return m.st.WithTx(ctx, func(q store.Querier) error {
		c, err := q.GetCampaignForUpdate(ctx, namespace)
		if err != nil {
			return err
		}
		if !mutable(c.Status) {
			return campaign.Errorf(campaign.ErrCampaignLocked,
				"campaign %s is %s; pause it before editing the graph", c.Name, c.Status)
		}
		g, err := Load(ctx, q, namespace)
		if err != nil {
			return err
		}
		p, err := plan(g)
		if err != nil {
			return err
		}
		if err := g.withPlan(p).Validate(); err != nil {
			return err
		}
		return p.Apply(ctx, q)
	})
}

// Replace rewires every edge of node old onto n, inserting n.
func (m *Mutator) Replace(ctx context.Context, namespace, old uuid.UUID, n *campaign.Node) error {
	return m.mutate(ctx, namespace, func(g *Graph) (*Plan, error) { return PlanReplace(g, old, n) })
}

// Insert places n directly downstream of node at.
func (m *Mutator) Insert(ctx context.Context, namespace, at uuid.UUID, n *campaign.Node) error {
	return m.mutate(ctx, namespace, func(g *Graph) (*Plan, error) { return PlanInsert(g, at, n) })
}

// Append adds n as a parallel sibling of node at.
func (m *Mutator) Append(ctx context.Context, namespace, at uuid.UUID, n *campaign.Node) error {
	return m.mutate(ctx, namespace, func(g *Graph) (*Plan, error) { return PlanAppend(g, at, n) })
}

// Delete removes node id, healing predecessor→successor paths when heal is
// set. Without heal the resulting graph must still validate or the call is
// rejected.
func (m *Mutator) Delete(ctx context.Context, namespace, id uuid.UUID, heal bool) error {
	return m.mutate(ctx, namespace, func(g *Graph) (*Plan, error) { return PlanDelete(g, id, heal) })
}

// Connect adds a single edge between two existing nodes.
func (m *Mutator) Connect(ctx context.Context, namespace, src, dst uuid.UUID) error {
	return m.mutate(ctx, namespace, func(g *Graph) (*Plan, error) { return PlanConnect(g, src, dst) })
}

// Disconnect removes the edge between two nodes. The surrounding graph
// must still validate, so the last path through a node cannot be cut.
func (m *Mutator) Disconnect(ctx context.Context, namespace, src, dst uuid.UUID) error {
	return m.mutate(ctx, namespace, func(g *Graph) (*Plan, error) { return PlanDisconnect(g, src, dst) })
}
