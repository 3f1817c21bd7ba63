// Package graph builds the in-memory DAG of a campaign from its persisted
// edges and nodes, validates its structural invariants, computes the
// processable set for the scheduler, and plans in-place mutations
// (replace, insert, append, delete-with-heal).
package graph

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"campaignd/campaign"
	"campaignd/campaign/store"
)

// Graph is a campaign DAG. Membership is defined by the edge list: a node
// row that no edge references is not part of the graph. Not safe for
// concurrent mutation; the daemon builds a fresh graph per tick.
type Graph struct {
	Namespace uuid.UUID

	nodes map[uuid.UUID]*campaign.Node
	out   map[uuid.UUID]map[uuid.UUID]struct{}
	in    map[uuid.UUID]map[uuid.UUID]struct{}
}

// Build assembles a graph from node rows and the namespace's edge list.
// Every edge endpoint must be present in nodes; a dangling endpoint is an
// invalid_campaign_graph error (structural invariant 4).
func Build(namespace uuid.UUID, nodes []campaign.Node, edges []campaign.Edge) (*Graph, error) {
	byID := make(map[uuid.UUID]*campaign.Node, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}
	g := &Graph{
		Namespace: namespace,
		nodes:     make(map[uuid.UUID]*campaign.Node),
		out:       make(map[uuid.UUID]map[uuid.UUID]struct{}),
		in:        make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
	for _, e := range edges {
		src, ok := byID[e.Source]
		if !ok {
			return nil, campaign.Errorf(campaign.ErrInvalidCampaignGraph,
				"edge %s references missing source node %s", e.Name, e.Source)
		}
		dst, ok := byID[e.Target]
		if !ok {
			return nil, campaign.Errorf(campaign.ErrInvalidCampaignGraph,
				"edge %s references missing target node %s", e.Name, e.Target)
		}
		g.addNode(src)
		g.addNode(dst)
		g.addEdge(e.Source, e.Target)
	}
	return g, nil
}

// Load reads the namespace's nodes and edges through q and builds the
// graph. Run it inside a transaction when the result feeds a mutation.
func Load(ctx context.Context, q store.Querier, namespace uuid.UUID) (*Graph, error) {
	nodes, err := q.ListNodes(ctx, namespace)
	if err != nil {
		return nil, err
	}
	edges, err := q.ListEdges(ctx, namespace)
	if err != nil {
		return nil, err
	}
	return Build(namespace, nodes, edges)
}

func (g *Graph) addNode(n *campaign.Node) {
	if _, ok := g.nodes[n.ID]; ok {
		return
	}
	g.nodes[n.ID] = n
	g.out[n.ID] = make(map[uuid.UUID]struct{})
	g.in[n.ID] = make(map[uuid.UUID]struct{})
}

func (g *Graph) addEdge(src, dst uuid.UUID) {
	g.out[src][dst] = struct{}{}
	g.in[dst][src] = struct{}{}
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id uuid.UUID) *campaign.Node { return g.nodes[id] }

// NodeByName returns the graph member with the given name, or nil.
func (g *Graph) NodeByName(name string) *campaign.Node {
	for _, n := range g.nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int { return len(g.nodes) }

// Predecessors returns the direct upstream nodes of id, sorted by name.
func (g *Graph) Predecessors(id uuid.UUID) []*campaign.Node { return g.neighbors(g.in[id]) }

// Successors returns the direct downstream nodes of id, sorted by name.
func (g *Graph) Successors(id uuid.UUID) []*campaign.Node { return g.neighbors(g.out[id]) }

func (g *Graph) neighbors(set map[uuid.UUID]struct{}) []*campaign.Node {
	out := make([]*campaign.Node, 0, len(set))
	for id := range set {
		out = append(out, g.nodes[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// start returns the unique START sentinel, or nil.
func (g *Graph) start() *campaign.Node {
	var found *campaign.Node
	for _, n := range g.nodes {
		if n.Kind == campaign.KindStart {
			if found != nil {
				return nil
			}
			found = n
		}
	}
	return found
}

func (g *Graph) end() *campaign.Node {
	var found *campaign.Node
	for _, n := range g.nodes {
		if n.Kind == campaign.KindEnd {
			if found != nil {
				return nil
			}
			found = n
		}
	}
	return found
}

// TopoSort returns the node ids in topological order, breaking ties by
// node name so the order is deterministic. A cycle yields an
// invalid_campaign_graph error.
func (g *Graph) TopoSort() ([]uuid.UUID, error) {
	indeg := make(map[uuid.UUID]int, len(g.nodes))
	for id := range g.nodes {
		indeg[id] = len(g.in[id])
	}
	frontier := make([]uuid.UUID, 0, len(g.nodes))
	for id, d := range indeg {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	order := make([]uuid.UUID, 0, len(g.nodes))
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool {
			return g.nodes[frontier[i]].Name < g.nodes[frontier[j]].Name
		})
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)
		for succ := range g.out[id] {
			indeg[succ]--
			if indeg[succ] == 0 {
				frontier = append(frontier, succ)
			}
		}
	}
	if len(order) != len(g.nodes) {
		return nil, campaign.Errorf(campaign.ErrInvalidCampaignGraph, "graph contains a cycle")
	}
	return order, nil
}

// Validate checks the structural invariants: unique START with in-degree 0
// and unique END with out-degree 0, acyclicity, and reachability (every
// node reachable from START, every node reaches END, which also gives a
// START→END path). A nil return means the graph may run.
func (g *Graph) Validate() error {
	if len(g.nodes) == 0 {
		return campaign.Errorf(campaign.ErrInvalidCampaignGraph, "graph is empty")
	}
	start := g.start()
	if start == nil {
		return campaign.Errorf(campaign.ErrInvalidCampaignGraph, "graph needs exactly one START node")
	}
	end := g.end()
	if end == nil {
		return campaign.Errorf(campaign.ErrInvalidCampaignGraph, "graph needs exactly one END node")
	}
	if len(g.in[start.ID]) != 0 {
		return campaign.Errorf(campaign.ErrInvalidCampaignGraph, "START node has incoming edges")
	}
	if len(g.out[end.ID]) != 0 {
		return campaign.Errorf(campaign.ErrInvalidCampaignGraph, "END node has outgoing edges")
	}
	if _, err := g.TopoSort(); err != nil {
		return err
	}
	reachable := g.walk(start.ID, g.out)
	if len(reachable) != len(g.nodes) {
		return campaign.Errorf(campaign.ErrInvalidCampaignGraph,
			"%d node(s) unreachable from START", len(g.nodes)-len(reachable))
	}
	reaching := g.walk(end.ID, g.in)
	if len(reaching) != len(g.nodes) {
		return campaign.Errorf(campaign.ErrInvalidCampaignGraph,
			"%d node(s) cannot reach END", len(g.nodes)-len(reaching))
	}
	return nil
}

func (g *Graph) walk(from uuid.UUID, adj map[uuid.UUID]map[uuid.UUID]struct{}) map[uuid.UUID]struct{} {
	seen := map[uuid.UUID]struct{}{from: {}}
	stack := []uuid.UUID{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range adj[id] {
			if _, ok := seen[next]; !ok {
				seen[next] = struct{}{}
				stack = append(stack, next)
			}
		}
	}
	return seen
}

// Processable walks the graph in topological order from START and returns
// the nodes eligible for their next transition: status neither terminal
// nor paused, and every predecessor in a terminal-successful state. START
// comes first whenever it is not yet terminal.
func (g *Graph) Processable() []*campaign.Node {
	order, err := g.TopoSort()
	if err != nil {
		return nil
	}
	var out []*campaign.Node
	for _, id := range order {
		n := g.nodes[id]
		if n.Status.Terminal() || n.Status == campaign.StatusPaused {
			continue
		}
		blocked := false
		for pred := range g.in[id] {
			if !g.nodes[pred].Status.TerminalSuccess() {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, n)
		}
	}
	return out
}
