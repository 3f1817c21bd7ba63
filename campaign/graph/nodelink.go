package graph

import (
	"sort"

	"github.com/google/uuid"

	"campaignd/campaign"
)

// NodeLink is the wire form of a graph: full node rows plus source/target
// link pairs. Import(Export(g)) reproduces g exactly, so a graph can be
// shipped between deployments or diffed offline.
type NodeLink struct {
	Directed   bool             `json:"directed"`
	Multigraph bool             `json:"multigraph"`
	Graph      campaign.Mapping `json:"graph,omitempty"`
	Nodes      []campaign.Node  `json:"nodes"`
	Links      []Link           `json:"links"`
}

// Link is one directed arc of a NodeLink document.
type Link struct {
	Source uuid.UUID `json:"source"`
	Target uuid.UUID `json:"target"`
}

// Export renders the graph in node-link form. Nodes are sorted by name and
// links by (source, target) so the output is deterministic.
func (g *Graph) Export() *NodeLink {
	nl := &NodeLink{
		Directed: true,
		Graph:    campaign.Mapping{"namespace": g.Namespace.String()},
		Nodes:    make([]campaign.Node, 0, len(g.nodes)),
		Links:    make([]Link, 0),
	}
	for _, n := range g.nodes {
		nl.Nodes = append(nl.Nodes, *n)
	}
	sort.Slice(nl.Nodes, func(i, j int) bool { return nl.Nodes[i].Name < nl.Nodes[j].Name })
	for src, succs := range g.out {
		for dst := range succs {
			nl.Links = append(nl.Links, Link{Source: src, Target: dst})
		}
	}
	sort.Slice(nl.Links, func(i, j int) bool {
		if nl.Links[i].Source != nl.Links[j].Source {
			return nl.Links[i].Source.String() < nl.Links[j].Source.String()
		}
		return nl.Links[i].Target.String() < nl.Links[j].Target.String()
	})
	return nl
}

// Import rebuilds a graph from node-link form. The document must describe a
// directed simple graph and every link endpoint must name a listed node.
func Import(nl *NodeLink) (*Graph, error) {
	if !nl.Directed || nl.Multigraph {
		return nil, campaign.Errorf(campaign.ErrInvalidInput,
			"node-link document must be directed and not a multigraph")
	}
	namespace := uuid.Nil
	if raw, ok := nl.Graph["namespace"].(string); ok {
		ns, err := uuid.Parse(raw)
		if err != nil {
			return nil, campaign.Errorf(campaign.ErrInvalidInput, "bad namespace %q", raw)
		}
		namespace = ns
	}
	edges := make([]campaign.Edge, 0, len(nl.Links))
	for _, l := range nl.Links {
		edges = append(edges, campaign.Edge{
			ID:        campaign.EdgeID(namespace, l.Source, l.Target),
			Namespace: namespace,
			Source:    l.Source,
			Target:    l.Target,
		})
	}
	return Build(namespace, nl.Nodes, edges)
}

// Equal reports whether two graphs have identical node sets (by id) and
// identical edge sets.
func (g *Graph) Equal(o *Graph) bool {
	if len(g.nodes) != len(o.nodes) {
		return false
	}
	for id := range g.nodes {
		if _, ok := o.nodes[id]; !ok {
			return false
		}
		if len(g.out[id]) != len(o.out[id]) {
			return false
		}
		for dst := range g.out[id] {
			if _, ok := o.out[id][dst]; !ok {
				return false
			}
		}
	}
	return true
}
