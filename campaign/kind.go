package campaign

// NodeKind classifies graph vertices. The kind selects the node's state
// machine behaviour; see the fsm package.
type NodeKind string

const (
	// KindStart and KindEnd are the sentinel vertices that anchor traversal.
	// Every campaign has exactly one of each, created with the campaign.
	KindStart NodeKind = "start"
	KindEnd   NodeKind = "end"

	// KindGroupedStep is a processing step that expands into step_group
	// children at prepare time. KindStep is the non-expanding variant.
	KindStep        NodeKind = "step"
	KindGroupedStep NodeKind = "grouped_step"

	// KindStepGroup is one expansion product of a grouped step: a single
	// WMS submission covering one predicate. KindGroup is its generic
	// alias kept for externally created groups.
	KindGroup     NodeKind = "group"
	KindStepGroup NodeKind = "step_group"

	// KindCollectGroups recombines the outputs of sibling step groups into
	// one chained collection.
	KindCollectGroups NodeKind = "collect_groups"

	// KindBreakpoint holds at running until an operator accepts it.
	KindBreakpoint NodeKind = "breakpoint"

	// KindAction submits a one-shot job through an injected launcher.
	KindAction NodeKind = "action"

	KindOther NodeKind = "other"
)

// Valid reports whether k is a defined node kind.
func (k NodeKind) Valid() bool {
	switch k {
	case KindStart, KindEnd, KindStep, KindGroupedStep, KindGroup,
		KindStepGroup, KindCollectGroups, KindBreakpoint, KindAction, KindOther:
		return true
	}
	return false
}

// Sentinel reports whether k is a START or END marker.
func (k NodeKind) Sentinel() bool { return k == KindStart || k == KindEnd }

// ManifestKind classifies configuration documents.
type ManifestKind string

const (
	ManifestLSST   ManifestKind = "lsst"
	ManifestBPS    ManifestKind = "bps"
	ManifestButler ManifestKind = "butler"
	ManifestWMS    ManifestKind = "wms"
	ManifestSite   ManifestKind = "site"
	ManifestStep   ManifestKind = "step"
	ManifestNode   ManifestKind = "node"
	ManifestEdge   ManifestKind = "edge"
	ManifestOther  ManifestKind = "other"

	// ManifestCampaign is recognised for validation only: the manifest
	// library refuses to create documents of this kind.
	ManifestCampaign ManifestKind = "campaign"
)

// Valid reports whether k is a kind the manifest library will store.
func (k ManifestKind) Valid() bool {
	switch k {
	case ManifestLSST, ManifestBPS, ManifestButler, ManifestWMS,
		ManifestSite, ManifestStep, ManifestNode, ManifestEdge, ManifestOther:
		return true
	}
	return false
}

// MandatoryManifestKinds are the kinds every node's configuration chain
// resolves, lowest precedence first from the library then the campaign.
var MandatoryManifestKinds = []ManifestKind{
	ManifestLSST, ManifestBPS, ManifestButler, ManifestWMS, ManifestSite,
}
