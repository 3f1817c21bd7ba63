package manifest

import (
	"context"

	"github.com/google/uuid"

	"campaignd/campaign"
	"campaignd/campaign/store"
)

// includesKey names other manifests whose specs merge beneath the
// document that lists them.
const includesKey = "includes"

// maxIncludeDepth bounds include recursion. Five levels covers every
// production chain seen so far; deeper nesting is almost always a cycle
// the visited set did not catch across distinct names.
const maxIncludeDepth = 5

// Resolver computes a node's effective configuration by folding the
// configuration chain: library manifests of the mandatory kinds, then the
// campaign's own manifests of those kinds, then the overlays the caller
// supplies (typically step configuration, then group configuration).
//
// Merging is recursive: nested objects merge key-wise, lists concatenate
// (lower precedence first) and scalars are overridden by the higher layer.
type Resolver struct {
	st store.Store
}

func NewResolver(st store.Store) *Resolver { return &Resolver{st: st} }

// NodeConfig resolves the full chain for one node of the campaign
// namespace. Overlays are applied lowest precedence first and each layer
// has its "includes" expanded before merging.
func (r *Resolver) NodeConfig(ctx context.Context, namespace uuid.UUID, overlays ...campaign.Mapping) (campaign.Mapping, error) {
	cfg, err := r.BaseConfig(ctx, namespace)
	if err != nil {
		return nil, err
	}
	for _, layer := range overlays {
		expanded, err := r.expand(ctx, namespace, layer, 0, map[string]bool{})
		if err != nil {
			return nil, err
		}
		cfg = Merge(cfg, expanded)
	}
	return cfg, nil
}

// BaseConfig folds the mandatory manifest kinds, library first so campaign
// documents override it. Kinds with no document anywhere simply contribute
// nothing; a fresh deployment starts from an empty library.
func (r *Resolver) BaseConfig(ctx context.Context, namespace uuid.UUID) (campaign.Mapping, error) {
	cfg := campaign.Mapping{}
	for _, kind := range campaign.MandatoryManifestKinds {
		for _, ns := range []uuid.UUID{campaign.RootNamespace, namespace} {
			m, err := r.st.FindManifest(ctx, ns, kind, "", 0)
			if campaign.IsKind(err, campaign.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			spec, err := r.expand(ctx, ns, m.Spec, 0, map[string]bool{})
			if err != nil {
				return nil, err
			}
			cfg = Merge(cfg, spec)
		}
	}
	return cfg, nil
}

// expand resolves the "includes" of cfg: each named manifest (campaign
// namespace first, falling back to the library) is itself expanded and
// merged beneath cfg. Already-seen names are skipped so include cycles
// terminate; depth is capped at maxIncludeDepth.
func (r *Resolver) expand(ctx context.Context, namespace uuid.UUID, cfg campaign.Mapping, depth int, seen map[string]bool) (campaign.Mapping, error) {
	names := includeNames(cfg)
	if len(names) == 0 {
		return cfg, nil
	}
	if depth >= maxIncludeDepth {
		return nil, campaign.Errorf(campaign.ErrInvalidInput,
			"configuration includes nested more than %d levels deep", maxIncludeDepth)
	}
	base := campaign.Mapping{}
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		m, err := r.lookupInclude(ctx, namespace, name)
		if err != nil {
			return nil, err
		}
		spec, err := r.expand(ctx, namespace, m.Spec, depth+1, seen)
		if err != nil {
			return nil, err
		}
		base = Merge(base, spec)
	}
	top := cfg.Copy()
	delete(top, includesKey)
	return Merge(base, top), nil
}

func (r *Resolver) lookupInclude(ctx context.Context, namespace uuid.UUID, name string) (*campaign.Manifest, error) {
	for _, ns := range []uuid.UUID{namespace, campaign.RootNamespace} {
		versions, err := r.st.ListManifestVersions(ctx, ns, name)
		if err != nil {
			return nil, err
		}
		if len(versions) > 0 {
			return &versions[len(versions)-1], nil
		}
	}
	return nil, campaign.Errorf(campaign.ErrUnknownManifest,
		"configuration includes unknown manifest %q", name)
}

func includeNames(cfg campaign.Mapping) []string {
	raw, ok := cfg[includesKey]
	if !ok {
		return nil
	}
	list, ok := asList(raw)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			names = append(names, s)
		}
	}
	return names
}

// Merge overlays src onto dst without mutating either: nested objects
// merge recursively, lists concatenate with dst's elements first, and for
// everything else (scalars, type mismatches) src wins.
func Merge(dst, src campaign.Mapping) campaign.Mapping {
	out := make(campaign.Mapping, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, sv := range src {
		if dv, ok := out[k]; ok {
			out[k] = mergeValue(dv, sv)
		} else {
			out[k] = sv
		}
	}
	return out
}

func mergeValue(dst, src any) any {
	if dm, ok := asMap(dst); ok {
		if sm, ok := asMap(src); ok {
			return Merge(dm, sm)
		}
	}
	if dl, ok := asList(dst); ok {
		if sl, ok := asList(src); ok {
			merged := make([]any, 0, len(dl)+len(sl))
			merged = append(merged, dl...)
			merged = append(merged, sl...)
			return merged
		}
	}
	return src
}

func asMap(v any) (campaign.Mapping, bool) {
	switch m := v.(type) {
	case campaign.Mapping:
		return m, true
	case map[string]any:
		return campaign.Mapping(m), true
	}
	return nil, false
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}
