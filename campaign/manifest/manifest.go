// Package manifest implements the versioned configuration library: CRUD
// over manifest documents, RFC 7396 merge-patch and RFC 6902 json-patch
// updates, cross-namespace copies, and the configuration chain that
// resolves a node's effective configuration from the library down to its
// group overrides.
package manifest

import (
	"context"
	"encoding/json"
	"errors"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"campaignd/campaign"
	"campaignd/campaign/store"
)

// Content types accepted by Patch, per RFC 7396 and RFC 6902.
const (
	MergePatchType = "application/merge-patch+json"
	JSONPatchType  = "application/json-patch+json"
)

// document is the patchable projection of a manifest: exactly the two
// mutable JSON columns. Patches address "/meta/..." and "/spec/...".
type document struct {
	Meta campaign.Mapping `json:"meta"`
	Spec campaign.Mapping `json:"spec"`
}

// ApplyPatch applies a patch body to a JSON document. contentType selects
// the algorithm: application/merge-patch+json (RFC 7396) or
// application/json-patch+json (RFC 6902). A failed RFC 6902 test op
// surfaces as patch_assertion_failed. Campaign patching shares this with
// the manifest library.
func ApplyPatch(contentType string, doc, body []byte) ([]byte, error) {
	switch contentType {
	case MergePatchType:
		patched, err := jsonpatch.MergePatch(doc, body)
		if err != nil {
			return nil, campaign.Errorf(campaign.ErrInvalidInput, "merge patch: %w", err)
		}
		return patched, nil
	case JSONPatchType:
		p, err := jsonpatch.DecodePatch(body)
		if err != nil {
			return nil, campaign.Errorf(campaign.ErrInvalidInput, "decode patch: %w", err)
		}
		patched, err := p.Apply(doc)
		if err != nil {
			if errors.Is(err, jsonpatch.ErrTestFailed) {
				return nil, campaign.Errorf(campaign.ErrPatchAssertionFailed, "patch test failed: %w", err)
			}
			return nil, campaign.Errorf(campaign.ErrInvalidInput, "apply patch: %w", err)
		}
		return patched, nil
	default:
		return nil, campaign.Errorf(campaign.ErrInvalidInput,
			"unsupported patch content type %q", contentType)
	}
}

// Library is the manifest service bound to a store.
type Library struct {
	st store.Store
}

func NewLibrary(st store.Store) *Library { return &Library{st: st} }

// Create stores version 1 of a new manifest. The kind "campaign" is
// reserved (campaigns are not manifests) and the namespace must be the
// root library or an existing campaign.
func (l *Library) Create(ctx context.Context, m *campaign.Manifest) error {
	if m.Kind == campaign.ManifestCampaign {
		return campaign.Errorf(campaign.ErrInvalidInput,
			"manifest kind %q is reserved", campaign.ManifestCampaign)
	}
	if !m.Kind.Valid() {
		return campaign.Errorf(campaign.ErrInvalidInput, "unknown manifest kind %q", m.Kind)
	}
	if m.Name == "" {
		return campaign.Errorf(campaign.ErrInvalidInput, "manifest name must not be empty")
	}
	if err := l.checkNamespace(ctx, m.Namespace); err != nil {
		return err
	}
	m.Version = 1
	m.ID = campaign.ManifestID(m.Namespace, m.Name, m.Version)
	return l.st.InsertManifest(ctx, m)
}

func (l *Library) checkNamespace(ctx context.Context, namespace uuid.UUID) error {
	if namespace == campaign.RootNamespace {
		return nil
	}
	if _, err := l.st.GetCampaign(ctx, namespace); err != nil {
		if campaign.IsKind(err, campaign.ErrNotFound) {
			return campaign.Errorf(campaign.ErrUnknownNamespace,
				"namespace %s is neither the library nor a campaign", namespace)
		}
		return err
	}
	return nil
}

// Get returns the named manifest; version 0 selects the newest.
func (l *Library) Get(ctx context.Context, namespace uuid.UUID, name string, version int) (*campaign.Manifest, error) {
	versions, err := l.st.ListManifestVersions(ctx, namespace, name)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, campaign.Errorf(campaign.ErrNotFound, "manifest %s not found", name)
	}
	if version == 0 {
		return &versions[len(versions)-1], nil
	}
	for i := range versions {
		if versions[i].Version == version {
			return &versions[i], nil
		}
	}
	return nil, campaign.Errorf(campaign.ErrNotFound, "manifest %s has no version %d", name, version)
}

// Versions lists every stored version of the named manifest, oldest first.
func (l *Library) Versions(ctx context.Context, namespace uuid.UUID, name string) ([]campaign.Manifest, error) {
	return l.st.ListManifestVersions(ctx, namespace, name)
}

// Patch applies a patch body to the newest version of the named manifest
// and stores the result as a new version, atomically: a failing patch (or
// a failing json-patch test op) leaves no new row behind.
//
// contentType selects the algorithm: application/merge-patch+json (RFC
// 7396) or application/json-patch+json (RFC 6902). A failed RFC 6902 test
// op surfaces as patch_assertion_failed.
func (l *Library) Patch(ctx context.Context, namespace uuid.UUID, name, contentType string, body []byte) (*campaign.Manifest, error) {
	var out *campaign.Manifest
	err := l.st.WithTx(ctx, func(q store.Querier) error {
		versions, err := q.ListManifestVersions(ctx, namespace, name)
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			return campaign.Errorf(campaign.ErrNotFound, "manifest %s not found", name)
		}
		cur := versions[len(versions)-1]
		doc, err := json.Marshal(document{Meta: cur.Metadata, Spec: cur.Spec})
		if err != nil {
			return err
		}
		patched, err := ApplyPatch(contentType, doc, body)
		if err != nil {
			return err
		}

		var next document
		if err := json.Unmarshal(patched, &next); err != nil {
			return campaign.Errorf(campaign.ErrInvalidInput, "patched manifest is not an object: %w", err)
		}
		nm := campaign.Manifest{
			Name:      cur.Name,
			Namespace: cur.Namespace,
			Version:   cur.Version + 1,
			Kind:      cur.Kind,
			Metadata:  next.Meta,
			Spec:      next.Spec,
		}
		nm.ID = campaign.ManifestID(nm.Namespace, nm.Name, nm.Version)
		// A concurrent patch of the same base version trips the unique
		// (name, version, namespace) key and surfaces as conflict.
		if err := q.InsertManifest(ctx, &nm); err != nil {
			return err
		}
		out = &nm
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Copy clones the newest version of a manifest into another namespace as
// that namespace's version 1 (or the next version when the name already
// exists there).
func (l *Library) Copy(ctx context.Context, srcNamespace uuid.UUID, name string, dstNamespace uuid.UUID) (*campaign.Manifest, error) {
	if err := l.checkNamespace(ctx, dstNamespace); err != nil {
		return nil, err
	}
	src, err := l.Get(ctx, srcNamespace, name, 0)
	if err != nil {
		return nil, err
	}
	var out *campaign.Manifest
	err = l.st.WithTx(ctx, func(q store.Querier) error {
		existing, err := q.ListManifestVersions(ctx, dstNamespace, name)
		if err != nil {
			return err
		}
		version := 1
		if len(existing) > 0 {
			version = existing[len(existing)-1].Version + 1
		}
		cp := campaign.Manifest{
			ID:        campaign.ManifestID(dstNamespace, name, version),
			Name:      name,
			Namespace: dstNamespace,
			Version:   version,
			Kind:      src.Kind,
			Metadata:  src.Metadata.Copy(),
			Spec:      src.Spec.Copy(),
		}
		if err := q.InsertManifest(ctx, &cp); err != nil {
			return err
		}
		out = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
