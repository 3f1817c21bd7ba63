package manifest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignd/campaign"
	"campaignd/campaign/store"
)

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedCampaign(t *testing.T, st store.Store, name string) uuid.UUID {
	t.Helper()
	c := &campaign.Campaign{
		ID:        campaign.CampaignID(campaign.RootNamespace, name),
		Name:      name,
		Namespace: campaign.RootNamespace,
		Status:    campaign.StatusWaiting,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.InsertCampaign(context.Background(), c))
	return c.ID
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	lib := NewLibrary(st)

	t.Run("library manifest", func(t *testing.T) {
		m := &campaign.Manifest{
			Name:      "bps-defaults",
			Namespace: campaign.RootNamespace,
			Kind:      campaign.ManifestBPS,
			Spec:      campaign.Mapping{"wms_service": "htcondor"},
		}
		require.NoError(t, lib.Create(ctx, m))
		assert.Equal(t, 1, m.Version)
		assert.Equal(t, campaign.ManifestID(campaign.RootNamespace, "bps-defaults", 1), m.ID)
	})

	t.Run("campaign kind refused", func(t *testing.T) {
		err := lib.Create(ctx, &campaign.Manifest{
			Name:      "c1",
			Namespace: campaign.RootNamespace,
			Kind:      campaign.ManifestCampaign,
		})
		require.Error(t, err)
		assert.Equal(t, campaign.ErrInvalidInput, campaign.KindOf(err))
	})

	t.Run("unknown namespace refused", func(t *testing.T) {
		err := lib.Create(ctx, &campaign.Manifest{
			Name:      "orphan",
			Namespace: uuid.New(),
			Kind:      campaign.ManifestSite,
		})
		require.Error(t, err)
		assert.Equal(t, campaign.ErrUnknownNamespace, campaign.KindOf(err))
	})

	t.Run("duplicate is a conflict", func(t *testing.T) {
		err := lib.Create(ctx, &campaign.Manifest{
			Name:      "bps-defaults",
			Namespace: campaign.RootNamespace,
			Kind:      campaign.ManifestBPS,
		})
		require.Error(t, err)
		assert.Equal(t, campaign.ErrConflict, campaign.KindOf(err))
	})
}

func TestPatchMerge(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	lib := NewLibrary(st)
	ns := seedCampaign(t, st, "patch-merge")

	require.NoError(t, lib.Create(ctx, &campaign.Manifest{
		Name:      "site",
		Namespace: ns,
		Kind:      campaign.ManifestSite,
		Spec:      campaign.Mapping{"facility": "usdf", "nodes": float64(4)},
	}))

	patch := []byte(`{"spec": {"nodes": 8, "queue": "long"}}`)
	m, err := lib.Patch(ctx, ns, "site", MergePatchType, patch)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Version)
	assert.Equal(t, float64(8), m.Spec["nodes"])
	assert.Equal(t, "long", m.Spec["queue"])
	assert.Equal(t, "usdf", m.Spec["facility"])

	// Applying the same merge patch again is idempotent in content, but
	// still writes a new version.
	m2, err := lib.Patch(ctx, ns, "site", MergePatchType, patch)
	require.NoError(t, err)
	assert.Equal(t, 3, m2.Version)
	assert.Equal(t, m.Spec, m2.Spec)

	// Old versions stay fetchable.
	v1, err := lib.Get(ctx, ns, "site", 1)
	require.NoError(t, err)
	assert.Equal(t, float64(4), v1.Spec["nodes"])
}

func TestPatchJSONPatch(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	lib := NewLibrary(st)
	ns := seedCampaign(t, st, "patch-ops")

	require.NoError(t, lib.Create(ctx, &campaign.Manifest{
		Name:      "wms",
		Namespace: ns,
		Kind:      campaign.ManifestWMS,
		Spec:      campaign.Mapping{"service": "htcondor"},
	}))

	t.Run("test op gates the change", func(t *testing.T) {
		body := []byte(`[
			{"op": "test", "path": "/spec/service", "value": "htcondor"},
			{"op": "replace", "path": "/spec/service", "value": "slurm"}
		]`)
		m, err := lib.Patch(ctx, ns, "wms", JSONPatchType, body)
		require.NoError(t, err)
		assert.Equal(t, 2, m.Version)
		assert.Equal(t, "slurm", m.Spec["service"])
	})

	t.Run("failed test op writes nothing", func(t *testing.T) {
		body := []byte(`[
			{"op": "test", "path": "/spec/service", "value": "htcondor"},
			{"op": "replace", "path": "/spec/service", "value": "panda"}
		]`)
		_, err := lib.Patch(ctx, ns, "wms", JSONPatchType, body)
		require.Error(t, err)
		assert.Equal(t, campaign.ErrPatchAssertionFailed, campaign.KindOf(err))

		cur, err := lib.Get(ctx, ns, "wms", 0)
		require.NoError(t, err)
		assert.Equal(t, 2, cur.Version)
		assert.Equal(t, "slurm", cur.Spec["service"])
	})

	t.Run("bad content type", func(t *testing.T) {
		_, err := lib.Patch(ctx, ns, "wms", "application/json", []byte(`{}`))
		require.Error(t, err)
		assert.Equal(t, campaign.ErrInvalidInput, campaign.KindOf(err))
	})
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	lib := NewLibrary(st)
	ns := seedCampaign(t, st, "copy-target")

	require.NoError(t, lib.Create(ctx, &campaign.Manifest{
		Name:      "lsst-defaults",
		Namespace: campaign.RootNamespace,
		Kind:      campaign.ManifestLSST,
		Spec:      campaign.Mapping{"stack": "w_2026_30"},
	}))

	cp, err := lib.Copy(ctx, campaign.RootNamespace, "lsst-defaults", ns)
	require.NoError(t, err)
	assert.Equal(t, ns, cp.Namespace)
	assert.Equal(t, 1, cp.Version)
	assert.Equal(t, "w_2026_30", cp.Spec["stack"])

	// A second copy lands as the next version in the target namespace.
	cp2, err := lib.Copy(ctx, campaign.RootNamespace, "lsst-defaults", ns)
	require.NoError(t, err)
	assert.Equal(t, 2, cp2.Version)
}

func TestMerge(t *testing.T) {
	base := campaign.Mapping{
		"scalar": "a",
		"list":   []any{"x"},
		"nested": campaign.Mapping{"keep": 1, "override": "old"},
	}
	over := campaign.Mapping{
		"scalar": "b",
		"list":   []any{"y"},
		"nested": campaign.Mapping{"override": "new"},
		"added":  true,
	}
	got := Merge(base, over)
	assert.Equal(t, "b", got["scalar"])
	assert.Equal(t, []any{"x", "y"}, got["list"])
	assert.Equal(t, true, got["added"])
	nested, ok := asMap(got["nested"])
	require.True(t, ok)
	assert.Equal(t, 1, nested["keep"])
	assert.Equal(t, "new", nested["override"])

	// Inputs are not mutated.
	assert.Equal(t, "a", base["scalar"])
	assert.Equal(t, []any{"x"}, base["list"])
}

func TestResolverChain(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	lib := NewLibrary(st)
	ns := seedCampaign(t, st, "chain")

	// Library layer.
	require.NoError(t, lib.Create(ctx, &campaign.Manifest{
		Name:      "bps-defaults",
		Namespace: campaign.RootNamespace,
		Kind:      campaign.ManifestBPS,
		Spec:      campaign.Mapping{"wms_service": "htcondor", "extra_args": []any{"-v"}},
	}))
	// Campaign layer overrides the scalar and extends the list.
	require.NoError(t, lib.Create(ctx, &campaign.Manifest{
		Name:      "bps-campaign",
		Namespace: ns,
		Kind:      campaign.ManifestBPS,
		Spec:      campaign.Mapping{"wms_service": "slurm", "extra_args": []any{"-x"}},
	}))

	r := NewResolver(st)
	stepCfg := campaign.Mapping{"pipeline": "step1.yaml"}
	groupCfg := campaign.Mapping{"predicate": "visit < 100"}
	cfg, err := r.NodeConfig(ctx, ns, stepCfg, groupCfg)
	require.NoError(t, err)

	assert.Equal(t, "slurm", cfg["wms_service"])
	assert.Equal(t, []any{"-v", "-x"}, cfg["extra_args"])
	assert.Equal(t, "step1.yaml", cfg["pipeline"])
	assert.Equal(t, "visit < 100", cfg["predicate"])
}

func TestResolverIncludes(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	lib := NewLibrary(st)
	ns := seedCampaign(t, st, "includes")

	require.NoError(t, lib.Create(ctx, &campaign.Manifest{
		Name:      "common",
		Namespace: campaign.RootNamespace,
		Kind:      campaign.ManifestOther,
		Spec:      campaign.Mapping{"memory": "4G", "cpus": float64(2)},
	}))

	r := NewResolver(st)

	t.Run("include merges beneath the including layer", func(t *testing.T) {
		cfg, err := r.NodeConfig(ctx, ns, campaign.Mapping{
			"includes": []any{"common"},
			"memory":   "16G",
		})
		require.NoError(t, err)
		assert.Equal(t, "16G", cfg["memory"])
		assert.Equal(t, float64(2), cfg["cpus"])
		assert.NotContains(t, cfg, "includes")
	})

	t.Run("unknown include", func(t *testing.T) {
		_, err := r.NodeConfig(ctx, ns, campaign.Mapping{"includes": []any{"nope"}})
		require.Error(t, err)
		assert.Equal(t, campaign.ErrUnknownManifest, campaign.KindOf(err))
	})

	t.Run("depth cap", func(t *testing.T) {
		// a1 includes a2 includes ... a7: past five levels resolution stops.
		for i := 1; i <= 7; i++ {
			spec := campaign.Mapping{"level": float64(i)}
			if i < 7 {
				spec["includes"] = []any{nameFor(i + 1)}
			}
			require.NoError(t, lib.Create(ctx, &campaign.Manifest{
				Name:      nameFor(i),
				Namespace: ns,
				Kind:      campaign.ManifestOther,
				Spec:      spec,
			}))
		}
		_, err := r.NodeConfig(ctx, ns, campaign.Mapping{"includes": []any{nameFor(1)}})
		require.Error(t, err)
		assert.Equal(t, campaign.ErrInvalidInput, campaign.KindOf(err))
	})

	t.Run("cycles terminate", func(t *testing.T) {
		require.NoError(t, lib.Create(ctx, &campaign.Manifest{
			Name:      "loop-a",
			Namespace: ns,
			Kind:      campaign.ManifestOther,
			Spec:      campaign.Mapping{"includes": []any{"loop-b"}, "a": true},
		}))
		require.NoError(t, lib.Create(ctx, &campaign.Manifest{
			Name:      "loop-b",
			Namespace: ns,
			Kind:      campaign.ManifestOther,
			Spec:      campaign.Mapping{"includes": []any{"loop-a"}, "b": true},
		}))
		cfg, err := r.NodeConfig(ctx, ns, campaign.Mapping{"includes": []any{"loop-a"}})
		require.NoError(t, err)
		assert.Equal(t, true, cfg["a"])
		assert.Equal(t, true, cfg["b"])
	})
}

func nameFor(i int) string { return "chain-" + string(rune('a'+i)) }
