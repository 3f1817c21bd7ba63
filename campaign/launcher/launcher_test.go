package launcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignd/campaign"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func waitDone(t *testing.T, l Launcher, id string) Report {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r, err := l.Check(context.Background(), id)
		require.NoError(t, err)
		if r.Done {
			return r
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
	return Report{}
}

func TestShellSubmitSuccess(t *testing.T) {
	ctx := context.Background()
	sh := &Shell{}
	script := writeScript(t, "#!/bin/sh\necho ok\nexit 0\n")

	id, err := sh.Submit(ctx, script, map[string]string{"CM_TEST": "1"})
	require.NoError(t, err)

	r := waitDone(t, sh, id)
	assert.True(t, r.Success)
	assert.Empty(t, r.Reason)
}

func TestShellSubmitFailure(t *testing.T) {
	ctx := context.Background()
	sh := &Shell{}
	script := writeScript(t, "#!/bin/sh\nexit 3\n")

	id, err := sh.Submit(ctx, script, nil)
	require.NoError(t, err)

	r := waitDone(t, sh, id)
	assert.False(t, r.Success)
	assert.Equal(t, "exit code 3", r.Reason)
}

func TestShellSubmitMissingScript(t *testing.T) {
	_, err := (&Shell{}).Submit(context.Background(), "/no/such/script.sh", nil)
	require.Error(t, err)
	assert.Equal(t, campaign.ErrLauncherSubmit, campaign.KindOf(err))
}

// fakeRun scripts CLI responses keyed by command name.
func fakeRun(responses map[string]string, errs map[string]error) runCommand {
	return func(_ context.Context, _ map[string]string, name string, _ ...string) (string, error) {
		if err := errs[name]; err != nil {
			return "", err
		}
		return responses[name], nil
	}
}

func TestHTCondor(t *testing.T) {
	ctx := context.Background()

	t.Run("submit parses cluster id", func(t *testing.T) {
		h := &HTCondor{run: fakeRun(map[string]string{"condor_submit": "123.0 - 123.0"}, nil)}
		id, err := h.Submit(ctx, "job.sub", nil)
		require.NoError(t, err)
		assert.Equal(t, "123.0", id)
	})

	t.Run("queued job is running", func(t *testing.T) {
		h := &HTCondor{run: fakeRun(map[string]string{"condor_q": condorRunning}, nil)}
		r, err := h.Check(ctx, "123.0")
		require.NoError(t, err)
		assert.False(t, r.Done)
	})

	t.Run("completed job consults history", func(t *testing.T) {
		h := &HTCondor{run: fakeRun(map[string]string{
			"condor_q":       "",
			"condor_history": condorCompleted + " 0",
		}, nil)}
		r, err := h.Check(ctx, "123.0")
		require.NoError(t, err)
		assert.True(t, r.Done)
		assert.True(t, r.Success)
	})

	t.Run("failed job carries the exit code", func(t *testing.T) {
		h := &HTCondor{run: fakeRun(map[string]string{
			"condor_q":       "",
			"condor_history": condorCompleted + " 2",
		}, nil)}
		r, err := h.Check(ctx, "123.0")
		require.NoError(t, err)
		assert.True(t, r.Done)
		assert.False(t, r.Success)
		assert.Equal(t, "exit code 2", r.Reason)
	})

	t.Run("submit failure kind", func(t *testing.T) {
		h := &HTCondor{run: fakeRun(nil, map[string]error{"condor_submit": assert.AnError})}
		_, err := h.Submit(ctx, "job.sub", nil)
		assert.Equal(t, campaign.ErrLauncherSubmit, campaign.KindOf(err))
	})
}

func TestSlurm(t *testing.T) {
	ctx := context.Background()

	t.Run("submit parses job id", func(t *testing.T) {
		s := &Slurm{run: fakeRun(map[string]string{"sbatch": "4242;cluster"}, nil)}
		id, err := s.Submit(ctx, "job.sh", nil)
		require.NoError(t, err)
		assert.Equal(t, "4242", id)
	})

	t.Run("running", func(t *testing.T) {
		s := &Slurm{run: fakeRun(map[string]string{"sacct": "RUNNING|0:0"}, nil)}
		r, err := s.Check(ctx, "4242")
		require.NoError(t, err)
		assert.False(t, r.Done)
	})

	t.Run("not yet in accounting is still queued", func(t *testing.T) {
		s := &Slurm{run: fakeRun(map[string]string{"sacct": ""}, nil)}
		r, err := s.Check(ctx, "4242")
		require.NoError(t, err)
		assert.False(t, r.Done)
	})

	t.Run("completed", func(t *testing.T) {
		s := &Slurm{run: fakeRun(map[string]string{"sacct": "COMPLETED|0:0"}, nil)}
		r, err := s.Check(ctx, "4242")
		require.NoError(t, err)
		assert.True(t, r.Done)
		assert.True(t, r.Success)
	})

	t.Run("cancelled by operator", func(t *testing.T) {
		s := &Slurm{run: fakeRun(map[string]string{"sacct": "CANCELLED by 1000|0:0"}, nil)}
		r, err := s.Check(ctx, "4242")
		require.NoError(t, err)
		assert.True(t, r.Done)
		assert.False(t, r.Success)
	})
}

func TestMemoryButlerChains(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryButler()

	require.NoError(t, b.CreateChain(ctx, "out/chain"))
	err := b.CreateChain(ctx, "out/chain")
	assert.Equal(t, campaign.ErrConflict, campaign.KindOf(err))

	require.NoError(t, b.ExtendChain(ctx, "out/chain", []string{"g1", "g2"}))
	// Extending with a duplicate keeps the chain deduplicated.
	require.NoError(t, b.ExtendChain(ctx, "out/chain", []string{"g2", "g3"}))

	children, err := b.GetChain(ctx, "out/chain")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2", "g3"}, children)

	_, err = b.GetChain(ctx, "missing")
	assert.Equal(t, campaign.ErrNotFound, campaign.KindOf(err))
}

func TestHTTPButler(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/query/values":
			w.Write([]byte(`{"values": [1, 2, 3]}`))
		case "/collections/chain/get":
			w.Write([]byte(`{"children": ["a"]}`))
		case "/collections/chain":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := NewHTTPButler(srv.URL)

	values, err := b.QueryValues(ctx, "instrument = 'LSSTCam'", "exposure")
	require.NoError(t, err)
	assert.Len(t, values, 3)

	children, err := b.GetChain(ctx, "chain")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, children)

	require.NoError(t, b.CreateChain(ctx, "chain"))

	err = b.ExtendChain(ctx, "chain", []string{"a"})
	assert.Equal(t, campaign.ErrNotFound, campaign.KindOf(err))
}

func TestFromConfig(t *testing.T) {
	l, err := FromConfig(campaign.Mapping{})
	require.NoError(t, err)
	assert.IsType(t, &Shell{}, l)

	l, err = FromConfig(campaign.Mapping{"wms_service": "htcondor"})
	require.NoError(t, err)
	assert.IsType(t, &HTCondor{}, l)

	l, err = FromConfig(campaign.Mapping{"wms_service": "slurm"})
	require.NoError(t, err)
	assert.IsType(t, &Slurm{}, l)

	_, err = FromConfig(campaign.Mapping{"wms_service": "panda"})
	assert.Equal(t, campaign.ErrInvalidInput, campaign.KindOf(err))
}
