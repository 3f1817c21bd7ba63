package fsm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campaignd/campaign"
	"campaignd/campaign/graph"
	"campaignd/campaign/launcher"
	"campaignd/campaign/store"
)

// fakeWMS scripts launcher behaviour per submitted job.
type fakeWMS struct {
	mu        sync.Mutex
	nextID    int
	submitted []string
	reports   map[string]launcher.Report
	submitErr error
}

func newFakeWMS() *fakeWMS {
	return &fakeWMS{reports: make(map[string]launcher.Report)}
}

func (f *fakeWMS) Submit(_ context.Context, script string, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	id := fmt.Sprintf("job-%d", f.nextID)
	f.submitted = append(f.submitted, script)
	// Jobs succeed immediately unless a test overrides the report.
	if _, ok := f.reports[id]; !ok {
		f.reports[id] = launcher.Report{Done: true, Success: true}
	}
	return id, nil
}

func (f *fakeWMS) Check(_ context.Context, id string) (launcher.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reports[id], nil
}

func (f *fakeWMS) Cancel(context.Context, string) error { return nil }

func (f *fakeWMS) setReport(id string, r launcher.Report) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports[id] = r
}

type fixture struct {
	st      store.Store
	machine *Machine
	cm      *CampaignMachine
	wms     *fakeWMS
	butler  *launcher.MemoryButler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	wms := newFakeWMS()
	butler := launcher.NewMemoryButler()
	log := zap.NewNop()
	m := NewMachine(st, log, butler,
		WithArtifactRoot(t.TempDir()),
		WithLauncherFactory(func(campaign.Mapping) (launcher.Launcher, error) { return wms, nil }))
	return &fixture{
		st:      st,
		machine: m,
		cm:      NewCampaignMachine(st, log),
		wms:     wms,
		butler:  butler,
	}
}

// addNode splices a node between START and the graph's current frontier
// using the operator mutation path.
func (f *fixture) addNode(t *testing.T, c *campaign.Campaign, at string, n *campaign.Node) {
	t.Helper()
	ctx := context.Background()
	anchor, err := f.st.GetNodeByName(ctx, c.ID, at, 0)
	require.NoError(t, err)
	require.NoError(t, graph.NewMutator(f.st).Insert(ctx, c.ID, anchor.ID, n))
}

func stepNode(c *campaign.Campaign, name string, kind campaign.NodeKind, cfg campaign.Mapping) *campaign.Node {
	return &campaign.Node{
		ID:            campaign.NodeID(c.ID, name, 1),
		Namespace:     c.ID,
		Name:          name,
		Version:       1,
		Kind:          kind,
		Status:        campaign.StatusWaiting,
		Configuration: cfg,
	}
}

// drive runs the nominal scheduler loop to quiescence: load the graph,
// process every processable node, repeat. Returns the number of process
// calls made.
func (f *fixture) drive(t *testing.T, c *campaign.Campaign) int {
	t.Helper()
	ctx := context.Background()
	calls := 0
	for range 100 {
		g, err := graph.Load(ctx, f.st, c.ID)
		require.NoError(t, err)
		nodes := g.Processable()
		if len(nodes) == 0 {
			return calls
		}
		progressed := false
		for _, n := range nodes {
			before, err := f.st.GetNode(ctx, n.ID)
			require.NoError(t, err)
			if err := f.machine.Process(ctx, n.ID, "daemon"); err != nil {
				require.Equal(t, campaign.ErrNotProcessable, campaign.KindOf(err))
				continue
			}
			calls++
			after, err := f.st.GetNode(ctx, n.ID)
			require.NoError(t, err)
			if after.Status != before.Status {
				progressed = true
			}
		}
		if !progressed {
			return calls
		}
	}
	t.Fatal("campaign did not quiesce")
	return calls
}

func TestCampaignCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.cm.Create(ctx, uuid.Nil, "c1", "alice", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusReady, c.Status)
	assert.Equal(t, campaign.CampaignID(campaign.RootNamespace, "c1"), c.ID)

	// The sentinel spine exists and validates.
	g, err := graph.Load(ctx, f.st, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
	assert.NoError(t, g.Validate())

	// Creating the same campaign again conflicts.
	_, err = f.cm.Create(ctx, uuid.Nil, "c1", "alice", nil, nil)
	assert.Equal(t, campaign.ErrConflict, campaign.KindOf(err))
}

func TestSimpleCampaignRunsToAccepted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.cm.Create(ctx, uuid.Nil, "simple", "alice", nil, nil)
	require.NoError(t, err)
	f.addNode(t, c, campaign.StartNodeName, stepNode(c, "s1", campaign.KindStep, nil))
	require.NoError(t, f.cm.SetStatus(ctx, c.ID, campaign.StatusRunning, "alice"))

	f.drive(t, c)

	for _, name := range []string{campaign.StartNodeName, "s1", campaign.EndNodeName} {
		n, err := f.st.GetNodeByName(ctx, c.ID, name, 0)
		require.NoError(t, err)
		assert.Equal(t, campaign.StatusAccepted, n.Status, name)
	}

	promoted, err := f.cm.Promote(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, promoted)

	// Three nodes, three transitions each, one activity row per
	// transition.
	rows, err := f.st.ListActivity(ctx, c.ID, nil, 0, 100)
	require.NoError(t, err)
	nodeRows := 0
	for _, a := range rows {
		if a.Node != nil {
			nodeRows++
		}
	}
	assert.Equal(t, 9, nodeRows)
}

func TestGroupedStepExpansion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.cm.Create(ctx, uuid.Nil, "grouped", "bob", nil, nil)
	require.NoError(t, err)
	cfg := campaign.Mapping{
		"command": "true",
		"groups": map[string]any{
			"split_by": "values",
			"field":    "band",
			"values":   []any{"g", "r", "i"},
		},
	}
	f.addNode(t, c, campaign.StartNodeName, stepNode(c, "step1", campaign.KindGroupedStep, cfg))
	require.NoError(t, f.cm.SetStatus(ctx, c.ID, campaign.StatusRunning, "bob"))

	f.drive(t, c)

	g, err := graph.Load(ctx, f.st, c.ID)
	require.NoError(t, err)
	// START, step1, 3 groups, collect, END.
	assert.Equal(t, 7, g.Len())

	for i := range 3 {
		n := g.NodeByName(campaign.GroupName("step1", i))
		require.NotNil(t, n)
		assert.Equal(t, campaign.KindStepGroup, n.Kind)
		assert.Equal(t, campaign.StatusAccepted, n.Status)
		assert.Contains(t, n.Configuration["predicate"], "band IN")
	}

	collect := g.NodeByName(campaign.CollectName("step1"))
	require.NotNil(t, collect)
	assert.Equal(t, campaign.StatusAccepted, collect.Status)

	// The collect node assembled the output chain from all three groups.
	children, err := f.butler.GetChain(ctx, outputChain(c.Name, collect.Name))
	require.NoError(t, err)
	assert.Len(t, children, 3)

	// One WMS submission per group.
	assert.Len(t, f.wms.submitted, 3)

	promoted, err := f.cm.Promote(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, promoted)
}

func TestExpansionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.cm.Create(ctx, uuid.Nil, "idem", "bob", nil, nil)
	require.NoError(t, err)
	cfg := campaign.Mapping{
		"groups": map[string]any{
			"split_by": "values",
			"field":    "band",
			"values":   []any{"g", "r"},
		},
	}
	f.addNode(t, c, campaign.StartNodeName, stepNode(c, "step1", campaign.KindGroupedStep, cfg))
	require.NoError(t, f.cm.SetStatus(ctx, c.ID, campaign.StatusRunning, "bob"))

	step, err := f.st.GetNodeByName(ctx, c.ID, "step1", 0)
	require.NoError(t, err)

	// START must clear first.
	start, err := f.st.GetNodeByName(ctx, c.ID, campaign.StartNodeName, 0)
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, f.machine.Process(ctx, start.ID, "daemon"))
	}

	require.NoError(t, f.machine.Process(ctx, step.ID, "daemon"))
	g1, err := graph.Load(ctx, f.st, c.ID)
	require.NoError(t, err)

	// Re-expanding via reset + prepare reproduces the same children.
	require.NoError(t, f.machine.Fire(ctx, step.ID, TriggerReset, "bob"))
	require.NoError(t, f.machine.Process(ctx, step.ID, "daemon"))
	g2, err := graph.Load(ctx, f.st, c.ID)
	require.NoError(t, err)
	assert.True(t, g1.Equal(g2))
}

func TestGroupFailureRecordsDetail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.cm.Create(ctx, uuid.Nil, "failing", "eve", nil, nil)
	require.NoError(t, err)
	f.addNode(t, c, campaign.StartNodeName,
		stepNode(c, "g1", campaign.KindGroup, campaign.Mapping{"command": "false"}))
	require.NoError(t, f.cm.SetStatus(ctx, c.ID, campaign.StatusRunning, "eve"))

	g1, err := f.st.GetNodeByName(ctx, c.ID, "g1", 0)
	require.NoError(t, err)

	// Clear START, then walk g1 to running.
	start, err := f.st.GetNodeByName(ctx, c.ID, campaign.StartNodeName, 0)
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, f.machine.Process(ctx, start.ID, "daemon"))
	}
	require.NoError(t, f.machine.Process(ctx, g1.ID, "daemon")) // prepare
	require.NoError(t, f.machine.Process(ctx, g1.ID, "daemon")) // start

	f.wms.setReport("job-1", launcher.Report{Done: true, Success: false, Reason: "exit code 1"})
	// The poll commits failed and returns nil: the failure is data, not an
	// error.
	require.NoError(t, f.machine.Process(ctx, g1.ID, "daemon"))

	n, err := f.st.GetNode(ctx, g1.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusFailed, n.Status)

	rows, err := f.st.ListActivity(ctx, c.ID, &g1.ID, 0, 100)
	require.NoError(t, err)
	last := rows[len(rows)-1]
	assert.Equal(t, campaign.StatusFailed, last.ToStatus)
	assert.Equal(t, "finish", last.Detail[campaign.DetailTrigger])
	assert.Contains(t, last.Detail[campaign.DetailError], "exit code 1")
}

func TestStillRunningPollWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.cm.Create(ctx, uuid.Nil, "polling", "eve", nil, nil)
	require.NoError(t, err)
	f.addNode(t, c, campaign.StartNodeName,
		stepNode(c, "g1", campaign.KindGroup, campaign.Mapping{"command": "sleep 60"}))
	require.NoError(t, f.cm.SetStatus(ctx, c.ID, campaign.StatusRunning, "eve"))

	start, err := f.st.GetNodeByName(ctx, c.ID, campaign.StartNodeName, 0)
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, f.machine.Process(ctx, start.ID, "daemon"))
	}
	g1, err := f.st.GetNodeByName(ctx, c.ID, "g1", 0)
	require.NoError(t, err)
	require.NoError(t, f.machine.Process(ctx, g1.ID, "daemon")) // prepare
	require.NoError(t, f.machine.Process(ctx, g1.ID, "daemon")) // start
	f.wms.setReport("job-1", launcher.Report{})                 // still running

	rows, err := f.st.ListActivity(ctx, c.ID, &g1.ID, 0, 100)
	require.NoError(t, err)
	before := len(rows)

	for range 5 {
		require.NoError(t, f.machine.Process(ctx, g1.ID, "daemon"))
	}

	rows, err = f.st.ListActivity(ctx, c.ID, &g1.ID, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, before, len(rows))

	n, err := f.st.GetNode(ctx, g1.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusRunning, n.Status)
}

func TestBreakpointHoldsForOperator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.cm.Create(ctx, uuid.Nil, "held", "ops", nil, nil)
	require.NoError(t, err)
	f.addNode(t, c, campaign.StartNodeName, stepNode(c, "bp", campaign.KindBreakpoint, nil))
	require.NoError(t, f.cm.SetStatus(ctx, c.ID, campaign.StatusRunning, "ops"))

	f.drive(t, c)

	bp, err := f.st.GetNodeByName(ctx, c.ID, "bp", 0)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusRunning, bp.Status)

	end, err := f.st.GetNodeByName(ctx, c.ID, campaign.EndNodeName, 0)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusWaiting, end.Status)

	// Operator acceptance releases the hold.
	require.NoError(t, f.machine.Fire(ctx, bp.ID, TriggerAccept, "ops"))
	f.drive(t, c)

	end, err = f.st.GetNodeByName(ctx, c.ID, campaign.EndNodeName, 0)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusAccepted, end.Status)
}

func TestOperatorTriggers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.cm.Create(ctx, uuid.Nil, "ops", "ops", nil, nil)
	require.NoError(t, err)
	f.addNode(t, c, campaign.StartNodeName, stepNode(c, "s1", campaign.KindStep, nil))
	require.NoError(t, f.cm.SetStatus(ctx, c.ID, campaign.StatusRunning, "ops"))

	s1, err := f.st.GetNodeByName(ctx, c.ID, "s1", 0)
	require.NoError(t, err)

	t.Run("pause and resume restore the prior status", func(t *testing.T) {
		require.NoError(t, f.machine.Fire(ctx, s1.ID, TriggerPause, "ops"))
		n, _ := f.st.GetNode(ctx, s1.ID)
		assert.Equal(t, campaign.StatusPaused, n.Status)

		require.NoError(t, f.machine.Fire(ctx, s1.ID, TriggerResume, "ops"))
		n, _ = f.st.GetNode(ctx, s1.ID)
		assert.Equal(t, campaign.StatusWaiting, n.Status)
	})

	t.Run("resume of a non-paused node is refused", func(t *testing.T) {
		err := f.machine.Fire(ctx, s1.ID, TriggerResume, "ops")
		assert.Equal(t, campaign.ErrNotProcessable, campaign.KindOf(err))
	})

	t.Run("reject then rescue path", func(t *testing.T) {
		require.NoError(t, f.machine.Fire(ctx, s1.ID, TriggerReject, "ops"))
		n, _ := f.st.GetNode(ctx, s1.ID)
		assert.Equal(t, campaign.StatusRejected, n.Status)

		// A terminal node refuses further operator triggers.
		err := f.machine.Fire(ctx, s1.ID, TriggerAccept, "ops")
		assert.Equal(t, campaign.ErrNotProcessable, campaign.KindOf(err))

		// Reset brings it back.
		require.NoError(t, f.machine.Fire(ctx, s1.ID, TriggerReset, "ops"))
		n, _ = f.st.GetNode(ctx, s1.ID)
		assert.Equal(t, campaign.StatusWaiting, n.Status)
	})

	t.Run("restart applies only to groups", func(t *testing.T) {
		err := f.machine.Fire(ctx, s1.ID, TriggerRestart, "ops")
		assert.Equal(t, campaign.ErrNotProcessable, campaign.KindOf(err))
	})
}

// failedGroup walks a single-group campaign to a failed WMS poll and
// returns the campaign and the group node.
func (f *fixture) failedGroup(t *testing.T, name string) (*campaign.Campaign, *campaign.Node) {
	t.Helper()
	ctx := context.Background()
	c, err := f.cm.Create(ctx, uuid.Nil, name, "ops", nil, nil)
	require.NoError(t, err)
	f.addNode(t, c, campaign.StartNodeName,
		stepNode(c, "g1", campaign.KindGroup, campaign.Mapping{"command": "false"}))
	require.NoError(t, f.cm.SetStatus(ctx, c.ID, campaign.StatusRunning, "ops"))

	start, err := f.st.GetNodeByName(ctx, c.ID, campaign.StartNodeName, 0)
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, f.machine.Process(ctx, start.ID, "daemon"))
	}
	g1, err := f.st.GetNodeByName(ctx, c.ID, "g1", 0)
	require.NoError(t, err)
	require.NoError(t, f.machine.Process(ctx, g1.ID, "daemon")) // prepare
	n, err := f.st.GetNode(ctx, g1.ID)
	require.NoError(t, err)
	require.Equal(t, campaign.StatusReady, n.Status)
	require.NoError(t, f.machine.Process(ctx, g1.ID, "daemon")) // start
	f.wms.setReport("job-1", launcher.Report{Done: true, Success: false, Reason: "exit code 1"})
	require.NoError(t, f.machine.Process(ctx, g1.ID, "daemon")) // poll commits failed
	n, err = f.st.GetNode(ctx, g1.ID)
	require.NoError(t, err)
	require.Equal(t, campaign.StatusFailed, n.Status)
	return c, n
}

func TestRetryRollsForward(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, g1 := f.failedGroup(t, "retrying")

	require.NoError(t, f.machine.Fire(ctx, g1.ID, TriggerRetry, "ops"))
	n, err := f.st.GetNode(ctx, g1.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusReady, n.Status)

	// The workspace from the failed attempt survives the retry.
	snap, err := loadSnapshot(ctx, f.st, g1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Retries)
	require.NotEmpty(t, snap.Workspace)
	_, err = os.Stat(launchScript(snap.Workspace))
	assert.NoError(t, err)

	// From ready the node resubmits straight away, skipping prepare.
	require.NoError(t, f.machine.Process(ctx, g1.ID, "daemon")) // start
	require.NoError(t, f.machine.Process(ctx, g1.ID, "daemon")) // poll
	n, err = f.st.GetNode(ctx, g1.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusAccepted, n.Status)
}

func TestRestartNeedsQuantumGraph(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, g1 := f.failedGroup(t, "restarting")

	// The failed attempt left no quantum graph behind: refused.
	err := f.machine.Fire(ctx, g1.ID, TriggerRestart, "ops")
	assert.Equal(t, campaign.ErrNotProcessable, campaign.KindOf(err))

	snap, err := loadSnapshot(ctx, f.st, g1.ID)
	require.NoError(t, err)
	require.NotEmpty(t, snap.Workspace)
	require.NoError(t, os.WriteFile(
		filepath.Join(snap.Workspace, quantumGraphFile), []byte("qg"), 0o644))

	require.NoError(t, f.machine.Fire(ctx, g1.ID, TriggerRestart, "ops"))
	n, err := f.st.GetNode(ctx, g1.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusReady, n.Status)

	snap, err = loadSnapshot(ctx, f.st, g1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Restarts)

	// The launch script now resumes the prior run.
	script, err := os.ReadFile(launchScript(snap.Workspace))
	require.NoError(t, err)
	assert.Contains(t, string(script), "bps restart --id job-1")

	// The restart variant runs to completion like any other submission.
	require.NoError(t, f.machine.Process(ctx, g1.ID, "daemon")) // start
	require.NoError(t, f.machine.Process(ctx, g1.ID, "daemon")) // poll
	n, err = f.st.GetNode(ctx, g1.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusAccepted, n.Status)
}

func TestMachinePointerTracksSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, err := f.cm.Create(ctx, uuid.Nil, "pointer", "ops", nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.cm.SetStatus(ctx, c.ID, campaign.StatusRunning, "ops"))

	start, err := f.st.GetNodeByName(ctx, c.ID, campaign.StartNodeName, 0)
	require.NoError(t, err)

	// A pass-through prepare persists no snapshot, so the node references
	// no machine row.
	require.NoError(t, f.machine.Process(ctx, start.ID, "daemon"))
	n, err := f.st.GetNode(ctx, start.ID)
	require.NoError(t, err)
	assert.Nil(t, n.MachineID)

	// Pausing writes a snapshot, and with it the machine pointer.
	require.NoError(t, f.machine.Fire(ctx, start.ID, TriggerPause, "ops"))
	n, err = f.st.GetNode(ctx, start.ID)
	require.NoError(t, err)
	require.NotNil(t, n.MachineID)
	assert.Equal(t, n.ID, *n.MachineID)
}

func TestConcurrentProcessSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.cm.Create(ctx, uuid.Nil, "race", "ops", nil, nil)
	require.NoError(t, err)
	f.addNode(t, c, campaign.StartNodeName, stepNode(c, "s1", campaign.KindStep, nil))
	require.NoError(t, f.cm.SetStatus(ctx, c.ID, campaign.StatusRunning, "ops"))

	start, err := f.st.GetNodeByName(ctx, c.ID, campaign.StartNodeName, 0)
	require.NoError(t, err)

	// Two workers race the same transition; the optimistic status re-check
	// lets exactly one commit.
	const workers = 2
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.machine.Fire(ctx, start.ID, TriggerPrepare, "daemon")
		}()
	}
	wg.Wait()
	close(errs)

	wins, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case campaign.IsKind(err, campaign.ErrConflict),
			campaign.IsKind(err, campaign.ErrNotProcessable):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, conflicts)

	// Exactly one activity row for the transition.
	rows, err := f.st.ListActivity(ctx, c.ID, &start.ID, 0, 100)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	n, err := f.st.GetNode(ctx, start.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusReady, n.Status)
}

func TestCampaignValidationGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.cm.Create(ctx, uuid.Nil, "gate", "ops", nil, nil)
	require.NoError(t, err)

	// Break the graph: drop the START -> END edge.
	start, err := f.st.GetNodeByName(ctx, c.ID, campaign.StartNodeName, 0)
	require.NoError(t, err)
	end, err := f.st.GetNodeByName(ctx, c.ID, campaign.EndNodeName, 0)
	require.NoError(t, err)
	require.NoError(t, f.st.DeleteEdge(ctx, campaign.EdgeID(c.ID, start.ID, end.ID)))

	err = f.cm.SetStatus(ctx, c.ID, campaign.StatusRunning, "ops")
	require.Error(t, err)
	assert.Equal(t, campaign.ErrInvalidCampaignGraph, campaign.KindOf(err))

	// Status untouched, refusal audited.
	got, err := f.st.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusReady, got.Status)

	rows, err := f.st.ListActivity(ctx, c.ID, nil, 0, 100)
	require.NoError(t, err)
	last := rows[len(rows)-1]
	assert.Equal(t, last.FromStatus, last.ToStatus)
	assert.NotEmpty(t, last.Detail[campaign.DetailError])
}

func TestUnprepare(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c, err := f.cm.Create(ctx, uuid.Nil, "unprep", "ops", nil, nil)
	require.NoError(t, err)
	cfg := campaign.Mapping{
		"groups": map[string]any{
			"split_by": "values",
			"field":    "band",
			"values":   []any{"g", "r"},
		},
	}
	f.addNode(t, c, campaign.StartNodeName, stepNode(c, "step1", campaign.KindGroupedStep, cfg))
	require.NoError(t, f.cm.SetStatus(ctx, c.ID, campaign.StatusRunning, "ops"))

	start, err := f.st.GetNodeByName(ctx, c.ID, campaign.StartNodeName, 0)
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, f.machine.Process(ctx, start.ID, "daemon"))
	}
	step, err := f.st.GetNodeByName(ctx, c.ID, "step1", 0)
	require.NoError(t, err)
	require.NoError(t, f.machine.Process(ctx, step.ID, "daemon")) // expand

	g, err := graph.Load(ctx, f.st, c.ID)
	require.NoError(t, err)
	require.Equal(t, 6, g.Len())

	require.NoError(t, f.machine.Fire(ctx, step.ID, TriggerUnprepare, "ops"))

	g, err = graph.Load(ctx, f.st, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, g.Len())
	require.NoError(t, g.Validate())

	n, err := f.st.GetNode(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign.StatusWaiting, n.Status)
}
