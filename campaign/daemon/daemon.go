// Package daemon runs the scheduler: it scans running campaigns for
// processable nodes, enqueues one task per node, and drives claimed tasks
// through the FSM with a bounded worker pool. Any number of daemons may
// share one database; the task queue's claim semantics keep them from
// processing the same node twice.
package daemon

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"campaignd/campaign"
	"campaignd/campaign/fsm"
	"campaignd/campaign/graph"
	"campaignd/campaign/store"
)

// Config tunes the scheduler.
type Config struct {
	// Workers bounds concurrent node transitions. Default 4.
	Workers int
	// Tick is the scan interval. Default 5s.
	Tick time.Duration
	// ClaimLimit caps tasks claimed per tick. Default 2*Workers.
	ClaimLimit int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = 2 * c.Workers
	}
	return c
}

// Daemon is the scheduler instance.
type Daemon struct {
	st      store.Store
	log     *zap.Logger
	machine *fsm.Machine
	cm      *fsm.CampaignMachine
	cfg     Config
	met     *metrics

	lastTick atomic.Int64
}

func New(st store.Store, log *zap.Logger, machine *fsm.Machine, cm *fsm.CampaignMachine,
	cfg Config, reg prometheus.Registerer) *Daemon {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Daemon{
		st:      st,
		log:     log,
		machine: machine,
		cm:      cm,
		cfg:     cfg.withDefaults(),
		met:     newMetrics(reg),
	}
}

// Run ticks until the context is cancelled. Tick errors are logged, not
// fatal: a transient database outage should not kill the scheduler.
func (d *Daemon) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()
	d.log.Info("daemon started",
		zap.Int("workers", d.cfg.Workers), zap.Duration("tick", d.cfg.Tick))
	for {
		select {
		case <-ctx.Done():
			d.log.Info("daemon stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.log.Error("tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one scheduler pass: consider campaigns, then consider nodes.
func (d *Daemon) Tick(ctx context.Context) error {
	d.met.ticks.Inc()
	defer d.lastTick.Store(time.Now().UnixNano())
	if err := d.considerCampaigns(ctx); err != nil {
		return err
	}
	return d.considerNodes(ctx)
}

// LastTick reports when the last scheduler pass completed, or the zero
// time before the first pass.
func (d *Daemon) LastTick() time.Time {
	n := d.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// considerCampaigns scans running campaigns, enqueues a task for every
// processable node and promotes campaigns whose END node has landed.
func (d *Daemon) considerCampaigns(ctx context.Context) error {
	campaigns, err := d.st.ListCampaignsByStatus(ctx, campaign.StatusRunning)
	if err != nil {
		return err
	}
	for i := range campaigns {
		c := &campaigns[i]
		g, err := graph.Load(ctx, d.st, c.ID)
		if err != nil {
			// An operator mid-edit can leave a half-built graph; skip the
			// campaign this tick rather than stalling the rest.
			d.log.Warn("skipping campaign with unloadable graph",
				zap.String("campaign", c.Name), zap.Error(err))
			continue
		}
		for _, n := range g.Processable() {
			if err := d.enqueue(ctx, c, n); err != nil {
				return err
			}
		}
		promoted, err := d.cm.Promote(ctx, c.ID)
		if err != nil {
			return err
		}
		if promoted {
			d.met.promotions.Inc()
		}
		open, err := d.st.OpenTaskCount(ctx, c.ID)
		if err != nil {
			return err
		}
		d.met.openTasks.Set(float64(open))
	}
	return nil
}

// enqueue writes one open task for the node. The queue holds at most one
// open task per node, so re-considering an already-queued node is a no-op.
func (d *Daemon) enqueue(ctx context.Context, c *campaign.Campaign, n *campaign.Node) error {
	t := &campaign.Task{
		ID:             uuid.New(),
		Namespace:      c.ID,
		Node:           n.ID,
		CreatedAt:      time.Now().UTC(),
		Status:         n.Status,
		PreviousStatus: n.Status,
		Priority:       campaignPriority(c),
		SiteAffinity:   nodeSites(n),
	}
	written, err := d.st.EnqueueTask(ctx, t)
	if err != nil {
		return err
	}
	if written {
		d.met.enqueued.Inc()
		d.log.Debug("task enqueued",
			zap.String("campaign", c.Name), zap.String("node", n.Name))
	}
	return nil
}

// considerNodes claims a batch of tasks and runs their transitions on the
// worker pool.
func (d *Daemon) considerNodes(ctx context.Context) error {
	tasks, err := d.st.ClaimTasks(ctx, d.cfg.ClaimLimit)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	d.met.claimed.Add(float64(len(tasks)))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(d.cfg.Workers)
	for _, t := range tasks {
		eg.Go(func() error {
			d.runTask(ctx, t)
			return nil
		})
	}
	return eg.Wait()
}

// runTask drives one claimed task. The task row is deleted on success and
// kept (with finished_at set) on failure so failed transitions stay
// visible in the queue history.
func (d *Daemon) runTask(ctx context.Context, t campaign.Task) {
	err := d.machine.Process(ctx, t.Node, "daemon")
	switch {
	case err == nil:
		d.met.processed.WithLabelValues("ok").Inc()
	case campaign.IsKind(err, campaign.ErrNotProcessable),
		campaign.IsKind(err, campaign.ErrConflict):
		// Lost a race or the node moved on since enqueue; the task did its
		// job by getting us to look.
		d.met.processed.WithLabelValues("stale").Inc()
		err = nil
	default:
		d.met.processed.WithLabelValues("error").Inc()
		d.log.Error("task failed",
			zap.String("task", t.ID.String()),
			zap.String("node", t.Node.String()),
			zap.Error(err))
	}
	if finishErr := d.st.FinishTask(ctx, t.ID, err != nil); finishErr != nil {
		d.log.Error("finish task", zap.String("task", t.ID.String()), zap.Error(finishErr))
	}
}

func campaignPriority(c *campaign.Campaign) *int {
	raw, ok := c.Metadata["priority"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case float64:
		p := int(v)
		return &p
	case int:
		return &v
	}
	return nil
}

func nodeSites(n *campaign.Node) []string {
	raw, ok := n.Configuration["site_affinity"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
