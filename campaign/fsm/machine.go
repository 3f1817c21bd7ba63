package fsm

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"campaignd/campaign"
	"campaignd/campaign/launcher"
	"campaignd/campaign/manifest"
	"campaignd/campaign/store"
)

// Machine executes node transitions. One Machine serves all nodes; it
// holds no per-node state, so concurrent Process calls are safe and the
// optimistic status re-check arbitrates workers racing for the same node.
type Machine struct {
	st           store.Store
	log          *zap.Logger
	resolver     *manifest.Resolver
	butler       launcher.Butler
	launcherFor  func(cfg campaign.Mapping) (launcher.Launcher, error)
	artifactRoot string
	wmsTimeout   time.Duration
	tracer       trace.Tracer
}

// Option configures a Machine.
type Option func(*Machine)

// WithLauncherFactory replaces the config-driven launcher selection,
// mainly so tests can inject a fake WMS.
func WithLauncherFactory(fn func(cfg campaign.Mapping) (launcher.Launcher, error)) Option {
	return func(m *Machine) { m.launcherFor = fn }
}

// WithArtifactRoot sets the directory node workspaces are created under.
func WithArtifactRoot(dir string) Option {
	return func(m *Machine) { m.artifactRoot = dir }
}

// WithWMSTimeout bounds each launcher Submit/Check call. Zero means no
// bound beyond the caller's context.
func WithWMSTimeout(d time.Duration) Option {
	return func(m *Machine) { m.wmsTimeout = d }
}

func NewMachine(st store.Store, log *zap.Logger, butler launcher.Butler, opts ...Option) *Machine {
	m := &Machine{
		st:           st,
		log:          log,
		resolver:     manifest.NewResolver(st),
		butler:       butler,
		launcherFor:  launcher.FromConfig,
		artifactRoot: "artifacts",
		tracer:       otel.Tracer("campaignd/fsm"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// runEnv is everything a transition observed under the first lock.
type runEnv struct {
	node     campaign.Node
	camp     campaign.Campaign
	snap     Snapshot
	cfg      campaign.Mapping
	trigger  Trigger
	operator string
}

// outcome is what a handler wants committed.
type outcome struct {
	// status the node moves to. Ignored when noop is set.
	status campaign.Status
	// detail lands in the activity row alongside the trigger.
	detail campaign.Mapping
	// noop commits nothing: no status change, no activity row. Used by
	// finish polls that find the job still running.
	noop bool
	// snap, when non-nil, replaces the persisted snapshot.
	snap *Snapshot
	// commit runs inside the committing transaction, after the status
	// re-check. Step expansion applies its graph plan here.
	commit func(ctx context.Context, q store.Querier) error
}

// Process runs the nominal trigger for the node's current status.
func (m *Machine) Process(ctx context.Context, nodeID uuid.UUID, operator string) error {
	env, err := m.observe(ctx, nodeID, "", operator)
	if err != nil {
		return err
	}
	return m.run(ctx, env)
}

// Fire runs a specific trigger against the node, checking that the trigger
// is applicable to the observed status.
func (m *Machine) Fire(ctx context.Context, nodeID uuid.UUID, trigger Trigger, operator string) error {
	env, err := m.observe(ctx, nodeID, trigger, operator)
	if err != nil {
		return err
	}
	return m.run(ctx, env)
}

// observe loads the node, its campaign and snapshot under a short-lived
// row lock and decides the trigger. No locks are held on return.
func (m *Machine) observe(ctx context.Context, nodeID uuid.UUID, trigger Trigger, operator string) (*runEnv, error) {
	env := &runEnv{operator: operator}
	err := m.st.WithTx(ctx, func(q store.Querier) error {
		n, err := q.GetNodeForUpdate(ctx, nodeID)
		if err != nil {
			return err
		}
		c, err := q.GetCampaign(ctx, n.Namespace)
		if err != nil {
			return err
		}
		snap, err := loadSnapshot(ctx, q, nodeID)
		if err != nil {
			return err
		}
		env.node, env.camp, env.snap = *n, *c, snap
		return nil
	})
	if err != nil {
		return nil, err
	}

	if trigger == "" {
		nominal, ok := NominalTrigger(env.node.Status)
		if !ok {
			return nil, campaign.Errorf(campaign.ErrNotProcessable,
				"node %s is %s and has no nominal transition", env.node.Name, env.node.Status)
		}
		trigger = nominal
	}
	env.trigger = trigger

	if nominalTrigger(trigger) {
		if env.camp.Status != campaign.StatusRunning {
			return nil, campaign.Errorf(campaign.ErrNotProcessable,
				"campaign %s is %s, not running", env.camp.Name, env.camp.Status)
		}
		if got, ok := NominalTrigger(env.node.Status); !ok || got != trigger {
			return nil, campaign.Errorf(campaign.ErrNotProcessable,
				"trigger %s does not apply to node %s in status %s",
				trigger, env.node.Name, env.node.Status)
		}
	}

	// Resolve the configuration chain outside the lock; manifests are
	// immutable per version so a racing patch only shifts which version we
	// read.
	cfg, err := m.resolver.NodeConfig(ctx, env.node.Namespace, env.node.Configuration)
	if err != nil {
		return nil, err
	}
	env.cfg = cfg
	return env, nil
}

func nominalTrigger(t Trigger) bool {
	return t == TriggerPrepare || t == TriggerStart || t == TriggerFinish
}

// wmsCtx bounds a launcher call with the configured WMS timeout.
func (m *Machine) wmsCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.wmsTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.wmsTimeout)
}

// run executes the handler with no locks held and commits the outcome. A
// handler error is itself committed as a transition to failed, carrying
// the trigger and error in the activity detail; it is not returned to the
// caller.
func (m *Machine) run(ctx context.Context, env *runEnv) error {
	ctx, span := m.tracer.Start(ctx, "campman.transition",
		trace.WithAttributes(
			attribute.String("node", env.node.Name),
			attribute.String("kind", string(env.node.Kind)),
			attribute.String("trigger", string(env.trigger)),
			attribute.String("from", string(env.node.Status)),
		))
	defer span.End()

	out, err := m.handle(ctx, env)
	if err != nil && !nominalTrigger(env.trigger) {
		// Operator precondition failures go back to the caller instead of
		// failing the node.
		return err
	}
	if err != nil {
		m.log.Warn("transition action failed",
			zap.String("node", env.node.Name),
			zap.String("trigger", string(env.trigger)),
			zap.Error(err))
		out = outcome{
			status: campaign.StatusFailed,
			detail: campaign.Mapping{
				campaign.DetailTrigger:   string(env.trigger),
				campaign.DetailException: string(campaign.KindOf(err)),
				campaign.DetailError:     err.Error(),
			},
		}
	}
	if out.noop {
		return nil
	}
	span.SetAttributes(attribute.String("to", string(out.status)))
	return m.commit(ctx, env, out)
}

// commit re-locks the node, re-checks that the status is still what the
// action observed and writes the new status, the snapshot and the activity
// row atomically. A stale observation rolls back with a conflict.
func (m *Machine) commit(ctx context.Context, env *runEnv, out outcome) error {
	return m.st.WithTx(ctx, func(q store.Querier) error {
		n, err := q.GetNodeForUpdate(ctx, env.node.ID)
		if err != nil {
			return err
		}
		if n.Status != env.node.Status {
			return campaign.Errorf(campaign.ErrConflict,
				"node %s moved from %s to %s during the transition",
				n.Name, env.node.Status, n.Status)
		}
		if out.commit != nil {
			if err := out.commit(ctx, q); err != nil {
				return err
			}
		}
		n.Status = out.status
		if out.snap != nil {
			machineID := n.ID
			n.MachineID = &machineID
		}
		if err := q.UpdateNode(ctx, n); err != nil {
			return err
		}
		if out.snap != nil {
			if err := saveSnapshot(ctx, q, n.ID, *out.snap); err != nil {
				return err
			}
		}
		detail := out.detail
		if detail == nil {
			detail = campaign.Mapping{campaign.DetailTrigger: string(env.trigger)}
		} else if _, ok := detail[campaign.DetailTrigger]; !ok {
			detail[campaign.DetailTrigger] = string(env.trigger)
		}
		nodeID := n.ID
		return q.AppendActivity(ctx, &campaign.Activity{
			Namespace:  n.Namespace,
			Node:       &nodeID,
			Operator:   env.operator,
			CreatedAt:  time.Now().UTC(),
			FromStatus: env.node.Status,
			ToStatus:   out.status,
			Detail:     detail,
		})
	})
}
