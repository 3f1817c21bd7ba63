package fsm

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaignd/campaign"
	"campaignd/campaign/graph"
	"campaignd/campaign/store"
)

// metadata key holding the status a paused campaign resumes to.
const priorStatusKey = "prior_status"

// CampaignMachine drives the campaign-level lifecycle: creation with the
// sentinel spine, the validate-gated move to running, pause/resume and the
// promotion to accepted once END lands.
type CampaignMachine struct {
	st  store.Store
	log *zap.Logger
}

func NewCampaignMachine(st store.Store, log *zap.Logger) *CampaignMachine {
	return &CampaignMachine{st: st, log: log}
}

// Create inserts a campaign with its START and END sentinels and the
// START -> END edge, so even an empty campaign carries a valid graph. The
// campaign lands in ready; an operator (or the API) moves it to running.
func (cm *CampaignMachine) Create(ctx context.Context, parent uuid.UUID, name, owner string, meta, spec campaign.Mapping) (*campaign.Campaign, error) {
	if name == "" {
		return nil, campaign.Errorf(campaign.ErrInvalidInput, "campaign name must not be empty")
	}
	if parent == uuid.Nil {
		parent = campaign.RootNamespace
	}
	c := &campaign.Campaign{
		ID:        campaign.CampaignID(parent, name),
		Name:      name,
		Namespace: parent,
		Owner:     owner,
		Status:    campaign.StatusReady,
		Metadata:  meta,
		Spec:      spec,
		CreatedAt: time.Now().UTC(),
	}
	err := cm.st.WithTx(ctx, func(q store.Querier) error {
		if err := q.InsertCampaign(ctx, c); err != nil {
			return err
		}
		start := &campaign.Node{
			ID:        campaign.NodeID(c.ID, campaign.StartNodeName, 1),
			Namespace: c.ID,
			Name:      campaign.StartNodeName,
			Version:   1,
			Kind:      campaign.KindStart,
			Status:    campaign.StatusWaiting,
		}
		end := &campaign.Node{
			ID:        campaign.NodeID(c.ID, campaign.EndNodeName, 1),
			Namespace: c.ID,
			Name:      campaign.EndNodeName,
			Version:   1,
			Kind:      campaign.KindEnd,
			Status:    campaign.StatusWaiting,
		}
		if err := q.InsertNode(ctx, start); err != nil {
			return err
		}
		if err := q.InsertNode(ctx, end); err != nil {
			return err
		}
		if err := q.InsertEdge(ctx, &campaign.Edge{
			ID:        campaign.EdgeID(c.ID, start.ID, end.ID),
			Name:      start.Name + "-" + end.Name,
			Namespace: c.ID,
			Source:    start.ID,
			Target:    end.ID,
		}); err != nil {
			return err
		}
		return q.AppendActivity(ctx, &campaign.Activity{
			Namespace:  c.ID,
			Operator:   owner,
			CreatedAt:  time.Now().UTC(),
			FromStatus: campaign.StatusWaiting,
			ToStatus:   campaign.StatusReady,
			Detail:     campaign.Mapping{campaign.DetailTrigger: "create"},
		})
	})
	if err != nil {
		return nil, err
	}
	cm.log.Info("campaign created",
		zap.String("campaign", c.Name), zap.String("id", c.ID.String()))
	return c, nil
}

// SetStatus moves the campaign to the requested status. Moving to running
// is gated on graph validity: a refusal leaves the status untouched,
// appends an activity row carrying the violation and returns the
// invalid_campaign_graph error. Pausing records the current status so
// Resume can restore it.
func (cm *CampaignMachine) SetStatus(ctx context.Context, id uuid.UUID, to campaign.Status, operator string) error {
	if !to.Valid() {
		return campaign.Errorf(campaign.ErrInvalidInput, "unknown status %q", to)
	}
	var refused error
	err := cm.st.WithTx(ctx, func(q store.Querier) error {
		c, err := q.GetCampaignForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if c.Status == to {
			return nil
		}
		if c.Status.Terminal() {
			return campaign.Errorf(campaign.ErrNotProcessable,
				"campaign %s is already terminal (%s)", c.Name, c.Status)
		}
		if to == campaign.StatusRunning {
			g, err := graph.Load(ctx, q, c.ID)
			if err != nil {
				return err
			}
			if err := g.Validate(); err != nil {
				cm.log.Warn("campaign failed validation",
					zap.String("campaign", c.Name), zap.Error(err))
				// Returning nil commits the refusal row; the violation
				// reaches the caller through refused.
				refused = err
				return q.AppendActivity(ctx, &campaign.Activity{
					Namespace:  c.ID,
					Operator:   operator,
					CreatedAt:  time.Now().UTC(),
					FromStatus: c.Status,
					ToStatus:   c.Status,
					Detail: campaign.Mapping{
						campaign.DetailTrigger:   "start",
						campaign.DetailException: string(campaign.KindOf(err)),
						campaign.DetailError:     err.Error(),
					},
				})
			}
		}
		from := c.Status
		if to == campaign.StatusPaused {
			if c.Metadata == nil {
				c.Metadata = campaign.Mapping{}
			}
			c.Metadata[priorStatusKey] = string(from)
		} else if from == campaign.StatusPaused {
			delete(c.Metadata, priorStatusKey)
		}
		c.Status = to
		if err := q.UpdateCampaign(ctx, c); err != nil {
			return err
		}
		return q.AppendActivity(ctx, &campaign.Activity{
			Namespace:  c.ID,
			Operator:   operator,
			CreatedAt:  time.Now().UTC(),
			FromStatus: from,
			ToStatus:   to,
			Detail:     campaign.Mapping{campaign.DetailTrigger: "set_status"},
		})
	})
	if err != nil {
		return err
	}
	return refused
}

// Resume returns a paused campaign to the status it paused from.
func (cm *CampaignMachine) Resume(ctx context.Context, id uuid.UUID, operator string) error {
	return cm.st.WithTx(ctx, func(q store.Querier) error {
		c, err := q.GetCampaignForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != campaign.StatusPaused {
			return campaign.Errorf(campaign.ErrNotProcessable,
				"campaign %s is %s, not paused", c.Name, c.Status)
		}
		to := campaign.StatusReady
		if prior, ok := c.Metadata[priorStatusKey].(string); ok && campaign.Status(prior).Valid() {
			to = campaign.Status(prior)
		}
		from := c.Status
		delete(c.Metadata, priorStatusKey)
		c.Status = to
		if err := q.UpdateCampaign(ctx, c); err != nil {
			return err
		}
		return q.AppendActivity(ctx, &campaign.Activity{
			Namespace:  c.ID,
			Operator:   operator,
			CreatedAt:  time.Now().UTC(),
			FromStatus: from,
			ToStatus:   to,
			Detail:     campaign.Mapping{campaign.DetailTrigger: string(TriggerResume)},
		})
	})
}

// Promote moves a running campaign to accepted once its END node is
// terminal-successful. Reports whether a promotion happened.
func (cm *CampaignMachine) Promote(ctx context.Context, id uuid.UUID) (bool, error) {
	promoted := false
	err := cm.st.WithTx(ctx, func(q store.Querier) error {
		c, err := q.GetCampaignForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if c.Status != campaign.StatusRunning {
			return nil
		}
		end, err := q.GetNodeByName(ctx, c.ID, campaign.EndNodeName, 0)
		if err != nil {
			return err
		}
		if !end.Status.TerminalSuccess() {
			return nil
		}
		from := c.Status
		c.Status = campaign.StatusAccepted
		if err := q.UpdateCampaign(ctx, c); err != nil {
			return err
		}
		promoted = true
		return q.AppendActivity(ctx, &campaign.Activity{
			Namespace:  c.ID,
			CreatedAt:  time.Now().UTC(),
			FromStatus: from,
			ToStatus:   campaign.StatusAccepted,
			Detail:     campaign.Mapping{campaign.DetailTrigger: string(TriggerFinish)},
		})
	})
	if err != nil {
		return false, err
	}
	if promoted {
		cm.log.Info("campaign accepted", zap.String("id", id.String()))
	}
	return promoted, nil
}
