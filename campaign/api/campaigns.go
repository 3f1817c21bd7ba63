package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"reflect"
	"strconv"

	"github.com/google/uuid"

	"campaignd/campaign"
	"campaignd/campaign/graph"
	"campaignd/campaign/manifest"
	"campaignd/campaign/store"
)

type createCampaignRequest struct {
	Name     string           `json:"name"`
	Owner    string           `json:"owner"`
	Metadata campaign.Mapping `json:"metadata"`
	Spec     campaign.Mapping `json:"spec"`
}

func (s *Server) createCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := decodeBody(r, &req); err != nil {
		s.renderError(w, r, err)
		return
	}
	c, err := s.cm.Create(r.Context(), uuid.Nil, req.Name, req.Owner, req.Metadata, req.Spec)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, c)
}

func (s *Server) listCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.st.ListCampaigns(r.Context())
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, campaigns)
}

func (s *Server) getCampaign(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, campaignFrom(r))
}

// deleteCampaign cascades the campaign and everything it owns, but only
// once no owned node is live: a node still short of a terminal status
// blocks the delete.
func (s *Server) deleteCampaign(w http.ResponseWriter, r *http.Request) {
	c := campaignFrom(r)
	err := s.st.WithTx(r.Context(), func(q store.Querier) error {
		if _, err := q.GetCampaignForUpdate(r.Context(), c.ID); err != nil {
			return err
		}
		counts, err := q.CountNodesByStatus(r.Context(), c.ID)
		if err != nil {
			return err
		}
		for status, n := range counts {
			if n > 0 && !status.Terminal() {
				return campaign.Errorf(campaign.ErrConflict,
					"campaign %s still owns %d %s node(s)", c.Name, n, status)
			}
		}
		return q.DeleteCampaign(r.Context(), c.ID)
	})
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

// campaignDocument is the patchable projection of a campaign.
type campaignDocument struct {
	Metadata campaign.Mapping `json:"metadata"`
	Spec     campaign.Mapping `json:"spec"`
	Status   campaign.Status  `json:"status"`
}

// patchCampaign applies a merge-patch or json-patch body to the campaign's
// metadata, spec and status. A status change goes through the campaign
// machine, so the move to running stays validate-gated; the reply carries
// the activity-log URL to poll for the outcome.
func (s *Server) patchCampaign(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	switch contentType {
	case manifest.MergePatchType, manifest.JSONPatchType:
	default:
		s.respond(w, http.StatusNotAcceptable, errorBody{
			Kind:    string(campaign.ErrInvalidInput),
			Message: "content type must be " + manifest.MergePatchType + " or " + manifest.JSONPatchType,
		})
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.renderError(w, r, campaign.Errorf(campaign.ErrInvalidInput, "read patch body: %w", err))
		return
	}

	c := campaignFrom(r)
	doc, err := json.Marshal(campaignDocument{Metadata: c.Metadata, Spec: c.Spec, Status: c.Status})
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	patched, err := manifest.ApplyPatch(contentType, doc, body)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	var next campaignDocument
	dec := json.NewDecoder(bytes.NewReader(patched))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		s.renderError(w, r, campaign.Errorf(campaign.ErrInvalidInput,
			"patched campaign document: %w", err))
		return
	}

	// Metadata and spec are mutable only before the campaign runs or while
	// it is paused; status-only patches pass through to the machine.
	if !reflect.DeepEqual(next.Metadata, c.Metadata) || !reflect.DeepEqual(next.Spec, c.Spec) {
		err = s.st.WithTx(r.Context(), func(q store.Querier) error {
			cur, err := q.GetCampaignForUpdate(r.Context(), c.ID)
			if err != nil {
				return err
			}
			if cur.Status == campaign.StatusRunning || cur.Status.Terminal() {
				return campaign.Errorf(campaign.ErrCampaignLocked,
					"campaign %s is %s; its document is frozen", cur.Name, cur.Status)
			}
			cur.Metadata = next.Metadata
			cur.Spec = next.Spec
			return q.UpdateCampaign(r.Context(), cur)
		})
		if err != nil {
			s.renderError(w, r, err)
			return
		}
	}

	if next.Status != c.Status {
		if err := s.cm.SetStatus(r.Context(), c.ID, next.Status, r.Header.Get("X-Operator")); err != nil {
			s.renderError(w, r, err)
			return
		}
	}

	updated, err := s.st.GetCampaign(r.Context(), c.ID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"campaign": updated,
		"logs":     "/v2/campaigns/" + c.ID.String() + "/logs",
	})
}

// campaignSummary aggregates node status counts and queue depth.
func (s *Server) campaignSummary(w http.ResponseWriter, r *http.Request) {
	c := campaignFrom(r)
	counts, err := s.st.CountNodesByStatus(r.Context(), c.ID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	open, err := s.st.OpenTaskCount(r.Context(), c.ID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"campaign":   c,
		"nodes":      counts,
		"open_tasks": open,
	})
}

func (s *Server) exportGraph(w http.ResponseWriter, r *http.Request) {
	g, err := graph.Load(r.Context(), s.st, campaignFrom(r).ID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, g.Export())
}

func (s *Server) listActivity(w http.ResponseWriter, r *http.Request) {
	c := campaignFrom(r)
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 50)
	var nodeID *uuid.UUID
	if ref := r.URL.Query().Get("node"); ref != "" {
		n, err := s.resolveNode(r.Context(), c, ref)
		if err != nil {
			s.renderError(w, r, err)
			return
		}
		nodeID = &n.ID
	}
	rows, err := s.st.ListActivity(r.Context(), c.ID, nodeID, offset, limit)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, rows)
}

type rpcProcessRequest struct {
	Campaign string `json:"campaign"`
	Node     string `json:"node"`
}

// rpcProcess runs the nominal trigger for one node immediately, bypassing
// the queue. Refused with a conflict when the node has no nominal work.
func (s *Server) rpcProcess(w http.ResponseWriter, r *http.Request) {
	var req rpcProcessRequest
	if err := decodeBody(r, &req); err != nil {
		s.renderError(w, r, err)
		return
	}
	c, err := s.resolveCampaign(r.Context(), req.Campaign)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	n, err := s.resolveNode(r.Context(), c, req.Node)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if err := s.machine.Process(r.Context(), n.ID, r.Header.Get("X-Operator")); err != nil {
		s.renderError(w, r, err)
		return
	}
	updated, err := s.st.GetNode(r.Context(), n.ID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, updated)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
