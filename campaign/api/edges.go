package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"campaignd/campaign"
)

func (s *Server) listEdges(w http.ResponseWriter, r *http.Request) {
	edges, err := s.st.ListEdges(r.Context(), campaignFrom(r).ID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, edges)
}

type edgeRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// createEdge connects two existing nodes, named by id or name. The edit
// runs through the mutator, so the graph must stay valid and the campaign
// must not be running.
func (s *Server) createEdge(w http.ResponseWriter, r *http.Request) {
	var req edgeRequest
	if err := decodeBody(r, &req); err != nil {
		s.renderError(w, r, err)
		return
	}
	c := campaignFrom(r)
	src, err := s.resolveNode(r.Context(), c, req.Source)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	dst, err := s.resolveNode(r.Context(), c, req.Target)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if err := s.mut.Connect(r.Context(), c.ID, src.ID, dst.ID); err != nil {
		s.renderError(w, r, err)
		return
	}
	e, err := s.st.GetEdge(r.Context(), campaign.EdgeID(c.ID, src.ID, dst.ID))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, e)
}

func (s *Server) getEdge(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "edge"))
	if err != nil {
		s.renderError(w, r, campaign.Errorf(campaign.ErrInvalidInput, "bad edge id: %w", err))
		return
	}
	e, err := s.st.GetEdge(r.Context(), id)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, e)
}

func (s *Server) deleteEdge(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "edge"))
	if err != nil {
		s.renderError(w, r, campaign.Errorf(campaign.ErrInvalidInput, "bad edge id: %w", err))
		return
	}
	c := campaignFrom(r)
	e, err := s.st.GetEdge(r.Context(), id)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if err := s.mut.Disconnect(r.Context(), c.ID, e.Source, e.Target); err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}
