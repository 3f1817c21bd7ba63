package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"campaignd/campaign"
	"campaignd/campaign/fsm"
)

type nodeRequest struct {
	Name          string            `json:"name"`
	Kind          campaign.NodeKind `json:"kind"`
	Metadata      campaign.Mapping  `json:"metadata"`
	Configuration campaign.Mapping  `json:"configuration"`
}

func (req *nodeRequest) build(c *campaign.Campaign, version int) (*campaign.Node, error) {
	if req.Name == "" {
		return nil, campaign.Errorf(campaign.ErrInvalidInput, "node name is required")
	}
	kind := req.Kind
	if kind == "" {
		kind = campaign.KindStep
	}
	if !kind.Valid() || kind.Sentinel() {
		return nil, campaign.Errorf(campaign.ErrInvalidInput, "invalid node kind %q", kind)
	}
	return &campaign.Node{
		ID:            campaign.NodeID(c.ID, req.Name, version),
		Namespace:     c.ID,
		Name:          req.Name,
		Version:       version,
		Kind:          kind,
		Status:        campaign.StatusWaiting,
		Metadata:      req.Metadata,
		Configuration: req.Configuration,
	}, nil
}

// createNode splices a new node into the graph. ?at= names the anchor node
// and ?mode= picks the splice: "insert" (default) puts the node downstream
// of the anchor, "append" adds it as a parallel sibling.
func (s *Server) createNode(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := decodeBody(r, &req); err != nil {
		s.renderError(w, r, err)
		return
	}
	c := campaignFrom(r)
	n, err := req.build(c, 1)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	at := r.URL.Query().Get("at")
	if at == "" {
		at = campaign.StartNodeName
	}
	anchor, err := s.resolveNode(r.Context(), c, at)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	switch mode := r.URL.Query().Get("mode"); mode {
	case "", "insert":
		err = s.mut.Insert(r.Context(), c.ID, anchor.ID, n)
	case "append":
		err = s.mut.Append(r.Context(), c.ID, anchor.ID, n)
	default:
		err = campaign.Errorf(campaign.ErrInvalidInput, "unknown splice mode %q", mode)
	}
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, n)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.st.ListNodes(r.Context(), campaignFrom(r).ID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, nodes)
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.resolveNode(r.Context(), campaignFrom(r), chi.URLParam(r, "node"))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, n)
}

// replaceNode writes a new version of the node and rewires its edges. The
// superseded row is kept for audit.
func (s *Server) replaceNode(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := decodeBody(r, &req); err != nil {
		s.renderError(w, r, err)
		return
	}
	c := campaignFrom(r)
	old, err := s.resolveNode(r.Context(), c, chi.URLParam(r, "node"))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if req.Name == "" {
		req.Name = old.Name
	}
	if req.Kind == "" {
		req.Kind = old.Kind
	}
	n, err := req.build(c, old.Version+1)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if err := s.mut.Replace(r.Context(), c.ID, old.ID, n); err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, n)
}

// deleteNode drops the node. ?heal=true bridges its predecessors to its
// successors so the graph stays connected.
func (s *Server) deleteNode(w http.ResponseWriter, r *http.Request) {
	c := campaignFrom(r)
	n, err := s.resolveNode(r.Context(), c, chi.URLParam(r, "node"))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	heal := r.URL.Query().Get("heal") == "true"
	if err := s.mut.Delete(r.Context(), c.ID, n.ID, heal); err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

// fireTrigger fires an explicit transition (operator triggers like pause,
// retry or accept, or a nominal trigger by name).
func (s *Server) fireTrigger(w http.ResponseWriter, r *http.Request) {
	c := campaignFrom(r)
	n, err := s.resolveNode(r.Context(), c, chi.URLParam(r, "node"))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	trigger := fsm.Trigger(chi.URLParam(r, "trigger"))
	operator := r.Header.Get("X-Operator")
	if operator == "" {
		operator = "api"
	}
	if err := s.machine.Fire(r.Context(), n.ID, trigger, operator); err != nil {
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
