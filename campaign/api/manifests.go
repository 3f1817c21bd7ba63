package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"campaignd/campaign"
	"campaignd/campaign/manifest"
)

type manifestRequest struct {
	Name     string                `json:"name"`
	Kind     campaign.ManifestKind `json:"kind"`
	Metadata campaign.Mapping      `json:"metadata"`
	Spec     campaign.Mapping      `json:"spec"`
}

func (s *Server) createManifestIn(w http.ResponseWriter, r *http.Request, namespace uuid.UUID) {
	var req manifestRequest
	if err := decodeBody(r, &req); err != nil {
		s.renderError(w, r, err)
		return
	}
	m := &campaign.Manifest{
		Name:      req.Name,
		Namespace: namespace,
		Kind:      req.Kind,
		Metadata:  req.Metadata,
		Spec:      req.Spec,
	}
	if err := s.lib.Create(r.Context(), m); err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, m)
}

func (s *Server) createManifest(w http.ResponseWriter, r *http.Request) {
	s.createManifestIn(w, r, campaignFrom(r).ID)
}

func (s *Server) listManifests(w http.ResponseWriter, r *http.Request) {
	manifests, err := s.st.ListManifests(r.Context(), campaignFrom(r).ID)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, manifests)
}

// getManifest fetches one manifest version; ?version=0 (the default) means
// the newest.
func (s *Server) getManifestIn(w http.ResponseWriter, r *http.Request, namespace uuid.UUID) {
	name := chi.URLParam(r, "manifest")
	version := queryInt(r, "version", 0)
	m, err := s.lib.Get(r.Context(), namespace, name, version)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, m)
}

func (s *Server) getManifest(w http.ResponseWriter, r *http.Request) {
	s.getManifestIn(w, r, campaignFrom(r).ID)
}

// patchManifestIn applies a merge-patch or json-patch body to the newest
// version, writing version+1. Any other content type is not acceptable.
func (s *Server) patchManifestIn(w http.ResponseWriter, r *http.Request, namespace uuid.UUID) {
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
	m, err := s.lib.Patch(r.Context(), namespace, chi.URLParam(r, "manifest"), contentType, body)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, m)
}

func (s *Server) patchManifest(w http.ResponseWriter, r *http.Request) {
	s.patchManifestIn(w, r, campaignFrom(r).ID)
}

func (s *Server) listManifestVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.lib.Versions(r.Context(), campaignFrom(r).ID, chi.URLParam(r, "manifest"))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, versions)
}

type copyManifestRequest struct {
	To string `json:"to"`
}

// copyManifest copies the newest version of a manifest into another
// campaign's namespace (or the library when "to" is empty).
func (s *Server) copyManifest(w http.ResponseWriter, r *http.Request) {
	var req copyManifestRequest
	if err := decodeBody(r, &req); err != nil {
		s.renderError(w, r, err)
		return
	}
	dst := campaign.RootNamespace
	if req.To != "" {
		c, err := s.resolveCampaign(r.Context(), req.To)
		if err != nil {
			s.renderError(w, r, err)
			return
		}
		dst = c.ID
	}
	m, err := s.lib.Copy(r.Context(), campaignFrom(r).ID, chi.URLParam(r, "manifest"), dst)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, m)
}

// Library manifest handlers operate on the root namespace, shared by every
// campaign's config chain.

func (s *Server) createLibraryManifest(w http.ResponseWriter, r *http.Request) {
	s.createManifestIn(w, r, campaign.RootNamespace)
}

func (s *Server) getLibraryManifest(w http.ResponseWriter, r *http.Request) {
	s.getManifestIn(w, r, campaign.RootNamespace)
}

func (s *Server) patchLibraryManifest(w http.ResponseWriter, r *http.Request) {
	s.patchManifestIn(w, r, campaign.RootNamespace)
}
