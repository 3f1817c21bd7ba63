package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"campaignd/campaign"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// statusFor maps core error kinds onto HTTP status codes.
func statusFor(kind campaign.ErrKind) int {
	switch kind {
	case campaign.ErrNotFound, campaign.ErrUnknownManifest:
		return http.StatusNotFound
	case campaign.ErrConflict, campaign.ErrCampaignLocked, campaign.ErrNotProcessable:
		return http.StatusConflict
	case campaign.ErrPatchAssertionFailed:
		return http.StatusPreconditionFailed
	case campaign.ErrInvalidCampaignGraph, campaign.ErrInvalidGrouping, campaign.ErrUnknownNamespace:
		return http.StatusUnprocessableEntity
	case campaign.ErrInvalidInput:
		return http.StatusBadRequest
	case campaign.ErrLauncherSubmit, campaign.ErrLauncherCheck:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", zap.Error(err))
	}
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	var ce *campaign.Error
	if errors.As(err, &ce) {
		status := statusFor(ce.Kind)
		if status == http.StatusInternalServerError {
			s.log.Error("request failed",
				zap.String("path", r.URL.Path), zap.Error(err))
		}
		s.respond(w, status, errorBody{Kind: string(ce.Kind), Message: ce.Error()})
		return
	}
	s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	s.respond(w, http.StatusInternalServerError,
		errorBody{Kind: "internal", Message: "internal error"})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return campaign.Errorf(campaign.ErrInvalidInput, "decode request body: %w", err)
	}
	return nil
}
