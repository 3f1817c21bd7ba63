// Package api exposes the campaign manager over HTTP: the /v2 REST
// surface for campaigns, nodes, edges, manifests and graph mutations,
// plus the process RPC, health and metrics endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"campaignd/campaign"
	"campaignd/campaign/fsm"
	"campaignd/campaign/graph"
	"campaignd/campaign/manifest"
	"campaignd/campaign/store"
)

// Server carries the handler dependencies.
type Server struct {
	st      store.Store
	log     *zap.Logger
	lib     *manifest.Library
	cm      *fsm.CampaignMachine
	machine *fsm.Machine
	mut     *graph.Mutator

	tickProbe func() time.Time
}

func NewServer(st store.Store, log *zap.Logger, machine *fsm.Machine, cm *fsm.CampaignMachine) *Server {
	return &Server{
		st:      st,
		log:     log,
		lib:     manifest.NewLibrary(st),
		cm:      cm,
		machine: machine,
		mut:     graph.NewMutator(st),
	}
}

// SetTickProbe exposes the co-located scheduler's last tick time on
// /healthz. Leaving it unset is fine for API-only deployments.
func (s *Server) SetTickProbe(fn func() time.Time) { s.tickProbe = fn }

// Router builds the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v2", func(r chi.Router) {
		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.createCampaign)
			r.Get("/", s.listCampaigns)
			r.Route("/{campaign}", func(r chi.Router) {
				r.Use(s.campaignCtx)
				r.Get("/", s.getCampaign)
				r.Delete("/", s.deleteCampaign)
				r.Patch("/", s.patchCampaign)
				r.Get("/summary", s.campaignSummary)
				r.Get("/graph", s.exportGraph)
				r.Get("/logs", s.listActivity)

				r.Route("/nodes", func(r chi.Router) {
					r.Post("/", s.createNode)
					r.Get("/", s.listNodes)
					r.Route("/{node}", func(r chi.Router) {
						r.Get("/", s.getNode)
						r.Put("/", s.replaceNode)
						r.Delete("/", s.deleteNode)
						r.Post("/triggers/{trigger}", s.fireTrigger)
					})
				})

				r.Route("/edges", func(r chi.Router) {
					r.Get("/", s.listEdges)
					r.Post("/", s.createEdge)
					r.Get("/{edge}", s.getEdge)
					r.Delete("/{edge}", s.deleteEdge)
				})

				r.Route("/manifests", func(r chi.Router) {
					r.Post("/", s.createManifest)
					r.Get("/", s.listManifests)
					r.Route("/{manifest}", func(r chi.Router) {
						r.Get("/", s.getManifest)
						r.Patch("/", s.patchManifest)
						r.Get("/versions", s.listManifestVersions)
						r.Post("/copy", s.copyManifest)
					})
				})
			})
		})

		r.Route("/manifests", func(r chi.Router) {
			r.Post("/", s.createLibraryManifest)
			r.Get("/{manifest}", s.getLibraryManifest)
			r.Patch("/{manifest}", s.patchLibraryManifest)
		})

		r.Post("/rpc/process", s.rpcProcess)
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.st.Ping(r.Context()); err != nil {
		s.respond(w, http.StatusServiceUnavailable, errorBody{Kind: "unhealthy", Message: err.Error()})
		return
	}
	body := map[string]any{"status": "ok"}
	if s.tickProbe != nil {
		if last := s.tickProbe(); !last.IsZero() {
			body["last_tick"] = last
		}
	}
	s.respond(w, http.StatusOK, body)
}

type ctxKey int

const campaignKey ctxKey = iota

// campaignCtx resolves the {campaign} path element, by id or by name, and
// stashes the row in the request context.
func (s *Server) campaignCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ref := chi.URLParam(r, "campaign")
		c, err := s.resolveCampaign(r.Context(), ref)
		if err != nil {
			s.renderError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), campaignKey, c)))
	})
}

func (s *Server) resolveCampaign(ctx context.Context, ref string) (*campaign.Campaign, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return s.st.GetCampaign(ctx, id)
	}
	return s.st.GetCampaignByName(ctx, campaign.RootNamespace, ref)
}

func campaignFrom(r *http.Request) *campaign.Campaign {
	return r.Context().Value(campaignKey).(*campaign.Campaign)
}

// resolveNode accepts either a node id or a name (newest version).
func (s *Server) resolveNode(ctx context.Context, c *campaign.Campaign, ref string) (*campaign.Node, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return s.st.GetNode(ctx, id)
	}
	return s.st.GetNodeByName(ctx, c.ID, ref, 0)
}
