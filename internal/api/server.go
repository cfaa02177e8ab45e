// Package api exposes the audience engine to its collaborators over HTTP:
// fact lifecycle events in, filter queries and maintenance operations out.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/ignite/audience-engine/internal/audience"
	"github.com/ignite/audience-engine/internal/export"
	"github.com/ignite/audience-engine/internal/pkg/logger"
)

// Server wires the audience services into a chi router.
type Server struct {
	aggregator *audience.Aggregator
	engine     *audience.Engine
	refresher  *audience.Refresher
	exporter   *export.Exporter // nil when export is disabled
}

// NewServer creates the HTTP boundary. exporter may be nil.
func NewServer(aggregator *audience.Aggregator, engine *audience.Engine, refresher *audience.Refresher, exporter *export.Exporter) *Server {
	return &Server{
		aggregator: aggregator,
		engine:     engine,
		refresher:  refresher,
		exporter:   exporter,
	}
}

// Router builds the route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api/sellers/{sellerID}", func(r chi.Router) {
		r.Get("/members", s.handleFilterMembers)
		r.Post("/refresh", s.handleRefreshAll)
		r.Post("/refresh/contact", s.handleRefreshContact)
		if s.exporter != nil {
			r.Post("/export", s.handleExport)
		}

		r.Route("/events", func(r chi.Router) {
			r.Post("/purchase/qualified", s.handlePurchaseQualified)
			r.Post("/purchase/disqualified", s.handlePurchaseDisqualified)
			r.Post("/follower/confirmed", s.handleFollowerConfirmed)
			r.Post("/follower/unsubscribed", s.handleFollowerUnsubscribed)
			r.Post("/affiliate/linked", s.handleAffiliateLinked)
			r.Post("/affiliate/unlinked", s.handleAffiliateUnlinked)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// requestID tags each request for log correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
