// Package server implements the relay's HTTP surface: the ActivityPub
// endpoints (actor, inbox, webfinger, nodeinfo, collections) and the
// token-authenticated management API under /api/v1.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/klppl/relay/internal/ap"
	"github.com/klppl/relay/internal/config"
	"github.com/klppl/relay/internal/db"
	"github.com/klppl/relay/internal/policy"
	"github.com/klppl/relay/internal/queue"
)

// dedupSize is how many recent activity IDs the inbox remembers.
const dedupSize = 8192

// Server is the relay's HTTP server.
type Server struct {
	cfg    *config.Config
	store  *db.Store
	keys   *ap.KeyPair
	client *ap.Client
	pool   *queue.Pool
	policy *policy.Engine
	dedup  *queue.Dedup
	router *chi.Mux
}

// New wires up the server and its router.
func New(cfg *config.Config, store *db.Store, keys *ap.KeyPair, client *ap.Client, pool *queue.Pool, pol *policy.Engine) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		keys:   keys,
		client: client,
		pool:   pool,
		policy: pol,
		dedup:  queue.NewDedup(dedupSize),
	}
	s.router = s.buildRouter()
	return s
}

// Start runs the HTTP server until ctx is cancelled, then drains in-flight
// requests with a 20 second deadline.
func (s *Server) Start(ctx context.Context) {
	srv := &http.Server{
		Addr:         s.cfg.BindAddr(),
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", srv.Addr, "domain", s.cfg.Domain)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)

	// The actor document is served on both paths; Mastodon fetches
	// whichever IRI it saw first.
	r.Get("/actor", s.handleActorDocument)
	r.Get("/inbox", s.handleActorDocument)
	r.Post("/actor", s.handleInbox)
	r.Post("/inbox", s.handleInbox)

	r.Get("/followers", s.handleFollowers)
	r.Get("/following", s.handleFollowing)

	r.Get("/.well-known/webfinger", s.handleWebFinger)
	r.Get("/.well-known/nodeinfo", s.handleNodeInfoDiscovery)
	r.Get("/nodeinfo/2.0.json", s.handleNodeInfo)

	r.Get("/", s.handleHome)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/token", s.handleLogin)
		r.Get("/relay", s.handleRelayInfo)

		r.Group(func(r chi.Router) {
			r.Use(s.tokenAuth)
			r.Get("/token", s.handleGetTokens)
			r.Delete("/token", s.handleLogout)

			r.Get("/config", s.handleGetConfig)
			r.Post("/config", s.handleSetConfig)
			r.Delete("/config", s.handleResetConfig)

			r.Get("/instance", s.handleGetInstances)
			r.Post("/instance", s.handleAddInstance)
			r.Patch("/instance", s.handleUpdateInstance)
			r.Delete("/instance", s.handleRemoveInstance)

			r.Get("/domain_ban", s.handleGetDomainBans)
			r.Post("/domain_ban", s.handleAddDomainBan)
			r.Patch("/domain_ban", s.handleUpdateDomainBan)
			r.Delete("/domain_ban", s.handleRemoveDomainBan)

			r.Get("/software_ban", s.handleGetSoftwareBans)
			r.Post("/software_ban", s.handleAddSoftwareBan)
			r.Patch("/software_ban", s.handleUpdateSoftwareBan)
			r.Delete("/software_ban", s.handleRemoveSoftwareBan)

			r.Get("/whitelist", s.handleGetWhitelist)
			r.Post("/whitelist", s.handleAddWhitelistEntry)
			r.Delete("/whitelist", s.handleRemoveWhitelistEntry)

			r.Get("/user", s.handleGetUsers)
			r.Post("/user", s.handleAddUser)
			r.Delete("/user", s.handleRemoveUser)

			r.Get("/request", s.handleGetRequests)
			r.Post("/request", s.handleResolveRequest)
		})
	})

	return r
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	name, _, err := s.store.GetConfig("name")
	if err != nil {
		name = "ActivityRelay"
	}
	inboxes, _ := s.store.GetInboxes()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s\n\nAn ActivityPub relay on %s, serving %d instances.\n", name, s.cfg.Domain, len(inboxes))
}

// ─── Utility functions ────────────────────────────────────────────────────────

func apResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", ap.ContentType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode AP response", "error", err)
	}
}

func jsonResponse(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, message string, status int) {
	jsonResponse(w, map[string]string{"error": message}, status)
}

func cacheHeaders(w http.ResponseWriter, maxAge int) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
}

// loggingMiddleware logs each HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
