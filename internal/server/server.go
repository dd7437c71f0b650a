// Package server wires the API handlers into an HTTP server and manages its
// lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/scrypster/recall/internal/api"
	"github.com/scrypster/recall/internal/config"
	"github.com/scrypster/recall/internal/logging"
)

// shutdownGrace bounds how long in-flight requests get after ctx is done.
const shutdownGrace = 5 * time.Second

// NewHandler builds the routed, wrapped handler.
func NewHandler(cfg *config.Config, h *api.Handlers, hub *api.Hub, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// API routes (require auth in production mode)
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			h.SaveMessage(w, r)
		} else {
			methodNotAllowed(w)
		}
	})
	apiMux.HandleFunc("/v1/context", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.FetchContext(w, r)
		} else {
			methodNotAllowed(w)
		}
	})
	apiMux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.Search(w, r)
		} else {
			methodNotAllowed(w)
		}
	})
	apiMux.HandleFunc("/v1/sessions/cleanup", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			h.CleanupSessions(w, r)
		} else {
			methodNotAllowed(w)
		}
	})

	// Sync routes
	apiMux.HandleFunc("/v1/sync/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.SyncStatus(w, r)
		} else {
			methodNotAllowed(w)
		}
	})
	for path, fn := range map[string]http.HandlerFunc{
		"/v1/sync/signin":       h.SignIn,
		"/v1/sync/signout":      h.SignOut,
		"/v1/sync/connectivity": h.Connectivity,
		"/v1/sync/drain":        h.Drain,
	} {
		apiMux.HandleFunc(path, postOnly(fn))
	}

	// Maintenance routes
	apiMux.HandleFunc("/v1/admin/repair-sequence", postOnly(h.RepairSequence))
	apiMux.HandleFunc("/v1/admin/vectorize-backlog", postOnly(h.VectorizeBacklog))

	// Event feed, authenticated like the rest of /v1
	if hub != nil {
		apiMux.Handle("/v1/events", hub)
	}

	// Health endpoint, no auth required
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			h.Health(w, r)
		} else {
			methodNotAllowed(w)
		}
	})

	mux.Handle("/v1/", api.RequireAuth(apiMux, cfg.Security))

	// Wrap entire server with rate limiting, then security headers
	rateLimiter := api.NewRateLimiter(cfg.Security.RatePerSecond, cfg.Security.Burst)
	handler := api.RateLimitMiddleware(mux, rateLimiter)
	handler = api.RequestLogger(handler, logging.Component(logger, "http"))
	return api.SecurityHeaders(handler)
}

// Start listens on cfg.Addr() and serves handler until ctx is done.
// It returns the actual address being listened on (useful for testing with
// port 0) and a channel that is closed once the server has shut down.
func Start(ctx context.Context, cfg *config.Config, handler http.Handler, logger zerolog.Logger) (string, <-chan struct{}, error) {
	logger = logger.With().Str("component", "server").Logger()

	readTimeout := cfg.Server.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.Server.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	srv := &http.Server{
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return "", nil, fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}
	actualAddr := listener.Addr().String()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("server shutdown error")
		}
	}()

	logger.Info().Str("addr", actualAddr).Msg("http server listening")
	return actualAddr, done, nil
}

func postOnly(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		fn(w, r)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	_, _ = w.Write([]byte(`{"error":"method not allowed","code":"METHOD_NOT_ALLOWED"}`))
}
