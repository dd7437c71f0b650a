package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/internal/logging"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/internal/syncer"
	"github.com/scrypster/recall/internal/vector"
	"github.com/scrypster/recall/pkg/types"
)

// Version is reported by the health endpoint.
var Version = "dev"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handlers serves the /v1 routes.
type Handlers struct {
	engine  Engine
	sync    SyncController
	breaker BreakerReporter
	hub     *Hub
	logger  zerolog.Logger
}

// Options carries the optional collaborators of Handlers.
type Options struct {
	Sync    SyncController
	Breaker BreakerReporter
	Hub     *Hub
}

// NewHandlers creates handlers backed by eng.
func NewHandlers(eng Engine, opts Options, logger zerolog.Logger) *Handlers {
	return &Handlers{
		engine:  eng,
		sync:    opts.Sync,
		breaker: opts.Breaker,
		hub:     opts.Hub,
		logger:  logging.Component(logger, "api"),
	}
}

// SaveMessage handles POST /v1/messages.
func (h *Handlers) SaveMessage(w http.ResponseWriter, r *http.Request) {
	var req engine.SaveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.engine.SaveMessage(r.Context(), req)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Queued {
		status = http.StatusAccepted
	}
	respondJSON(w, status, res)
}

// FetchContext handles GET /v1/context.
func (h *Handlers) FetchContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	sessionID := q.Get("session_id")

	opts := engine.FetchOptions{
		RankedLimit:  parseInt(q.Get("ranked_limit"), 0),
		Search:       searchOptions(q.Get("limit"), q.Get("threshold"), q.Get("special")),
		SkipSemantic: parseBool(q.Get("skip_semantic")),
	}

	res, err := h.engine.FetchContext(r.Context(), userID, sessionID, q.Get("q"), opts)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ContextResponse{UserID: userID, SessionID: sessionID, ContextResult: res})
}

// Search handles GET /v1/search.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")

	results, err := h.engine.SearchRelated(r.Context(), q.Get("user_id"), query,
		searchOptions(q.Get("limit"), q.Get("threshold"), q.Get("special")))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, SearchResponse{Query: query, Results: results, Count: len(results)})
}

// CleanupSessions handles POST /v1/sessions/cleanup?user_id=.
func (h *Handlers) CleanupSessions(w http.ResponseWriter, r *http.Request) {
	removed, err := h.engine.CleanupSessions(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, CleanupResponse{Removed: removed})
}

// SignIn handles POST /v1/sync/signin.
func (h *Handlers) SignIn(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w) {
		return
	}
	var req SignInRequest
	if !decodeBody(w, r, &req) {
		return
	}
	report, err := h.sync.SignIn(r.Context(), req.UserID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// SignOut handles POST /v1/sync/signout.
func (h *Handlers) SignOut(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w) {
		return
	}
	h.sync.SignOut()
	h.SyncStatus(w, r)
}

// Connectivity handles POST /v1/sync/connectivity.
func (h *Handlers) Connectivity(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w) {
		return
	}
	var req ConnectivityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	report, err := h.sync.SetOnline(r.Context(), req.Online)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// Drain handles POST /v1/sync/drain.
func (h *Handlers) Drain(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w) {
		return
	}
	report, err := h.sync.Drain(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// SyncStatus handles GET /v1/sync/status.
func (h *Handlers) SyncStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireSync(w) {
		return
	}
	status, err := h.sync.Status(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// RepairSequence handles POST /v1/admin/repair-sequence.
func (h *Handlers) RepairSequence(w http.ResponseWriter, r *http.Request) {
	var req RepairRequest
	if !decodeBody(w, r, &req) {
		return
	}
	n, err := h.engine.RepairSequence(r.Context(), req.UserID, req.ConversationID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, RepairResponse{Renumbered: n})
}

// VectorizeBacklog handles POST /v1/admin/vectorize-backlog.
func (h *Handlers) VectorizeBacklog(w http.ResponseWriter, r *http.Request) {
	var req BacklogRequest
	if !decodeBody(w, r, &req) {
		return
	}
	report, err := h.engine.VectorizeBacklog(r.Context(), req.UserID, req.BatchSize)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// Health handles GET /healthz. The status is "degraded" when the durable
// store is unreachable or the embedding breaker is open.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: Version,
		Engine:  h.engine.Health(r.Context()),
		Time:    time.Now().UTC(),
	}
	if h.breaker != nil {
		resp.Embedding = h.breaker.BreakerState()
		if resp.Embedding == "open" {
			resp.Status = "degraded"
		}
	}
	if h.sync != nil {
		if st, err := h.sync.Status(r.Context()); err == nil {
			resp.Sync = &st
		}
	}
	if h.hub != nil {
		resp.Clients = h.hub.ClientCount()
	}

	status := http.StatusOK
	if resp.Engine.StoreError != "" {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, resp)
}

// log returns the request-scoped logger set by RequestLogger, or the
// handlers' own logger.
func (h *Handlers) log(r *http.Request) *zerolog.Logger {
	if l := logging.FromCtx(r.Context()); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &h.logger
}

func (h *Handlers) requireSync(w http.ResponseWriter) bool {
	if h.sync == nil {
		respondError(w, http.StatusNotFound, "SYNC_DISABLED", "sync is not enabled")
		return false
	}
	return true
}

// respondErr maps domain errors to HTTP status codes.
func (h *Handlers) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, types.ErrInvalidIdentifier),
		errors.Is(err, types.ErrInvalidRecord),
		errors.Is(err, storage.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, syncer.ErrAlreadySignedIn),
		errors.Is(err, syncer.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, engine.ErrDurableWrite),
		errors.Is(err, engine.ErrNotStarted):
		h.log(r).Error().Err(err).Msg("request failed")
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	case errors.Is(err, engine.ErrNoIndex):
		respondError(w, http.StatusNotImplemented, "NO_INDEX", err.Error())
	default:
		h.log(r).Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func searchOptions(limit, threshold, specialOnly string) vector.SearchOptions {
	return vector.SearchOptions{
		Limit:               parseInt(limit, 0),
		SimilarityThreshold: parseFloat(threshold, 0),
		SpecialOnly:         parseBool(specialOnly),
	}
}

func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

func parseFloat(s string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
		return f
	}
	return defaultValue
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	// Headers are already sent, so an encoding failure cannot be reported.
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an ErrorResponse with the given status code.
func respondError(w http.ResponseWriter, statusCode int, code, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message, Code: code})
}
