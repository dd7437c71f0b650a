package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/recall/internal/api"
	"github.com/scrypster/recall/internal/engine"
	"github.com/scrypster/recall/internal/storage"
	"github.com/scrypster/recall/internal/syncer"
	"github.com/scrypster/recall/internal/vector"
	"github.com/scrypster/recall/pkg/types"
)

// stubEngine records calls and returns canned results.
type stubEngine struct {
	saveReq    engine.SaveRequest
	saveRes    engine.SaveResult
	saveErr    error
	fetchOpts  engine.FetchOptions
	fetchQuery string
	fetchRes   engine.ContextResult
	fetchErr   error
	searchOpts vector.SearchOptions
	searchRes  []types.ScoredRecord
	searchErr  error
	repairN    int
	repairErr  error
	backlog    vector.BacklogReport
	backlogErr error
	health     engine.Health
}

func (s *stubEngine) SaveMessage(_ context.Context, req engine.SaveRequest) (engine.SaveResult, error) {
	s.saveReq = req
	return s.saveRes, s.saveErr
}

func (s *stubEngine) FetchContext(_ context.Context, userID, sessionID, query string, opts engine.FetchOptions) (engine.ContextResult, error) {
	if err := types.ValidateIDs("user_id", userID, "session_id", sessionID); err != nil {
		return engine.ContextResult{}, err
	}
	s.fetchQuery = query
	s.fetchOpts = opts
	return s.fetchRes, s.fetchErr
}

func (s *stubEngine) SearchRelated(_ context.Context, userID, _ string, opts vector.SearchOptions) ([]types.ScoredRecord, error) {
	if err := types.ValidateID("user_id", userID); err != nil {
		return nil, err
	}
	s.searchOpts = opts
	return s.searchRes, s.searchErr
}

func (s *stubEngine) RepairSequence(context.Context, string, string) (int, error) {
	return s.repairN, s.repairErr
}

func (s *stubEngine) VectorizeBacklog(context.Context, string, int) (vector.BacklogReport, error) {
	return s.backlog, s.backlogErr
}

func (s *stubEngine) CleanupSessions(context.Context, string) (int, error) { return 2, nil }

func (s *stubEngine) Health(context.Context) engine.Health { return s.health }

type stubSync struct {
	signInErr error
	signedOut bool
	online    *bool
}

func (s *stubSync) SignIn(context.Context, string) (syncer.DrainReport, error) {
	return syncer.DrainReport{Drained: 3}, s.signInErr
}
func (s *stubSync) SignOut() { s.signedOut = true }
func (s *stubSync) SetOnline(_ context.Context, online bool) (syncer.DrainReport, error) {
	s.online = &online
	return syncer.DrainReport{}, nil
}
func (s *stubSync) Drain(context.Context) (syncer.DrainReport, error) {
	return syncer.DrainReport{Drained: 1}, nil
}
func (s *stubSync) Status(context.Context) (syncer.Status, error) {
	return syncer.Status{State: syncer.StateAnonymous, Pending: 4}, nil
}

type stubBreaker string

func (b stubBreaker) BreakerState() string { return string(b) }

func do(t *testing.T, fn http.HandlerFunc, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	fn(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestSaveMessage_Created(t *testing.T) {
	seq := int64(1)
	eng := &stubEngine{saveRes: engine.SaveResult{MemoryID: "m1", CacheSaved: true, DurableSaved: true, SequenceNumber: &seq}}
	h := api.NewHandlers(eng, api.Options{}, zerolog.Nop())

	body := fmt.Sprintf(`{"user_id":%q,"conversation_id":%q,"role":"user","content":"hello","emotion":{"category":"joy","intensity":6}}`, userA, convA)
	w := do(t, h.SaveMessage, "POST", "/v1/messages", body)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, userA, eng.saveReq.UserID)
	assert.Equal(t, types.RoleUser, eng.saveReq.Role)
	require.NotNil(t, eng.saveReq.Emotion)
	assert.Equal(t, 6, eng.saveReq.Emotion.Intensity)

	var res engine.SaveResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.Equal(t, "m1", res.MemoryID)
	assert.True(t, res.DurableSaved)
}

func TestSaveMessage_QueuedIsAccepted(t *testing.T) {
	eng := &stubEngine{saveRes: engine.SaveResult{MemoryID: "m1", CacheSaved: true, Queued: true}}
	h := api.NewHandlers(eng, api.Options{}, zerolog.Nop())

	w := do(t, h.SaveMessage, "POST", "/v1/messages", `{"content":"x"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestSaveMessage_InvalidBody(t *testing.T) {
	h := api.NewHandlers(&stubEngine{}, api.Options{}, zerolog.Nop())

	w := do(t, h.SaveMessage, "POST", "/v1/messages", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_BODY", decodeError(t, w).Code)
}

func TestSaveMessage_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"invalid id", fmt.Errorf("%w: user_id is required", types.ErrInvalidIdentifier), http.StatusBadRequest, "INVALID_INPUT"},
		{"invalid record", fmt.Errorf("%w: content is empty", types.ErrInvalidRecord), http.StatusBadRequest, "INVALID_INPUT"},
		{"storage input", storage.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT"},
		{"durable down", fmt.Errorf("%w: %w", engine.ErrDurableWrite, errors.New("disk gone")), http.StatusServiceUnavailable, "UNAVAILABLE"},
		{"not started", engine.ErrNotStarted, http.StatusServiceUnavailable, "UNAVAILABLE"},
		{"not found", storage.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := api.NewHandlers(&stubEngine{saveErr: tt.err}, api.Options{}, zerolog.Nop())
			w := do(t, h.SaveMessage, "POST", "/v1/messages", `{"content":"x"}`)
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w).Code)
		})
	}
}

func TestSaveMessage_InternalErrorsNotLeaked(t *testing.T) {
	h := api.NewHandlers(&stubEngine{saveErr: errors.New("secret sql detail")}, api.Options{}, zerolog.Nop())
	w := do(t, h.SaveMessage, "POST", "/v1/messages", `{"content":"x"}`)
	assert.NotContains(t, w.Body.String(), "secret sql detail")
}

func TestSaveMessage_ErrorsLoggedWithRequestID(t *testing.T) {
	var logs bytes.Buffer
	h := api.NewHandlers(&stubEngine{saveErr: errors.New("secret sql detail")}, api.Options{}, zerolog.Nop())
	handler := api.RequestLogger(http.HandlerFunc(h.SaveMessage), zerolog.New(&logs))

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"content":"x"}`))
	req.Header.Set(api.RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "req-42", w.Header().Get(api.RequestIDHeader))
	assert.NotContains(t, w.Body.String(), "secret sql detail")
	assert.Contains(t, logs.String(), `"request_id":"req-42"`)
	assert.Contains(t, logs.String(), "secret sql detail")
	assert.Contains(t, logs.String(), `"path":"/v1/messages"`)
}

func TestFetchContext_ParsesOptions(t *testing.T) {
	eng := &stubEngine{fetchRes: engine.ContextResult{
		Recent:         []types.SessionCacheEntry{},
		Ranked:         []types.MemoryRecord{},
		Semantic:       []types.ScoredRecord{},
		ContextualHint: engine.HintReference,
	}}
	h := api.NewHandlers(eng, api.Options{}, zerolog.Nop())

	target := fmt.Sprintf("/v1/context?user_id=%s&session_id=%s&q=remember+that&ranked_limit=3&limit=7&threshold=0.5&skip_semantic=true", userA, convA)
	w := do(t, h.FetchContext, "GET", target, "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "remember that", eng.fetchQuery)
	assert.Equal(t, 3, eng.fetchOpts.RankedLimit)
	assert.Equal(t, 7, eng.fetchOpts.Search.Limit)
	assert.InDelta(t, 0.5, eng.fetchOpts.Search.SimilarityThreshold, 1e-9)
	assert.True(t, eng.fetchOpts.SkipSemantic)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "reference", resp["contextual_hint"])
	assert.Equal(t, userA, resp["user_id"])
	assert.Contains(t, resp, "recent")
	assert.Contains(t, resp, "semantic")
}

func TestFetchContext_InvalidSession(t *testing.T) {
	h := api.NewHandlers(&stubEngine{}, api.Options{}, zerolog.Nop())

	w := do(t, h.FetchContext, "GET", "/v1/context?user_id="+userA+"&session_id=nope", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", decodeError(t, w).Code)
}

func TestSearch_ReturnsResults(t *testing.T) {
	eng := &stubEngine{searchRes: []types.ScoredRecord{
		{Record: types.MemoryRecord{ID: "m1", Content: "hiking"}, Similarity: 0.91},
	}}
	h := api.NewHandlers(eng, api.Options{}, zerolog.Nop())

	w := do(t, h.Search, "GET", "/v1/search?user_id="+userA+"&q=hiking&limit=abc&special=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	// Unparseable limits fall back to the engine default.
	assert.Equal(t, 0, eng.searchOpts.Limit)
	assert.True(t, eng.searchOpts.SpecialOnly)

	var resp api.SearchResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "hiking", resp.Query)
	assert.Equal(t, "m1", resp.Results[0].Record.ID)
}

func TestSearch_MissingUser(t *testing.T) {
	h := api.NewHandlers(&stubEngine{}, api.Options{}, zerolog.Nop())
	w := do(t, h.Search, "GET", "/v1/search?q=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_RepairAndBacklog(t *testing.T) {
	eng := &stubEngine{repairN: 12, backlog: vector.BacklogReport{Success: 4, Failed: 1}}
	h := api.NewHandlers(eng, api.Options{}, zerolog.Nop())

	w := do(t, h.RepairSequence, "POST", "/v1/admin/repair-sequence", fmt.Sprintf(`{"user_id":%q,"conversation_id":%q}`, userA, convA))
	require.Equal(t, http.StatusOK, w.Code)
	var repair api.RepairResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&repair))
	assert.Equal(t, 12, repair.Renumbered)

	w = do(t, h.VectorizeBacklog, "POST", "/v1/admin/vectorize-backlog", fmt.Sprintf(`{"user_id":%q}`, userA))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":4`)
}

func TestAdmin_BacklogWithoutIndex(t *testing.T) {
	h := api.NewHandlers(&stubEngine{backlogErr: engine.ErrNoIndex}, api.Options{}, zerolog.Nop())
	w := do(t, h.VectorizeBacklog, "POST", "/v1/admin/vectorize-backlog", `{}`)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestCleanupSessions(t *testing.T) {
	h := api.NewHandlers(&stubEngine{}, api.Options{}, zerolog.Nop())
	w := do(t, h.CleanupSessions, "POST", "/v1/sessions/cleanup?user_id="+userA, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"removed":2}`, w.Body.String())
}

func TestSync_DisabledReturnsNotFound(t *testing.T) {
	h := api.NewHandlers(&stubEngine{}, api.Options{}, zerolog.Nop())
	for _, fn := range []http.HandlerFunc{h.SyncStatus, h.SignOut, h.Drain} {
		w := do(t, fn, "POST", "/v1/sync/x", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "SYNC_DISABLED", decodeError(t, w).Code)
	}
}

func TestSync_Routes(t *testing.T) {
	sync := &stubSync{}
	h := api.NewHandlers(&stubEngine{}, api.Options{Sync: sync}, zerolog.Nop())

	w := do(t, h.SignIn, "POST", "/v1/sync/signin", fmt.Sprintf(`{"user_id":%q}`, userA))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"drained":3`)

	w = do(t, h.Connectivity, "POST", "/v1/sync/connectivity", `{"online":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, sync.online)
	assert.False(t, *sync.online)

	w = do(t, h.SignOut, "POST", "/v1/sync/signout", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, sync.signedOut)
	assert.Contains(t, w.Body.String(), `"pending":4`)

	w = do(t, h.Drain, "POST", "/v1/sync/drain", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"drained":1`)
}

func TestSync_SignInConflict(t *testing.T) {
	sync := &stubSync{signInErr: syncer.ErrAlreadySignedIn}
	h := api.NewHandlers(&stubEngine{}, api.Options{Sync: sync}, zerolog.Nop())

	w := do(t, h.SignIn, "POST", "/v1/sync/signin", fmt.Sprintf(`{"user_id":%q}`, userB))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", decodeError(t, w).Code)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		health     engine.Health
		breaker    string
		wantCode   int
		wantStatus string
	}{
		{"healthy", engine.Health{Started: true, QueueCapacity: 10}, "closed", http.StatusOK, "healthy"},
		{"breaker open", engine.Health{Started: true}, "open", http.StatusOK, "degraded"},
		{"store down", engine.Health{Started: true, StoreError: "database is closed"}, "closed", http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := api.NewHandlers(&stubEngine{health: tt.health}, api.Options{
				Sync:    &stubSync{},
				Breaker: stubBreaker(tt.breaker),
			}, zerolog.Nop())

			w := do(t, h.Health, "GET", "/healthz", "")
			assert.Equal(t, tt.wantCode, w.Code)

			var resp api.HealthResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.breaker, resp.Embedding)
			require.NotNil(t, resp.Sync)
			assert.Equal(t, 4, resp.Sync.Pending)
		})
	}
}
