package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Wyydra/orchestra/internal/adapter/driven/notify"
	"github.com/Wyydra/orchestra/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/Wyydra/orchestra/internal/core/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type switchableAudit struct {
	*memory.AuditRepository
	mu   sync.Mutex
	fail bool
}

func (a *switchableAudit) setFail(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail = v
}

func (a *switchableAudit) SaveTokenEvent(ctx context.Context, evt domain.TokenEvent) (domain.TokenEvent, error) {
	a.mu.Lock()
	fail := a.fail
	a.mu.Unlock()
	if fail {
		return evt, errors.New("connection reset")
	}
	return a.AuditRepository.SaveTokenEvent(ctx, evt)
}

type testServer struct {
	*httptest.Server
	handler *Handler
	audit   *switchableAudit
	relay   *service.SignalingRelay
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	audit := &switchableAudit{AuditRepository: memory.NewAuditRepository()}
	relay := service.NewSignalingRelay(nil)
	go relay.Run()

	registry := service.NewTokenRegistry(audit, service.WithPublisher(notify.NewRelayPublisher(relay)))
	canvas := service.NewCanvasLog(memory.NewCanvasRepository())
	stats := service.NewStatistics(audit)

	h := NewHandler(registry, audit, canvas, stats, relay, WebSocketOptions{ICEServers: []string{"stun:stun.example:3478"}})
	srv := httptest.NewServer(h.NewRouter())
	t.Cleanup(func() {
		relay.Stop()
		srv.Close()
	})
	return &testServer{Server: srv, handler: h, audit: audit, relay: relay}
}

type apiResponse struct {
	Success bool `json:"success"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	State *domain.TokenState `json:"state"`
}

func (s *testServer) call(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func (s *testServer) api(t *testing.T, method, path string, body any) (int, apiResponse) {
	t.Helper()
	status, raw := s.call(t, method, path, body)
	var out apiResponse
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return status, out
}

func TestHandler_TokenLifecycle(t *testing.T) {
	s := newTestServer(t)

	status, res := s.api(t, http.MethodPost, "/api/meetings/1/token/assign", map[string]any{"participantId": 10})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, res.Success)
	require.NotNil(t, res.State)
	assert.True(t, res.State.IsHolder(10))

	status, _ = s.api(t, http.MethodPost, "/api/meetings/1/token/pass", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, res = s.api(t, http.MethodPost, "/api/meetings/1/token/pass", map[string]any{"nextParticipantId": 20})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, res.State.IsHolder(20))

	status, res = s.api(t, http.MethodPost, "/api/meetings/1/annotations", map[string]any{
		"participantId": 10, "annotationType": "text", "content": map[string]string{"text": "hi"},
	})
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodePermissionDenied, res.Error.Code)
	assert.Equal(t, "only the token holder may act", res.Error.Message)

	status, _ = s.api(t, http.MethodPost, "/api/meetings/1/annotations", map[string]any{
		"participantId": 20, "annotationType": "highlight", "content": map[string]string{"text": "hi"},
	})
	assert.Equal(t, http.StatusCreated, status)

	status, _ = s.api(t, http.MethodPost, "/api/meetings/1/token/release", nil)
	require.Equal(t, http.StatusOK, status)
	status, res = s.api(t, http.MethodPost, "/api/meetings/1/token/release", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, CodeInvalidState, res.Error.Code)

	status, raw := s.call(t, http.MethodGet, "/api/meetings/1/token/events", nil)
	require.Equal(t, http.StatusOK, status)
	var events []domain.TokenEvent
	require.NoError(t, json.Unmarshal(raw, &events))
	require.Len(t, events, 3)
	assert.Equal(t, domain.TokenReleased, events[2].EventType)

	status, raw = s.call(t, http.MethodGet, "/api/meetings/1/statistics?participantId=20", nil)
	require.Equal(t, http.StatusOK, status)
	var st domain.ParticipantStatistics
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, 1, st.NumberOfAnnotations)
}

func TestHandler_Phase(t *testing.T) {
	s := newTestServer(t)

	status, res := s.api(t, http.MethodPost, "/api/meetings/3/phase", map[string]string{"phase": "voting"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, CodeBadRequest, res.Error.Code)

	status, res = s.api(t, http.MethodPost, "/api/meetings/3/phase", map[string]string{"phase": "decision"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.PhaseDecision, res.State.CurrentPhase)

	status, raw := s.call(t, http.MethodGet, "/api/meetings/3/phase/events", nil)
	require.Equal(t, http.StatusOK, status)
	var phases []domain.PhaseEvent
	require.NoError(t, json.Unmarshal(raw, &phases))
	require.Len(t, phases, 1)
}

func TestHandler_TransientFailureCarriesState(t *testing.T) {
	s := newTestServer(t)
	s.audit.setFail(true)

	status, res := s.api(t, http.MethodPost, "/api/meetings/2/token/assign", map[string]any{"participantId": 5})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.False(t, res.Success)
	assert.Equal(t, CodeTransientIO, res.Error.Code)
	require.NotNil(t, res.State)
	assert.True(t, res.State.IsHolder(5))

	status, raw := s.call(t, http.MethodGet, "/api/meetings/2/token", nil)
	require.Equal(t, http.StatusOK, status)
	var state domain.TokenState
	require.NoError(t, json.Unmarshal(raw, &state))
	assert.True(t, state.IsHolder(5))
}

func TestHandler_SessionDispose(t *testing.T) {
	s := newTestServer(t)

	status, _ := s.api(t, http.MethodDelete, "/api/meetings/4/session", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = s.api(t, http.MethodPost, "/api/meetings/4/token/assign", map[string]any{"participantId": 1})
	require.Equal(t, http.StatusOK, status)
	status, _ = s.api(t, http.MethodDelete, "/api/meetings/4/session", nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = s.api(t, http.MethodGet, "/api/meetings/abc/token", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHandler_CanvasOperations(t *testing.T) {
	s := newTestServer(t)
	status, _ := s.api(t, http.MethodPost, "/api/meetings/5/token/assign", map[string]any{"participantId": 1})
	require.Equal(t, http.StatusOK, status)

	op := domain.CanvasOperation{
		ID: "1-100-a", ParticipantID: 1, Type: domain.OpDraw, Timestamp: 100,
		Data: domain.OperationData{X: domain.Float(1), Y: domain.Float(1)},
	}
	status, raw := s.call(t, http.MethodPost, "/api/meetings/5/canvas/operations", op)
	require.Equal(t, http.StatusCreated, status, string(raw))
	var created struct {
		Operation domain.CanvasOperation `json:"operation"`
	}
	require.NoError(t, json.Unmarshal(raw, &created))
	assert.Equal(t, int64(1), created.Operation.SequenceNumber)
	assert.Equal(t, domain.MeetingID(5), created.Operation.MeetingID)

	status, res := s.api(t, http.MethodPost, "/api/meetings/5/canvas/operations", op)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, CodeAlreadyExists, res.Error.Code)

	bad := op
	bad.ID, bad.Type = "1-101-b", "smudge"
	status, _ = s.api(t, http.MethodPost, "/api/meetings/5/canvas/operations", bad)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.api(t, http.MethodPost, "/api/meetings/5/token/pass", map[string]any{"nextParticipantId": 2})
	require.Equal(t, http.StatusOK, status)
	second := op
	second.ID, second.ParticipantID, second.Timestamp = "2-200-c", 2, 200
	status, _ = s.call(t, http.MethodPost, "/api/meetings/5/canvas/operations", second)
	require.Equal(t, http.StatusCreated, status)

	list := func(query string) []domain.CanvasOperation {
		status, raw := s.call(t, http.MethodGet, "/api/meetings/5/canvas/operations"+query, nil)
		require.Equal(t, http.StatusOK, status, string(raw))
		var ops []domain.CanvasOperation
		require.NoError(t, json.Unmarshal(raw, &ops))
		return ops
	}
	assert.Len(t, list(""), 2)
	assert.Len(t, list("?since=150"), 1)
	assert.Len(t, list("?participantId=2"), 1)
	assert.Len(t, list("?from=0&to=100"), 1)

	status, _ = s.call(t, http.MethodGet, "/api/meetings/5/canvas/operations?from=300&to=100", nil)
	assert.Equal(t, http.StatusConflict, status)
	status, _ = s.call(t, http.MethodGet, "/api/meetings/5/canvas/operations?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, raw = s.call(t, http.MethodGet, "/api/meetings/5/canvas/export", nil)
	require.Equal(t, http.StatusOK, status)
	var export domain.CanvasExport
	require.NoError(t, json.Unmarshal(raw, &export))
	assert.Equal(t, 2, export.TotalOperations)

	status, raw = s.call(t, http.MethodGet, "/api/meetings/5/canvas/reconstruct", nil)
	require.Equal(t, http.StatusOK, status)
	var rec domain.CanvasReconstruction
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, 2, rec.TotalOperations)
}

func TestHandler_CanvasOperationNeedsTokenHolder(t *testing.T) {
	s := newTestServer(t)
	op := domain.CanvasOperation{
		ID: "3-100-a", ParticipantID: 3, Type: domain.OpDraw, Timestamp: 100,
		Data: domain.OperationData{X: domain.Float(1), Y: domain.Float(1)},
	}

	// nobody holds the token yet
	status, res := s.api(t, http.MethodPost, "/api/meetings/6/canvas/operations", op)
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodePermissionDenied, res.Error.Code)

	status, _ = s.api(t, http.MethodPost, "/api/meetings/6/token/assign", map[string]any{"participantId": 4})
	require.Equal(t, http.StatusOK, status)
	status, res = s.api(t, http.MethodPost, "/api/meetings/6/canvas/operations", op)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "only the token holder may act", res.Error.Message)

	status, raw := s.call(t, http.MethodGet, "/api/meetings/6/canvas/operations", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `[]`, string(raw))
}

type brokenStates struct{}

func (brokenStates) TokenState(ctx context.Context, meetingID domain.MeetingID) (domain.TokenState, error) {
	return domain.TokenState{}, fmt.Errorf("%w: state store down", domain.ErrTransientIO)
}

func TestHandler_TokenStateReadFailure(t *testing.T) {
	s := newTestServer(t)
	s.handler.States = brokenStates{}

	status, res := s.api(t, http.MethodGet, "/api/meetings/1/token", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeTransientIO, res.Error.Code)

	op := domain.CanvasOperation{ID: "1-1-a", ParticipantID: 1, Type: domain.OpClear, Timestamp: 1}
	status, _ = s.api(t, http.MethodPost, "/api/meetings/1/canvas/operations", op)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestHandler_HealthAndStats(t *testing.T) {
	s := newTestServer(t)

	status, raw := s.call(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(raw))

	status, raw = s.call(t, http.MethodGet, "/api/signaling/stats", nil)
	require.Equal(t, http.StatusOK, status)
	var stats domain.RelayStats
	require.NoError(t, json.Unmarshal(raw, &stats))
	assert.Zero(t, stats.ActiveRooms)

	status, raw = s.call(t, http.MethodGet, "/api/signaling/ice-servers", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"iceServers":[{"urls":["stun:stun.example:3478"]}]}`, string(raw))
}
