package rpc

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gatewayws "github.com/Wyydra/orchestra/internal/adapter/driven/gateway/ws"
	peermem "github.com/Wyydra/orchestra/internal/adapter/driven/peer/memory"
	"github.com/Wyydra/orchestra/internal/adapter/driven/persistence/memory"
	httpadapter "github.com/Wyydra/orchestra/internal/adapter/driving/http"
	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/Wyydra/orchestra/internal/core/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rig struct {
	srv      *httptest.Server
	registry *service.TokenRegistry
}

func newRig(t *testing.T) *rig {
	t.Helper()
	audit := memory.NewAuditRepository()
	relay := service.NewSignalingRelay(nil)
	go relay.Run()
	registry := service.NewTokenRegistry(audit)
	h := httpadapter.NewHandler(registry, audit, service.NewCanvasLog(memory.NewCanvasRepository()), service.NewStatistics(audit), relay, httpadapter.WebSocketOptions{})
	srv := httptest.NewServer(h.NewRouter())
	t.Cleanup(func() {
		relay.Stop()
		srv.Close()
	})
	return &rig{srv: srv, registry: registry}
}

func TestClient_TokenStateAndOperations(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	c := NewClient(r.srv.URL + "/")

	state, err := c.TokenState(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, state.TokenHolderID)
	assert.Equal(t, domain.PhaseNone, state.CurrentPhase)

	require.NoError(t, r.registry.GetOrCreate(1).AssignToken(ctx, 3))
	state, err = c.TokenState(ctx, 1)
	require.NoError(t, err)
	assert.True(t, state.IsHolder(3))

	op := domain.CanvasOperation{ID: "3-1-x", MeetingID: 1, ParticipantID: 3, Type: domain.OpText, Timestamp: 1,
		Data: domain.OperationData{Text: "hello", X: domain.Float(0), Y: domain.Float(0)}}
	saved, err := c.SaveOperation(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.SequenceNumber)

	_, err = c.SaveOperation(ctx, op)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	ops, err := c.ListOperations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "hello", ops[0].Data.Text)

	urls, err := c.ICEServers(ctx)
	require.NoError(t, err)
	assert.Empty(t, urls)
}

func TestClient_UnreachableIsTransient(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	_, err := c.TokenState(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrTransientIO)
}

func TestCanvasSession_OverRelayAndRPC(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	mesh := peermem.NewMesh()
	wsURL := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"

	start := func(id domain.ParticipantID) *service.CanvasSession {
		sig, err := gatewayws.Dial(ctx, wsURL, nil)
		require.NoError(t, err)
		rpc := NewClient(r.srv.URL)
		s := service.NewCanvasSession(service.CanvasSessionConfig{MeetingID: 7, ParticipantID: id}, sig, mesh.Transport(id), rpc, rpc)
		require.NoError(t, s.Start(ctx))
		t.Cleanup(func() { _ = s.Close() })
		return s
	}
	count := func(s *service.CanvasSession) int {
		ops, err := s.Sync().Operations(ctx)
		require.NoError(t, err)
		return len(ops)
	}

	require.NoError(t, r.registry.GetOrCreate(7).AssignToken(ctx, 1))
	alice := start(1)
	bob := start(2)

	require.Eventually(t, func() bool {
		peers, err := bob.Sync().Peers(ctx)
		return err == nil && len(peers) == 1 && peers[0].State == service.LinkOpen
	}, 3*time.Second, 10*time.Millisecond)

	_, err := alice.Submit(ctx, domain.OperationDraft{Type: domain.OpDraw, Data: domain.OperationData{X: domain.Float(4), Y: domain.Float(4)}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return count(bob) == 1 }, 3*time.Second, 10*time.Millisecond)

	_, err = bob.Submit(ctx, domain.OperationDraft{Type: domain.OpDraw})
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)

	// a third participant restores from the server before meeting anyone
	carol := start(3)
	assert.Equal(t, 1, count(carol))
}
