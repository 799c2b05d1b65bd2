package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	gatewayws "github.com/Wyydra/orchestra/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wsURL(s *testServer) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

func dial(t *testing.T, s *testServer) *gatewayws.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := gatewayws.Dial(ctx, wsURL(s), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// next skips events until one named name arrives.
func next(t *testing.T, c *gatewayws.Client, name string) domain.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-c.Events():
			require.True(t, ok, "connection closed waiting for %s", name)
			if evt.Name == name {
				return evt
			}
		case <-timeout:
			t.Fatalf("no %s event", name)
		}
	}
}

func payload[T any](t *testing.T, evt domain.Event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(evt.Data, &v))
	return v
}

func TestServeWS_JoinSignalLeave(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	alice, bob := dial(t, s), dial(t, s)

	require.NoError(t, alice.Join(ctx, 1, 10))
	intro := payload[domain.CurrentParticipants](t, next(t, alice, domain.EventCurrentParticipants))
	assert.Empty(t, intro.Participants)

	require.NoError(t, bob.Join(ctx, 1, 20))
	intro = payload[domain.CurrentParticipants](t, next(t, bob, domain.EventCurrentParticipants))
	assert.Equal(t, []domain.ParticipantID{10}, intro.Participants)
	joined := payload[domain.MembershipChange](t, next(t, alice, domain.EventParticipantJoined))
	assert.Equal(t, domain.MembershipChange{ParticipantID: 20, TotalParticipants: 2}, joined)

	require.NoError(t, bob.Signal(ctx, domain.SignalMessage{
		Type: domain.SignalOffer, From: 20, To: 10, MeetingID: 1,
		Data: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}))
	offer := payload[domain.SignalMessage](t, next(t, alice, domain.EventWebRTCOffer))
	assert.Equal(t, domain.ParticipantID(20), offer.From)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(offer.Data))

	require.NoError(t, alice.RequestPeers(ctx, 1))
	peers := payload[domain.PeersList](t, next(t, alice, domain.EventPeersList))
	assert.Equal(t, []domain.ParticipantID{10, 20}, peers.Peers)

	status, _ := s.api(t, http.MethodPost, "/api/meetings/1/token/assign", map[string]any{"participantId": 20})
	require.Equal(t, http.StatusOK, status)
	change := payload[domain.TokenStateChange](t, next(t, bob, domain.EventTokenState))
	assert.True(t, change.State.IsHolder(20))
	next(t, alice, domain.EventTokenState)

	require.NoError(t, bob.Close())
	left := payload[domain.MembershipChange](t, next(t, alice, domain.EventParticipantLeft))
	assert.Equal(t, domain.MembershipChange{ParticipantID: 20, TotalParticipants: 1}, left)

	require.Eventually(t, func() bool {
		stats, err := s.relay.Stats()
		return err == nil && stats.TotalParticipants == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServeWS_RejectsBadEvents(t *testing.T) {
	s := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(s), nil)
	require.NoError(t, err)
	defer conn.Close()

	for _, frame := range []string{
		`{"event":"dance"}`,
		`{"event":"join-meeting","data":{"meetingId":0,"participantId":1}}`,
		`{"event":"webrtc-answer","data":"nope"}`,
	} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		var evt domain.Event
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, conn.ReadJSON(&evt))
		assert.Equal(t, domain.EventError, evt.Name, frame)
	}
}
