package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	id     string
	mu     sync.Mutex
	events []domain.Event
	closed bool
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id}
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Send(evt domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client %s closed", c.id)
	}
	c.events = append(c.events, evt)
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) received(name string) []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Event
	for _, e := range c.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func startRelay(t *testing.T) *SignalingRelay {
	t.Helper()
	r := NewSignalingRelay(nil)
	go r.Run()
	t.Cleanup(r.Stop)
	return r
}

func decode[T any](t *testing.T, evt domain.Event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(evt.Data, &v))
	return v
}

func TestSignalingRelay_JoinIntroducesPeers(t *testing.T) {
	r := startRelay(t)
	a, b, c := newFakeClient("a"), newFakeClient("b"), newFakeClient("c")

	others, err := r.Join(a, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, others)

	others, err = r.Join(b, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, []domain.ParticipantID{10}, others)

	others, err = r.Join(c, 1, 30)
	require.NoError(t, err)
	assert.Equal(t, []domain.ParticipantID{10, 20}, others)

	current := c.received(domain.EventCurrentParticipants)
	require.Len(t, current, 1)
	assert.Equal(t, []domain.ParticipantID{10, 20}, decode[domain.CurrentParticipants](t, current[0]).Participants)

	joined := a.received(domain.EventParticipantJoined)
	require.Len(t, joined, 2)
	last := decode[domain.MembershipChange](t, joined[1])
	assert.Equal(t, domain.ParticipantID(30), last.ParticipantID)
	assert.Equal(t, 3, last.TotalParticipants)

	assert.Empty(t, c.received(domain.EventParticipantJoined))
}

func TestSignalingRelay_RelayGoesToTargetOnly(t *testing.T) {
	r := startRelay(t)
	a, b, c := newFakeClient("a"), newFakeClient("b"), newFakeClient("c")
	_, _ = r.Join(a, 1, 10)
	_, _ = r.Join(b, 1, 20)
	_, _ = r.Join(c, 1, 30)

	msg := domain.SignalMessage{
		Type:      domain.SignalOffer,
		From:      10,
		To:        20,
		MeetingID: 1,
		Data:      json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}
	require.NoError(t, r.Relay(a, msg))
	_, err := r.Peers(1) // barrier
	require.NoError(t, err)

	got := b.received(domain.EventWebRTCOffer)
	require.Len(t, got, 1)
	forwarded := decode[domain.SignalMessage](t, got[0])
	assert.Equal(t, msg.From, forwarded.From)
	assert.Equal(t, msg.To, forwarded.To)
	assert.JSONEq(t, string(msg.Data), string(forwarded.Data))

	assert.Empty(t, a.received(domain.EventWebRTCOffer))
	assert.Empty(t, c.received(domain.EventWebRTCOffer))
}

func TestSignalingRelay_RelayToUnknownTargetIsDropped(t *testing.T) {
	r := startRelay(t)
	a, b := newFakeClient("a"), newFakeClient("b")
	_, _ = r.Join(a, 1, 10)
	_, _ = r.Join(b, 2, 20)

	// target exists but in another meeting
	require.NoError(t, r.Relay(a, domain.SignalMessage{Type: domain.SignalCandidate, From: 10, To: 20, MeetingID: 1}))
	require.NoError(t, r.Relay(a, domain.SignalMessage{Type: domain.SignalAnswer, From: 10, To: 99, MeetingID: 1}))
	_, err := r.Peers(1)
	require.NoError(t, err)

	assert.Empty(t, b.received(domain.EventICECandidate))
	assert.Empty(t, b.received(domain.EventWebRTCAnswer))
}

func TestSignalingRelay_LeaveNotifiesAndCollectsRoom(t *testing.T) {
	r := startRelay(t)
	a, b := newFakeClient("a"), newFakeClient("b")
	_, _ = r.Join(a, 1, 10)
	_, _ = r.Join(b, 1, 20)

	require.NoError(t, r.Leave(b, 1))
	peers, err := r.Peers(1)
	require.NoError(t, err)
	assert.Equal(t, []domain.ParticipantID{10}, peers)

	left := a.received(domain.EventParticipantLeft)
	require.Len(t, left, 1)
	change := decode[domain.MembershipChange](t, left[0])
	assert.Equal(t, domain.ParticipantID(20), change.ParticipantID)
	assert.Equal(t, 1, change.TotalParticipants)

	require.NoError(t, r.Leave(a, 1))
	stats, err := r.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.ActiveRooms)
	assert.Empty(t, stats.RoomDetails)
}

func TestSignalingRelay_DisconnectLeavesEveryRoom(t *testing.T) {
	r := startRelay(t)
	multi, x, y := newFakeClient("m"), newFakeClient("x"), newFakeClient("y")
	_, _ = r.Join(multi, 1, 10)
	_, _ = r.Join(multi, 2, 10)
	_, _ = r.Join(x, 1, 20)
	_, _ = r.Join(y, 2, 30)

	require.NoError(t, r.Disconnect(multi))

	stats, err := r.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ActiveRooms)
	assert.Equal(t, 2, stats.TotalParticipants)

	assert.Len(t, x.received(domain.EventParticipantLeft), 1)
	assert.Len(t, y.received(domain.EventParticipantLeft), 1)
}

func TestSignalingRelay_RejoinReplacesSocket(t *testing.T) {
	r := startRelay(t)
	oldConn, newConn, other := newFakeClient("old"), newFakeClient("new"), newFakeClient("o")
	_, _ = r.Join(oldConn, 1, 10)
	_, _ = r.Join(other, 1, 20)
	_, _ = r.Join(newConn, 1, 10)

	require.NoError(t, r.Relay(other, domain.SignalMessage{Type: domain.SignalOffer, From: 20, To: 10, MeetingID: 1}))
	// the stale socket no longer owns the seat
	require.NoError(t, r.Disconnect(oldConn))

	peers, err := r.Peers(1)
	require.NoError(t, err)
	assert.Equal(t, []domain.ParticipantID{10, 20}, peers)
	assert.Len(t, newConn.received(domain.EventWebRTCOffer), 1)
	assert.Empty(t, oldConn.received(domain.EventWebRTCOffer))
}

func (c *fakeClient) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Name
	}
	return out
}

func TestSignalingRelay_RejoinAnnouncesLeaveFirst(t *testing.T) {
	r := startRelay(t)
	oldConn, newConn, other := newFakeClient("old"), newFakeClient("new"), newFakeClient("o")
	_, _ = r.Join(other, 1, 20)
	_, _ = r.Join(oldConn, 1, 10)
	_, _ = r.Join(newConn, 1, 10)

	assert.Equal(t, []string{
		domain.EventCurrentParticipants,
		domain.EventParticipantJoined,
		domain.EventParticipantLeft,
		domain.EventParticipantJoined,
	}, other.names())
	left := decode[domain.MembershipChange](t, other.received(domain.EventParticipantLeft)[0])
	assert.Equal(t, domain.ParticipantID(10), left.ParticipantID)
	assert.Equal(t, 1, left.TotalParticipants)

	assert.Empty(t, oldConn.received(domain.EventParticipantLeft))
	assert.Empty(t, newConn.received(domain.EventParticipantLeft))

	// a socket that changes seats frees the old one
	_, _ = r.Join(newConn, 1, 11)
	lefts := other.received(domain.EventParticipantLeft)
	require.Len(t, lefts, 2)
	assert.Equal(t, domain.ParticipantID(10), decode[domain.MembershipChange](t, lefts[1]).ParticipantID)
	peers, err := r.Peers(1)
	require.NoError(t, err)
	assert.Equal(t, []domain.ParticipantID{11, 20}, peers)
}

func TestSignalingRelay_StatsAndDirectSends(t *testing.T) {
	r := startRelay(t)
	a, b, c := newFakeClient("a"), newFakeClient("b"), newFakeClient("c")
	_, _ = r.Join(a, 1, 10)
	_, _ = r.Join(b, 1, 20)
	_, _ = r.Join(c, 5, 30)

	stats, err := r.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ActiveRooms)
	assert.Equal(t, 3, stats.TotalParticipants)
	assert.Equal(t, []domain.RoomDetail{{MeetingID: 1, ParticipantCount: 2}, {MeetingID: 5, ParticipantCount: 1}}, stats.RoomDetails)

	evt := mustEvent(domain.EventTokenState, domain.TokenStateChange{MeetingID: 1})
	require.NoError(t, r.BroadcastToMeeting(1, evt))
	assert.Len(t, a.received(domain.EventTokenState), 1)
	assert.Len(t, b.received(domain.EventTokenState), 1)
	assert.Empty(t, c.received(domain.EventTokenState))

	require.NoError(t, r.SendToParticipant(5, 30, evt))
	assert.Len(t, c.received(domain.EventTokenState), 1)

	assert.ErrorIs(t, r.SendToParticipant(5, 99, evt), domain.ErrNotFound)
	assert.ErrorIs(t, r.BroadcastToMeeting(42, evt), domain.ErrNotFound)
}

func TestSignalingRelay_PublishesPresence(t *testing.T) {
	pub := &presenceRecorder{}
	r := NewSignalingRelay(pub)
	go r.Run()
	t.Cleanup(r.Stop)

	a := newFakeClient("a")
	_, _ = r.Join(a, 1, 10)
	require.NoError(t, r.Leave(a, 1))

	assert.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
	kinds := map[domain.PresenceKind]bool{}
	for _, e := range pub.snapshot() {
		kinds[e.Kind] = true
	}
	assert.True(t, kinds[domain.PresenceJoined])
	assert.True(t, kinds[domain.PresenceLeft])
}

func TestSignalingRelay_StopClosesClients(t *testing.T) {
	r := NewSignalingRelay(nil)
	go r.Run()
	a := newFakeClient("a")
	_, _ = r.Join(a, 1, 10)

	r.Stop()
	assert.True(t, a.isClosed())
	_, err := r.Join(a, 1, 10)
	assert.ErrorIs(t, err, ErrRelayStopped)
}

type presenceRecorder struct {
	recordingPublisher
	pmu    sync.Mutex
	events []domain.PresenceEvent
}

func (p *presenceRecorder) PublishPresence(ctx context.Context, evt domain.PresenceEvent) error {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *presenceRecorder) snapshot() []domain.PresenceEvent {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	return append([]domain.PresenceEvent(nil), p.events...)
}
