package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Wyydra/orchestra/internal/core/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(t *testing.T) (*Publisher, *goredis.Client) {
	t.Helper()
	addr := os.Getenv("ORCHESTRA_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ORCHESTRA_TEST_REDIS_ADDR not set")
	}
	client := NewClient(addr, "", 0)
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return NewPublisher(client, time.Minute), client
}

func TestPublisher_Presence(t *testing.T) {
	ctx := context.Background()
	p, client := newTestPublisher(t)
	m := domain.MeetingID(time.Now().UnixNano())
	t.Cleanup(func() { client.Del(ctx, participantsKey(m)) })

	require.NoError(t, p.PublishPresence(ctx, domain.PresenceEvent{MeetingID: m, ParticipantID: 1, Kind: domain.PresenceJoined, Total: 1}))
	require.NoError(t, p.PublishPresence(ctx, domain.PresenceEvent{MeetingID: m, ParticipantID: 2, Kind: domain.PresenceJoined, Total: 2}))
	require.NoError(t, p.PublishPresence(ctx, domain.PresenceEvent{MeetingID: m, ParticipantID: 1, Kind: domain.PresenceLeft, Total: 1}))

	members, err := p.Participants(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, []domain.ParticipantID{2}, members)

	ttl, err := client.TTL(ctx, participantsKey(m)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestPublisher_TokenState(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, client := newTestPublisher(t)
	m := domain.MeetingID(time.Now().UnixNano())
	t.Cleanup(func() { client.Del(context.Background(), tokenKey(m)) })

	_, err := p.TokenState(ctx, m)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	updates, err := p.SubscribeTokenState(ctx, m)
	require.NoError(t, err)

	holder := domain.ParticipantID(7)
	state := domain.TokenState{TokenHolderID: &holder, CurrentPhase: domain.PhaseClarification, PhaseStartTime: 5, TokenStartTime: 6}
	require.NoError(t, p.PublishTokenState(ctx, m, state))

	select {
	case got := <-updates:
		assert.Equal(t, state, got)
	case <-ctx.Done():
		t.Fatal("no token state received")
	}

	stored, err := p.TokenState(ctx, m)
	require.NoError(t, err)
	assert.Equal(t, state, stored)
}
