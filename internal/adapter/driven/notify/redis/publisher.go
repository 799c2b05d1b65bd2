package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Wyydra/orchestra/internal/core/domain"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const keyPrefix = "orchestra"

func NewClient(addr, password string, db int) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Publisher mirrors room membership and token state into redis so other
// processes can read them. Keys expire after ttl unless refreshed.
type Publisher struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewPublisher(client *goredis.Client, ttl time.Duration) *Publisher {
	return &Publisher{client: client, ttl: ttl}
}

func participantsKey(meetingID domain.MeetingID) string {
	return fmt.Sprintf("%s:meeting:%d:participants", keyPrefix, meetingID)
}

func tokenKey(meetingID domain.MeetingID) string {
	return fmt.Sprintf("%s:meeting:%d:token", keyPrefix, meetingID)
}

func PresenceChannel(meetingID domain.MeetingID) string {
	return fmt.Sprintf("%s:presence:%d", keyPrefix, meetingID)
}

func TokenChannel(meetingID domain.MeetingID) string {
	return fmt.Sprintf("%s:token:%d", keyPrefix, meetingID)
}

func (p *Publisher) PublishPresence(ctx context.Context, evt domain.PresenceEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	key := participantsKey(evt.MeetingID)
	member := evt.ParticipantID.String()

	_, err = p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		switch evt.Kind {
		case domain.PresenceJoined:
			pipe.SAdd(ctx, key, member)
			pipe.Expire(ctx, key, p.ttl)
		case domain.PresenceLeft:
			pipe.SRem(ctx, key, member)
		}
		pipe.Publish(ctx, PresenceChannel(evt.MeetingID), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

func (p *Publisher) PublishTokenState(ctx context.Context, meetingID domain.MeetingID, state domain.TokenState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, tokenKey(meetingID), payload, p.ttl)
		pipe.Publish(ctx, TokenChannel(meetingID), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish token state: %w", err)
	}
	return nil
}

// Participants returns the mirrored membership of a meeting.
func (p *Publisher) Participants(ctx context.Context, meetingID domain.MeetingID) ([]domain.ParticipantID, error) {
	members, err := p.client.SMembers(ctx, participantsKey(meetingID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.ParticipantID, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			log.Warn().Str("member", m).Msg("Skipping malformed presence entry")
			continue
		}
		out = append(out, domain.ParticipantID(id))
	}
	return out, nil
}

// TokenState returns the last mirrored state of a meeting.
func (p *Publisher) TokenState(ctx context.Context, meetingID domain.MeetingID) (domain.TokenState, error) {
	val, err := p.client.Get(ctx, tokenKey(meetingID)).Result()
	if errors.Is(err, goredis.Nil) {
		return domain.TokenState{}, fmt.Errorf("token state for meeting %d: %w", meetingID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.TokenState{}, err
	}
	var state domain.TokenState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return domain.TokenState{}, err
	}
	return state, nil
}

// SubscribeTokenState decodes token channel messages until ctx is done.
func (p *Publisher) SubscribeTokenState(ctx context.Context, meetingID domain.MeetingID) (<-chan domain.TokenState, error) {
	sub := p.client.Subscribe(ctx, TokenChannel(meetingID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan domain.TokenState, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var state domain.TokenState
				if err := json.Unmarshal([]byte(msg.Payload), &state); err != nil {
					log.Warn().Err(err).Str("channel", msg.Channel).Msg("Malformed token state message")
					continue
				}
				select {
				case out <- state:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
