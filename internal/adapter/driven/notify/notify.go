package notify

import (
	"context"
	"errors"

	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/Wyydra/orchestra/internal/core/port"
)

// Broadcaster is the slice of the signaling relay the token publisher
// needs.
type Broadcaster interface {
	BroadcastToMeeting(meetingID domain.MeetingID, evt domain.Event) error
}

// RelayPublisher pushes token state changes to every socket in the
// meeting as token-state events. Presence is already the relay's own.
type RelayPublisher struct {
	relay Broadcaster
}

func NewRelayPublisher(relay Broadcaster) *RelayPublisher {
	return &RelayPublisher{relay: relay}
}

func (p *RelayPublisher) PublishPresence(ctx context.Context, evt domain.PresenceEvent) error {
	return nil
}

// PublishTokenState ignores meetings nobody is connected to.
func (p *RelayPublisher) PublishTokenState(ctx context.Context, meetingID domain.MeetingID, state domain.TokenState) error {
	evt, err := domain.NewEvent(domain.EventTokenState, domain.TokenStateChange{MeetingID: meetingID, State: state})
	if err != nil {
		return err
	}
	if err := p.relay.BroadcastToMeeting(meetingID, evt); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []port.EventPublisher

func (f Fanout) PublishPresence(ctx context.Context, evt domain.PresenceEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishPresence(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) PublishTokenState(ctx context.Context, meetingID domain.MeetingID, state domain.TokenState) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishTokenState(ctx, meetingID, state); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
