package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/Wyydra/orchestra/internal/core/port"
	"github.com/rs/zerolog/log"
)

var ErrRelayStopped = errors.New("signaling relay stopped")

type joinCmd struct {
	client        port.Client
	meetingID     domain.MeetingID
	participantID domain.ParticipantID
	reply         chan []domain.ParticipantID
}

type leaveCmd struct {
	client    port.Client
	meetingID domain.MeetingID
}

type relayCmd struct {
	from port.Client
	msg  domain.SignalMessage
}

type sendCmd struct {
	meetingID domain.MeetingID
	// zero means every member
	to    domain.ParticipantID
	evt   domain.Event
	reply chan error
}

// SignalingRelay routes signaling events between members of a meeting
// room. All room state is owned by the Run loop.
type SignalingRelay struct {
	rooms       map[domain.MeetingID]map[domain.ParticipantID]port.Client
	memberships map[port.Client]map[domain.MeetingID]domain.ParticipantID
	publisher   port.EventPublisher
	now         func() time.Time

	join       chan joinCmd
	leave      chan leaveCmd
	disconnect chan port.Client
	relay      chan relayCmd
	send       chan sendCmd
	inspect    chan func()
	quit       chan struct{}
	done       chan struct{}
}

func NewSignalingRelay(publisher port.EventPublisher) *SignalingRelay {
	return &SignalingRelay{
		rooms:       make(map[domain.MeetingID]map[domain.ParticipantID]port.Client),
		memberships: make(map[port.Client]map[domain.MeetingID]domain.ParticipantID),
		publisher:   publisher,
		now:         time.Now,
		join:        make(chan joinCmd),
		leave:       make(chan leaveCmd),
		disconnect:  make(chan port.Client),
		relay:       make(chan relayCmd),
		send:        make(chan sendCmd),
		inspect:     make(chan func()),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Join registers the client as participantID in the meeting and returns
// the members that were already present.
func (s *SignalingRelay) Join(client port.Client, meetingID domain.MeetingID, participantID domain.ParticipantID) ([]domain.ParticipantID, error) {
	reply := make(chan []domain.ParticipantID, 1)
	if err := post(s, s.join, joinCmd{client: client, meetingID: meetingID, participantID: participantID, reply: reply}); err != nil {
		return nil, err
	}
	return <-reply, nil
}

func (s *SignalingRelay) Leave(client port.Client, meetingID domain.MeetingID) error {
	return post(s, s.leave, leaveCmd{client: client, meetingID: meetingID})
}

// Disconnect removes the client from every room it joined.
func (s *SignalingRelay) Disconnect(client port.Client) error {
	return post(s, s.disconnect, client)
}

// Relay forwards an offer, answer or candidate to msg.To. Unknown targets
// are dropped.
func (s *SignalingRelay) Relay(from port.Client, msg domain.SignalMessage) error {
	return post(s, s.relay, relayCmd{from: from, msg: msg})
}

func (s *SignalingRelay) BroadcastToMeeting(meetingID domain.MeetingID, evt domain.Event) error {
	reply := make(chan error, 1)
	if err := post(s, s.send, sendCmd{meetingID: meetingID, evt: evt, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

func (s *SignalingRelay) SendToParticipant(meetingID domain.MeetingID, participantID domain.ParticipantID, evt domain.Event) error {
	reply := make(chan error, 1)
	if err := post(s, s.send, sendCmd{meetingID: meetingID, to: participantID, evt: evt, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

func (s *SignalingRelay) Peers(meetingID domain.MeetingID) ([]domain.ParticipantID, error) {
	var peers []domain.ParticipantID
	err := s.query(func() {
		peers = s.members(meetingID, 0)
	})
	return peers, err
}

func (s *SignalingRelay) Stats() (domain.RelayStats, error) {
	var stats domain.RelayStats
	err := s.query(func() {
		stats.RoomDetails = make([]domain.RoomDetail, 0, len(s.rooms))
		for id, room := range s.rooms {
			stats.ActiveRooms++
			stats.TotalParticipants += len(room)
			stats.RoomDetails = append(stats.RoomDetails, domain.RoomDetail{MeetingID: id, ParticipantCount: len(room)})
		}
		sort.Slice(stats.RoomDetails, func(i, j int) bool {
			return stats.RoomDetails[i].MeetingID < stats.RoomDetails[j].MeetingID
		})
	})
	return stats, err
}

func (s *SignalingRelay) Stop() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	<-s.done
}

func (s *SignalingRelay) Run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			log.Info().Int("rooms", len(s.rooms)).Msg("Stopping signaling relay")
			for client := range s.memberships {
				if err := client.Close(); err != nil {
					log.Error().Err(err).Str("client_id", client.ID()).Msg("Error closing client connection")
				}
			}
			s.rooms = make(map[domain.MeetingID]map[domain.ParticipantID]port.Client)
			s.memberships = make(map[port.Client]map[domain.MeetingID]domain.ParticipantID)
			return

		case cmd := <-s.join:
			cmd.reply <- s.handleJoin(cmd)

		case cmd := <-s.leave:
			s.handleLeave(cmd.client, cmd.meetingID)

		case client := <-s.disconnect:
			for meetingID := range s.memberships[client] {
				s.handleLeave(client, meetingID)
			}

		case cmd := <-s.relay:
			s.handleRelay(cmd)

		case cmd := <-s.send:
			cmd.reply <- s.handleSend(cmd)

		case fn := <-s.inspect:
			fn()
		}
	}
}

func (s *SignalingRelay) handleJoin(cmd joinCmd) []domain.ParticipantID {
	room, ok := s.rooms[cmd.meetingID]
	if !ok {
		room = make(map[domain.ParticipantID]port.Client)
		s.rooms[cmd.meetingID] = room
	}

	// a participant reconnecting on a new socket replaces the old one; the
	// room sees the old seat leave before the new one joins
	if prev, ok := room[cmd.participantID]; ok && prev != cmd.client {
		s.forget(prev, cmd.meetingID)
		log.Info().
			Str("meeting_id", cmd.meetingID.String()).
			Str("participant_id", cmd.participantID.String()).
			Str("client_id", prev.ID()).
			Msg("Participant socket replaced")
		s.announceLeft(cmd.meetingID, cmd.participantID)
	}
	if prevID, ok := s.memberships[cmd.client][cmd.meetingID]; ok && prevID != cmd.participantID {
		delete(room, prevID)
		s.announceLeft(cmd.meetingID, prevID)
	}

	room[cmd.participantID] = cmd.client
	if s.memberships[cmd.client] == nil {
		s.memberships[cmd.client] = make(map[domain.MeetingID]domain.ParticipantID)
	}
	s.memberships[cmd.client][cmd.meetingID] = cmd.participantID

	total := len(room)
	log.Info().
		Str("meeting_id", cmd.meetingID.String()).
		Str("participant_id", cmd.participantID.String()).
		Str("client_id", cmd.client.ID()).
		Int("total", total).
		Msg("Participant joined meeting")

	joined := mustEvent(domain.EventParticipantJoined, domain.MembershipChange{ParticipantID: cmd.participantID, TotalParticipants: total})
	s.fanout(cmd.meetingID, cmd.participantID, joined)

	others := s.members(cmd.meetingID, cmd.participantID)
	s.deliver(cmd.client, mustEvent(domain.EventCurrentParticipants, domain.CurrentParticipants{Participants: others}))

	s.publishPresence(domain.PresenceEvent{MeetingID: cmd.meetingID, ParticipantID: cmd.participantID, Kind: domain.PresenceJoined, Total: total})
	return others
}

func (s *SignalingRelay) handleLeave(client port.Client, meetingID domain.MeetingID) {
	participantID, ok := s.memberships[client][meetingID]
	if !ok {
		return
	}
	s.forget(client, meetingID)

	total := len(s.rooms[meetingID])
	log.Info().
		Str("meeting_id", meetingID.String()).
		Str("participant_id", participantID.String()).
		Int("total", total).
		Msg("Participant left meeting")

	if total == 0 {
		delete(s.rooms, meetingID)
		log.Debug().Str("meeting_id", meetingID.String()).Msg("Empty room removed")
	}
	s.announceLeft(meetingID, participantID)
}

// announceLeft tells the rest of the room that participantID is gone.
func (s *SignalingRelay) announceLeft(meetingID domain.MeetingID, participantID domain.ParticipantID) {
	total := len(s.rooms[meetingID])
	left := mustEvent(domain.EventParticipantLeft, domain.MembershipChange{ParticipantID: participantID, TotalParticipants: total})
	s.fanout(meetingID, participantID, left)
	s.publishPresence(domain.PresenceEvent{MeetingID: meetingID, ParticipantID: participantID, Kind: domain.PresenceLeft, Total: total})
}

// forget drops one membership without notifying anyone.
func (s *SignalingRelay) forget(client port.Client, meetingID domain.MeetingID) {
	participantID, ok := s.memberships[client][meetingID]
	if !ok {
		return
	}
	delete(s.memberships[client], meetingID)
	if len(s.memberships[client]) == 0 {
		delete(s.memberships, client)
	}
	if room, ok := s.rooms[meetingID]; ok && room[participantID] == client {
		delete(room, participantID)
	}
}

func (s *SignalingRelay) handleRelay(cmd relayCmd) {
	l := log.With().
		Str("meeting_id", cmd.msg.MeetingID.String()).
		Str("from", cmd.msg.From.String()).
		Str("to", cmd.msg.To.String()).
		Str("type", string(cmd.msg.Type)).
		Logger()

	target, ok := s.rooms[cmd.msg.MeetingID][cmd.msg.To]
	if !ok {
		l.Debug().Msg("Dropping signal for unknown target")
		return
	}
	evt, err := domain.NewEvent(cmd.msg.Type.Event(), cmd.msg)
	if err != nil {
		l.Error().Err(err).Msg("Failed to encode signal")
		return
	}
	l.Debug().Msg("Relaying signal")
	s.deliver(target, evt)
}

func (s *SignalingRelay) handleSend(cmd sendCmd) error {
	room, ok := s.rooms[cmd.meetingID]
	if !ok {
		return fmt.Errorf("meeting %d: %w", cmd.meetingID, domain.ErrNotFound)
	}
	if cmd.to == 0 {
		s.fanout(cmd.meetingID, 0, cmd.evt)
		return nil
	}
	client, ok := room[cmd.to]
	if !ok {
		return fmt.Errorf("participant %d in meeting %d: %w", cmd.to, cmd.meetingID, domain.ErrNotFound)
	}
	s.deliver(client, cmd.evt)
	return nil
}

// fanout sends evt to every member of the room except skip.
func (s *SignalingRelay) fanout(meetingID domain.MeetingID, skip domain.ParticipantID, evt domain.Event) {
	for id, client := range s.rooms[meetingID] {
		if id == skip {
			continue
		}
		s.deliver(client, evt)
	}
}

func (s *SignalingRelay) deliver(client port.Client, evt domain.Event) {
	if err := client.Send(evt); err != nil {
		log.Error().Err(err).Str("client_id", client.ID()).Str("event", evt.Name).Msg("Error sending event")
	}
}

func (s *SignalingRelay) members(meetingID domain.MeetingID, skip domain.ParticipantID) []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(s.rooms[meetingID]))
	for id := range s.rooms[meetingID] {
		if id != skip {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *SignalingRelay) publishPresence(evt domain.PresenceEvent) {
	if s.publisher == nil {
		return
	}
	evt.At = s.now().UnixMilli()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.publisher.PublishPresence(ctx, evt); err != nil {
			log.Warn().Err(err).Str("meeting_id", evt.MeetingID.String()).Msg("Failed to publish presence")
		}
	}()
}

func (s *SignalingRelay) query(fn func()) error {
	done := make(chan struct{})
	if err := post(s, s.inspect, func() {
		fn()
		close(done)
	}); err != nil {
		return err
	}
	<-done
	return nil
}

func post[T any](s *SignalingRelay, ch chan<- T, v T) error {
	select {
	case ch <- v:
		return nil
	case <-s.quit:
		return ErrRelayStopped
	}
}

func mustEvent(name string, payload any) domain.Event {
	evt, err := domain.NewEvent(name, payload)
	if err != nil {
		// payloads are plain structs
		panic(err)
	}
	return evt
}
