package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrSendBufferFull = errors.New("send buffer full")

// WSClient is one signaling socket. Writes go through a buffered queue
// drained by writePump so the relay never blocks on a slow peer.
type WSClient struct {
	id           domain.ClientID
	conn         *websocket.Conn
	send         chan domain.Event
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
}

func newWSClient(conn *websocket.Conn, buffer int, writeTimeout time.Duration) *WSClient {
	return &WSClient{
		id:           domain.NewClientID(),
		conn:         conn,
		send:         make(chan domain.Event, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

func (c *WSClient) ID() string {
	return c.id.String()
}

func (c *WSClient) Send(evt domain.Event) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- evt:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *WSClient) writePump(l zerolog.Logger) {
	for {
		select {
		case <-c.done:
			return
		case evt := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteJSON(evt); err != nil {
				l.Error().Err(err).Str("event", evt.Name).Msg("Error writing event")
				c.Close()
				return
			}
		}
	}
}

// ServeWS upgrades the request and relays the socket's events until it
// closes.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := newWSClient(conn, h.sendBuffer, h.writeTimeout)
	l := log.With().Str("client_id", client.ID()).Logger()
	l.Info().Msg("New client connected")

	go client.writePump(l)

	defer func() {
		l.Info().Msg("Client disconnected")
		if err := h.Relay.Disconnect(client); err != nil {
			l.Debug().Err(err).Msg("Relay already stopped")
		}
		client.Close()
	}()

	for {
		var evt domain.Event
		if err := conn.ReadJSON(&evt); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}
		if err := h.dispatch(client, evt); err != nil {
			l.Warn().Err(err).Str("event", evt.Name).Msg("Rejected client event")
			h.replyError(client, err.Error())
		}
	}
}

func (h *Handler) dispatch(client *WSClient, evt domain.Event) error {
	if t, ok := domain.SignalTypeForEvent(evt.Name); ok {
		var msg domain.SignalMessage
		if err := json.Unmarshal(evt.Data, &msg); err != nil {
			return errors.New("malformed signal payload")
		}
		msg.Type = t
		return h.Relay.Relay(client, msg)
	}

	switch evt.Name {
	case domain.EventJoinMeeting:
		var req domain.JoinRequest
		if err := json.Unmarshal(evt.Data, &req); err != nil || req.MeetingID <= 0 || req.ParticipantID <= 0 {
			return errors.New("join-meeting needs meetingId and participantId")
		}
		_, err := h.Relay.Join(client, req.MeetingID, req.ParticipantID)
		return err

	case domain.EventLeaveMeeting:
		var ref domain.MeetingRef
		if err := json.Unmarshal(evt.Data, &ref); err != nil || ref.MeetingID <= 0 {
			return errors.New("leave-meeting needs meetingId")
		}
		return h.Relay.Leave(client, ref.MeetingID)

	case domain.EventGetPeers:
		var ref domain.MeetingRef
		if err := json.Unmarshal(evt.Data, &ref); err != nil || ref.MeetingID <= 0 {
			return errors.New("get-peers needs meetingId")
		}
		peers, err := h.Relay.Peers(ref.MeetingID)
		if err != nil {
			return err
		}
		reply, err := domain.NewEvent(domain.EventPeersList, domain.PeersList{Peers: peers})
		if err != nil {
			return err
		}
		return client.Send(reply)
	}
	return errors.New("unknown event " + evt.Name)
}

func (h *Handler) replyError(client *WSClient, msg string) {
	evt, err := domain.NewEvent(domain.EventError, domain.ErrorPayload{Message: msg})
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode error event")
		return
	}
	if err := client.Send(evt); err != nil {
		log.Debug().Err(err).Str("client_id", client.ID()).Msg("Could not deliver error event")
	}
}
