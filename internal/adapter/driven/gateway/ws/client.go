package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("signaling connection closed")

const defaultWriteTimeout = 5 * time.Second

// Client implements port.SignalingClient over a relay websocket.
type Client struct {
	conn         *websocket.Conn
	events       chan domain.Event
	done         chan struct{}
	writeMu      sync.Mutex
	closeOnce    sync.Once
	writeTimeout time.Duration
	log          zerolog.Logger
}

// Dial connects to the relay's /ws endpoint.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:         conn,
		events:       make(chan domain.Event, 64),
		done:         make(chan struct{}),
		writeTimeout: defaultWriteTimeout,
		log:          log.With().Str("relay", url).Logger(),
	}
	go c.readLoop()
	c.log.Info().Msg("Connected to signaling relay")
	return c, nil
}

func (c *Client) Join(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) error {
	return c.write(ctx, domain.EventJoinMeeting, domain.JoinRequest{MeetingID: meetingID, ParticipantID: participantID})
}

func (c *Client) Leave(ctx context.Context, meetingID domain.MeetingID) error {
	return c.write(ctx, domain.EventLeaveMeeting, domain.MeetingRef{MeetingID: meetingID})
}

func (c *Client) Signal(ctx context.Context, msg domain.SignalMessage) error {
	return c.write(ctx, msg.Type.Event(), msg)
}

// RequestPeers asks for the room roster; the answer arrives as peers-list.
func (c *Client) RequestPeers(ctx context.Context, meetingID domain.MeetingID) error {
	return c.write(ctx, domain.EventGetPeers, domain.MeetingRef{MeetingID: meetingID})
}

// Events is closed when the connection drops.
func (c *Client) Events() <-chan domain.Event {
	return c.events
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) write(ctx context.Context, name string, payload any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	evt, err := domain.NewEvent(name, payload)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(evt)
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		var evt domain.Event
		if err := c.conn.ReadJSON(&evt); err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					c.log.Error().Err(err).Msg("Unexpected close error")
				}
			}
			return
		}
		select {
		case c.events <- evt:
		case <-c.done:
			return
		}
	}
}
