package port

import "github.com/Wyydra/orchestra/internal/core/domain"

// Client is one signaling connection as seen by the relay.
type Client interface {
	ID() string
	Send(evt domain.Event) error
	Close() error
}
