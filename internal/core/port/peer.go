package port

import (
	"context"

	"github.com/Wyydra/orchestra/internal/core/domain"
)

// ChannelHandler receives peer link events from a PeerTransport. Calls
// may arrive on any goroutine and must not block.
type ChannelHandler interface {
	PeerConnecting(peer domain.ParticipantID)
	PeerOpened(peer domain.ParticipantID)
	PeerMessage(peer domain.ParticipantID, msg []byte)
	PeerClosed(peer domain.ParticipantID)
	PeerFailed(peer domain.ParticipantID, err error)
}

// PeerTransport owns one ordered, reliable data channel per remote
// participant. Negotiation payloads leave through the signal callback and
// come back through HandleSignal.
type PeerTransport interface {
	SetSignalCallback(cb func(to domain.ParticipantID, signal domain.Signal))
	SetChannelHandler(h ChannelHandler)
	Connect(ctx context.Context, peer domain.ParticipantID) error
	HandleSignal(ctx context.Context, from domain.ParticipantID, signal domain.Signal) error
	Send(peer domain.ParticipantID, msg []byte) error
	Disconnect(peer domain.ParticipantID) error
	Close() error
}
