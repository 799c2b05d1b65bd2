package port

import (
	"context"

	"github.com/Wyydra/orchestra/internal/core/domain"
)

// SignalingClient is the client end of the relay.
type SignalingClient interface {
	Join(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) error
	Leave(ctx context.Context, meetingID domain.MeetingID) error
	Signal(ctx context.Context, msg domain.SignalMessage) error
	Events() <-chan domain.Event
	Close() error
}

// TokenStateReader answers "who holds the token" for a meeting.
type TokenStateReader interface {
	TokenState(ctx context.Context, meetingID domain.MeetingID) (domain.TokenState, error)
}

// OperationStore is the client view of the canvas persistence collaborator.
type OperationStore interface {
	SaveOperation(ctx context.Context, op domain.CanvasOperation) (domain.CanvasOperation, error)
	ListOperations(ctx context.Context, meetingID domain.MeetingID) ([]domain.CanvasOperation, error)
}
