package port

import (
	"context"

	"github.com/Wyydra/orchestra/internal/core/domain"
)

// AuditRepository persists the token and phase audit trail. Save methods
// return the stored record with its assigned ID. LatestTokenEvent is the
// last one inserted.
type AuditRepository interface {
	SaveTokenEvent(ctx context.Context, evt domain.TokenEvent) (domain.TokenEvent, error)
	LatestTokenEvent(ctx context.Context, meetingID domain.MeetingID) (domain.TokenEvent, error)
	ListTokenEvents(ctx context.Context, meetingID domain.MeetingID) ([]domain.TokenEvent, error)
	SavePhaseEvent(ctx context.Context, evt domain.PhaseEvent) (domain.PhaseEvent, error)
	ListPhaseEvents(ctx context.Context, meetingID domain.MeetingID) ([]domain.PhaseEvent, error)
	UpdateMeetingPhase(ctx context.Context, meetingID domain.MeetingID, phase domain.Phase) error
	SaveAnnotation(ctx context.Context, a domain.Annotation) (domain.Annotation, error)
	ListAnnotations(ctx context.Context, meetingID domain.MeetingID) ([]domain.Annotation, error)
	NextSequenceNumbers(ctx context.Context, meetingID domain.MeetingID) (domain.AuditSequences, error)
}

// CanvasRepository is the durable canvas operation log. Lists are ordered
// by sequence number.
type CanvasRepository interface {
	SaveOperation(ctx context.Context, op domain.CanvasOperation) error
	ListOperations(ctx context.Context, meetingID domain.MeetingID) ([]domain.CanvasOperation, error)
	ListOperationsSince(ctx context.Context, meetingID domain.MeetingID, since int64) ([]domain.CanvasOperation, error)
	ListOperationsByParticipant(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) ([]domain.CanvasOperation, error)
	ListOperationsInRange(ctx context.Context, meetingID domain.MeetingID, start, end int64) ([]domain.CanvasOperation, error)
	LatestSequenceNumber(ctx context.Context, meetingID domain.MeetingID) (int64, error)
}
