package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/Wyydra/orchestra/internal/core/domain"
)

// AuditRepository keeps the token audit trail in process memory.
type AuditRepository struct {
	mu          sync.Mutex
	nextID      int64
	tokenEvents map[domain.MeetingID][]domain.TokenEvent
	phaseEvents map[domain.MeetingID][]domain.PhaseEvent
	annotations map[domain.MeetingID][]domain.Annotation
	meetings    map[domain.MeetingID]domain.Phase
}

func NewAuditRepository() *AuditRepository {
	return &AuditRepository{
		tokenEvents: make(map[domain.MeetingID][]domain.TokenEvent),
		phaseEvents: make(map[domain.MeetingID][]domain.PhaseEvent),
		annotations: make(map[domain.MeetingID][]domain.Annotation),
		meetings:    make(map[domain.MeetingID]domain.Phase),
	}
}

func (r *AuditRepository) SaveTokenEvent(ctx context.Context, evt domain.TokenEvent) (domain.TokenEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	evt.ID = r.nextID
	r.tokenEvents[evt.MeetingID] = append(r.tokenEvents[evt.MeetingID], evt)
	return evt, nil
}

func (r *AuditRepository) LatestTokenEvent(ctx context.Context, meetingID domain.MeetingID) (domain.TokenEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.tokenEvents[meetingID]
	if len(events) == 0 {
		return domain.TokenEvent{}, fmt.Errorf("token event for meeting %d: %w", meetingID, domain.ErrNotFound)
	}
	return events[len(events)-1], nil
}

func (r *AuditRepository) ListTokenEvents(ctx context.Context, meetingID domain.MeetingID) ([]domain.TokenEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TokenEvent(nil), r.tokenEvents[meetingID]...), nil
}

func (r *AuditRepository) SavePhaseEvent(ctx context.Context, evt domain.PhaseEvent) (domain.PhaseEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	evt.ID = r.nextID
	events := r.phaseEvents[evt.MeetingID]
	if n := len(events); n > 0 && events[n-1].EndedAt == nil {
		ended := evt.StartedAt
		events[n-1].EndedAt = &ended
	}
	r.phaseEvents[evt.MeetingID] = append(events, evt)
	return evt, nil
}

func (r *AuditRepository) ListPhaseEvents(ctx context.Context, meetingID domain.MeetingID) ([]domain.PhaseEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.PhaseEvent(nil), r.phaseEvents[meetingID]...), nil
}

func (r *AuditRepository) UpdateMeetingPhase(ctx context.Context, meetingID domain.MeetingID, phase domain.Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.meetings[meetingID] = phase
	return nil
}

// MeetingPhase returns the phase last written by UpdateMeetingPhase.
func (r *AuditRepository) MeetingPhase(meetingID domain.MeetingID) (domain.Phase, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.meetings[meetingID]
	return p, ok
}

func (r *AuditRepository) SaveAnnotation(ctx context.Context, a domain.Annotation) (domain.Annotation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	a.ID = r.nextID
	r.annotations[a.MeetingID] = append(r.annotations[a.MeetingID], a)
	return a, nil
}

func (r *AuditRepository) ListAnnotations(ctx context.Context, meetingID domain.MeetingID) ([]domain.Annotation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Annotation(nil), r.annotations[meetingID]...), nil
}

func (r *AuditRepository) NextSequenceNumbers(ctx context.Context, meetingID domain.MeetingID) (domain.AuditSequences, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var next domain.AuditSequences
	for _, evt := range r.tokenEvents[meetingID] {
		next.Token = max(next.Token, evt.SequenceNumber+1)
	}
	for _, a := range r.annotations[meetingID] {
		next.Token = max(next.Token, a.SequenceNumber+1)
	}
	for _, evt := range r.phaseEvents[meetingID] {
		next.Phase = max(next.Phase, evt.SequenceNumber+1)
	}
	return next, nil
}
