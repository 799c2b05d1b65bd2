package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/orchestra/internal/core/domain"
	"github.com/Wyydra/orchestra/internal/core/port"
	"github.com/rs/zerolog/log"
)

const publishTimeout = 2 * time.Second

type tokenOptions struct {
	now       func() time.Time
	publisher port.EventPublisher
}

type TokenEngineOption func(*tokenOptions)

func WithClock(now func() time.Time) TokenEngineOption {
	return func(o *tokenOptions) {
		o.now = now
	}
}

func WithPublisher(p port.EventPublisher) TokenEngineOption {
	return func(o *tokenOptions) {
		o.publisher = p
	}
}

func buildTokenOptions(opts []TokenEngineOption) tokenOptions {
	o := tokenOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// TokenEngine is the turn-taking and phase state machine of one meeting.
// Every mutating call holds mu through its audit writes, so the audit
// order matches the sequence order. State is advanced before the writes
// and is not rolled back when they fail. The first mutation continues the
// sequences already stored for the meeting.
type TokenEngine struct {
	mu        sync.Mutex
	meetingID domain.MeetingID
	repo      port.AuditRepository
	publisher port.EventPublisher
	now       func() time.Time

	holder         *domain.ParticipantID
	phase          domain.Phase
	phaseStartTime int64
	tokenStartTime int64
	seq            int64
	phaseSeq       int64
	resumed        bool
	lastTouched    time.Time

	outMu    sync.Mutex
	outbox   []domain.TokenState
	draining bool
}

func NewTokenEngine(meetingID domain.MeetingID, repo port.AuditRepository, opts ...TokenEngineOption) *TokenEngine {
	o := buildTokenOptions(opts)
	e := &TokenEngine{
		meetingID: meetingID,
		repo:      repo,
		publisher: o.publisher,
		now:       o.now,
		phase:     domain.PhaseNone,
	}
	e.lastTouched = e.now()
	return e
}

func (e *TokenEngine) MeetingID() domain.MeetingID {
	return e.meetingID
}

// AssignToken overwrites any current holder without recording a release.
func (e *TokenEngine) AssignToken(ctx context.Context, participantID domain.ParticipantID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.resume(ctx); err != nil {
		return err
	}
	now := e.touch()
	e.setHolder(participantID, now)
	evt := e.tokenEvent(participantID, domain.TokenAssigned, nil, now)

	log.Info().
		Str("meeting_id", e.meetingID.String()).
		Str("participant_id", participantID.String()).
		Msg("Token assigned")

	err := e.saveTokenEvents(ctx, evt)
	e.publish()
	return err
}

func (e *TokenEngine) PassToken(ctx context.Context, next domain.ParticipantID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.holder == nil {
		return fmt.Errorf("%w: no token holder to pass from", domain.ErrInvalidState)
	}
	if err := e.resume(ctx); err != nil {
		return err
	}

	now := e.touch()
	from := *e.holder
	duration := now - e.tokenStartTime
	passed := e.tokenEvent(from, domain.TokenPassed, &duration, now)

	e.setHolder(next, now)
	assigned := e.tokenEvent(next, domain.TokenAssigned, nil, now)

	log.Info().
		Str("meeting_id", e.meetingID.String()).
		Str("from", from.String()).
		Str("to", next.String()).
		Int64("duration_ms", duration).
		Msg("Token passed")

	err := e.saveTokenEvents(ctx, passed, assigned)
	e.publish()
	return err
}

func (e *TokenEngine) ReleaseToken(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.holder == nil {
		return fmt.Errorf("%w: no token holder to release", domain.ErrInvalidState)
	}
	if err := e.resume(ctx); err != nil {
		return err
	}

	now := e.touch()
	from := *e.holder
	duration := now - e.tokenStartTime
	released := e.tokenEvent(from, domain.TokenReleased, &duration, now)

	e.holder = nil
	e.tokenStartTime = 0

	log.Info().
		Str("meeting_id", e.meetingID.String()).
		Str("participant_id", from.String()).
		Int64("duration_ms", duration).
		Msg("Token released")

	err := e.saveTokenEvents(ctx, released)
	e.publish()
	return err
}

// TransitionPhase accepts any discussion phase from any phase, including
// the current one.
func (e *TokenEngine) TransitionPhase(ctx context.Context, phase domain.Phase) error {
	if _, err := domain.ParsePhase(string(phase)); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.resume(ctx); err != nil {
		return err
	}
	now := e.touch()
	e.phase = phase
	e.phaseStartTime = now
	evt := domain.PhaseEvent{
		MeetingID:      e.meetingID,
		Phase:          phase,
		StartedAt:      now,
		SequenceNumber: e.phaseSeq,
	}
	e.phaseSeq++

	log.Info().
		Str("meeting_id", e.meetingID.String()).
		Str("phase", string(phase)).
		Msg("Phase transition")

	var errs []error
	if _, err := e.repo.SavePhaseEvent(ctx, evt); err != nil {
		errs = append(errs, fmt.Errorf("save phase event: %w", err))
	}
	if err := e.repo.UpdateMeetingPhase(ctx, e.meetingID, phase); err != nil {
		errs = append(errs, fmt.Errorf("update meeting phase: %w", err))
	}
	e.publish()
	return transient(errs)
}

// RecordAnnotationEvent links the annotation to the most recent token
// event of the meeting.
func (e *TokenEngine) RecordAnnotationEvent(ctx context.Context, participantID domain.ParticipantID, annotationType domain.AnnotationType, content json.RawMessage) (domain.Annotation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.holder == nil || *e.holder != participantID {
		return domain.Annotation{}, domain.ErrPermissionDenied
	}
	if err := e.resume(ctx); err != nil {
		return domain.Annotation{}, err
	}

	latest, err := e.repo.LatestTokenEvent(ctx, e.meetingID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Annotation{}, fmt.Errorf("%w: no active token event", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Annotation{}, transient([]error{fmt.Errorf("latest token event: %w", err)})
	}

	now := e.touch()
	a := domain.Annotation{
		MeetingID:      e.meetingID,
		TokenEventID:   latest.ID,
		ParticipantID:  participantID,
		AnnotationType: annotationType,
		Content:        content,
		Timestamp:      now,
		SequenceNumber: e.seq,
	}
	e.seq++

	saved, err := e.repo.SaveAnnotation(ctx, a)
	if err != nil {
		return a, transient([]error{fmt.Errorf("save annotation: %w", err)})
	}
	return saved, nil
}

func (e *TokenEngine) State() domain.TokenState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state()
}

// IdleSince reports the last time a mutating call reached the engine.
func (e *TokenEngine) IdleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTouched
}

func (e *TokenEngine) state() domain.TokenState {
	s := domain.TokenState{
		CurrentPhase:   e.phase,
		PhaseStartTime: e.phaseStartTime,
		TokenStartTime: e.tokenStartTime,
	}
	if e.holder != nil {
		h := *e.holder
		s.TokenHolderID = &h
	}
	return s
}

// resume loads the next sequence numbers from the audit trail once, so a
// meeting recreated after Dispose or a restart keeps counting.
func (e *TokenEngine) resume(ctx context.Context) error {
	if e.resumed {
		return nil
	}
	next, err := e.repo.NextSequenceNumbers(ctx, e.meetingID)
	if err != nil {
		return transient([]error{fmt.Errorf("load sequence numbers: %w", err)})
	}
	e.seq = max(e.seq, next.Token)
	e.phaseSeq = max(e.phaseSeq, next.Phase)
	e.resumed = true
	return nil
}

func (e *TokenEngine) touch() int64 {
	t := e.now()
	e.lastTouched = t
	return t.UnixMilli()
}

func (e *TokenEngine) setHolder(id domain.ParticipantID, now int64) {
	e.holder = &id
	e.tokenStartTime = now
}

func (e *TokenEngine) tokenEvent(participantID domain.ParticipantID, t domain.TokenEventType, duration *int64, now int64) domain.TokenEvent {
	evt := domain.TokenEvent{
		MeetingID:      e.meetingID,
		ParticipantID:  participantID,
		EventType:      t,
		Duration:       duration,
		Timestamp:      now,
		SequenceNumber: e.seq,
	}
	e.seq++
	return evt
}

func (e *TokenEngine) saveTokenEvents(ctx context.Context, events ...domain.TokenEvent) error {
	var errs []error
	for _, evt := range events {
		if _, err := e.repo.SaveTokenEvent(ctx, evt); err != nil {
			log.Error().Err(err).
				Str("meeting_id", e.meetingID.String()).
				Str("event_type", string(evt.EventType)).
				Int64("seq", evt.SequenceNumber).
				Msg("Failed to record token event")
			errs = append(errs, fmt.Errorf("save %s event: %w", evt.EventType, err))
		}
	}
	return transient(errs)
}

// publish queues the current state. One goroutine at a time drains the
// queue, so subscribers see states in mutation order.
func (e *TokenEngine) publish() {
	if e.publisher == nil {
		return
	}
	state := e.state()

	e.outMu.Lock()
	e.outbox = append(e.outbox, state)
	start := !e.draining
	e.draining = true
	e.outMu.Unlock()

	if start {
		go e.drain()
	}
}

func (e *TokenEngine) drain() {
	for {
		e.outMu.Lock()
		if len(e.outbox) == 0 {
			e.draining = false
			e.outMu.Unlock()
			return
		}
		state := e.outbox[0]
		e.outbox = e.outbox[1:]
		e.outMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := e.publisher.PublishTokenState(ctx, e.meetingID, state); err != nil {
			log.Warn().Err(err).Str("meeting_id", e.meetingID.String()).Msg("Failed to publish token state")
		}
		cancel()
	}
}

func transient(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrTransientIO, errors.Join(errs...))
}
