package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Wyydra/orchestra/internal/core/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) SaveTokenEvent(ctx context.Context, evt domain.TokenEvent) (domain.TokenEvent, error) {
	m := tokenEventModel{
		MeetingID:      int64(evt.MeetingID),
		ParticipantID:  int64(evt.ParticipantID),
		EventType:      string(evt.EventType),
		Duration:       evt.Duration,
		Timestamp:      evt.Timestamp,
		SequenceNumber: evt.SequenceNumber,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return evt, fmt.Errorf("insert token event: %w", err)
	}
	return m.toDomain(), nil
}

func (r *AuditRepository) LatestTokenEvent(ctx context.Context, meetingID domain.MeetingID) (domain.TokenEvent, error) {
	var m tokenEventModel
	err := r.db.WithContext(ctx).
		Where("meeting_id = ?", int64(meetingID)).
		Order("id DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.TokenEvent{}, fmt.Errorf("token event for meeting %d: %w", meetingID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.TokenEvent{}, fmt.Errorf("latest token event: %w", err)
	}
	return m.toDomain(), nil
}

func (r *AuditRepository) ListTokenEvents(ctx context.Context, meetingID domain.MeetingID) ([]domain.TokenEvent, error) {
	var rows []tokenEventModel
	if err := r.db.WithContext(ctx).
		Where("meeting_id = ?", int64(meetingID)).
		Order("sequence_number ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list token events: %w", err)
	}
	out := make([]domain.TokenEvent, len(rows))
	for i, m := range rows {
		out[i] = m.toDomain()
	}
	return out, nil
}

// SavePhaseEvent closes the open phase of the meeting and inserts the new
// one in a single transaction.
func (r *AuditRepository) SavePhaseEvent(ctx context.Context, evt domain.PhaseEvent) (domain.PhaseEvent, error) {
	m := phaseEventModel{
		MeetingID:      int64(evt.MeetingID),
		Phase:          string(evt.Phase),
		StartedAt:      evt.StartedAt,
		EndedAt:        evt.EndedAt,
		SequenceNumber: evt.SequenceNumber,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&phaseEventModel{}).
			Where("meeting_id = ? AND ended_at IS NULL", m.MeetingID).
			Update("ended_at", evt.StartedAt).Error; err != nil {
			return fmt.Errorf("close open phase: %w", err)
		}
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("insert phase event: %w", err)
		}
		return nil
	})
	if err != nil {
		return evt, err
	}
	return m.toDomain(), nil
}

func (r *AuditRepository) ListPhaseEvents(ctx context.Context, meetingID domain.MeetingID) ([]domain.PhaseEvent, error) {
	var rows []phaseEventModel
	if err := r.db.WithContext(ctx).
		Where("meeting_id = ?", int64(meetingID)).
		Order("sequence_number ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list phase events: %w", err)
	}
	out := make([]domain.PhaseEvent, len(rows))
	for i, m := range rows {
		out[i] = m.toDomain()
	}
	return out, nil
}

func (r *AuditRepository) UpdateMeetingPhase(ctx context.Context, meetingID domain.MeetingID, phase domain.Phase) error {
	m := meetingModel{ID: int64(meetingID), CurrentPhase: string(phase)}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"current_phase", "updated_at"}),
		}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("update meeting phase: %w", err)
	}
	return nil
}

// MeetingPhase reads the phase last written by UpdateMeetingPhase.
func (r *AuditRepository) MeetingPhase(ctx context.Context, meetingID domain.MeetingID) (domain.Phase, error) {
	var m meetingModel
	err := r.db.WithContext(ctx).First(&m, int64(meetingID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.PhaseNone, fmt.Errorf("meeting %d: %w", meetingID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.PhaseNone, fmt.Errorf("meeting phase: %w", err)
	}
	return domain.Phase(m.CurrentPhase), nil
}

func (r *AuditRepository) SaveAnnotation(ctx context.Context, a domain.Annotation) (domain.Annotation, error) {
	content := string(a.Content)
	if content == "" {
		content = "null"
	}
	m := annotationModel{
		MeetingID:      int64(a.MeetingID),
		TokenEventID:   a.TokenEventID,
		ParticipantID:  int64(a.ParticipantID),
		AnnotationType: string(a.AnnotationType),
		Content:        content,
		Timestamp:      a.Timestamp,
		SequenceNumber: a.SequenceNumber,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return a, fmt.Errorf("insert annotation: %w", err)
	}
	return m.toDomain(), nil
}

func (r *AuditRepository) ListAnnotations(ctx context.Context, meetingID domain.MeetingID) ([]domain.Annotation, error) {
	var rows []annotationModel
	if err := r.db.WithContext(ctx).
		Where("meeting_id = ?", int64(meetingID)).
		Order("sequence_number ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	out := make([]domain.Annotation, len(rows))
	for i, m := range rows {
		out[i] = m.toDomain()
	}
	return out, nil
}

func (r *AuditRepository) NextSequenceNumbers(ctx context.Context, meetingID domain.MeetingID) (domain.AuditSequences, error) {
	var token, annotation, phase int64
	db := r.db.WithContext(ctx)
	for _, q := range []struct {
		model any
		dst   *int64
	}{
		{&tokenEventModel{}, &token},
		{&annotationModel{}, &annotation},
		{&phaseEventModel{}, &phase},
	} {
		err := db.Model(q.model).
			Select("COALESCE(MAX(sequence_number) + 1, 0)").
			Where("meeting_id = ?", int64(meetingID)).
			Row().Scan(q.dst)
		if err != nil {
			return domain.AuditSequences{}, fmt.Errorf("next sequence numbers: %w", err)
		}
	}
	return domain.AuditSequences{Token: max(token, annotation), Phase: phase}, nil
}
