package postgres

import (
	"context"
	"fmt"

	"github.com/Wyydra/orchestra/internal/core/domain"
	"gorm.io/gorm"
)

type CanvasRepository struct {
	db *gorm.DB
}

func NewCanvasRepository(db *gorm.DB) *CanvasRepository {
	return &CanvasRepository{db: db}
}

func (r *CanvasRepository) SaveOperation(ctx context.Context, op domain.CanvasOperation) error {
	m, err := newCanvasOperationModel(op)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("insert operation %s: %w", op.ID, err)
	}
	return nil
}

func (r *CanvasRepository) ListOperations(ctx context.Context, meetingID domain.MeetingID) ([]domain.CanvasOperation, error) {
	return r.find(r.meeting(ctx, meetingID))
}

func (r *CanvasRepository) ListOperationsSince(ctx context.Context, meetingID domain.MeetingID, since int64) ([]domain.CanvasOperation, error) {
	return r.find(r.meeting(ctx, meetingID).Where("occurred_at >= ?", since))
}

func (r *CanvasRepository) ListOperationsByParticipant(ctx context.Context, meetingID domain.MeetingID, participantID domain.ParticipantID) ([]domain.CanvasOperation, error) {
	return r.find(r.meeting(ctx, meetingID).Where("participant_id = ?", int64(participantID)))
}

func (r *CanvasRepository) ListOperationsInRange(ctx context.Context, meetingID domain.MeetingID, start, end int64) ([]domain.CanvasOperation, error) {
	return r.find(r.meeting(ctx, meetingID).Where("occurred_at BETWEEN ? AND ?", start, end))
}

func (r *CanvasRepository) LatestSequenceNumber(ctx context.Context, meetingID domain.MeetingID) (int64, error) {
	var latest int64
	err := r.db.WithContext(ctx).
		Model(&canvasOperationModel{}).
		Where("meeting_id = ?", int64(meetingID)).
		Select("COALESCE(MAX(sequence_number), 0)").
		Scan(&latest).Error
	if err != nil {
		return 0, fmt.Errorf("latest sequence number: %w", err)
	}
	return latest, nil
}

func (r *CanvasRepository) meeting(ctx context.Context, meetingID domain.MeetingID) *gorm.DB {
	return r.db.WithContext(ctx).Where("meeting_id = ?", int64(meetingID))
}

func (r *CanvasRepository) find(q *gorm.DB) ([]domain.CanvasOperation, error) {
	var rows []canvasOperationModel
	if err := q.Order("sequence_number ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	out := make([]domain.CanvasOperation, 0, len(rows))
	for _, m := range rows {
		op, err := m.toDomain()
		if err != nil {
			return nil, fmt.Errorf("decode operation %s: %w", m.ID, err)
		}
		out = append(out, op)
	}
	return out, nil
}
