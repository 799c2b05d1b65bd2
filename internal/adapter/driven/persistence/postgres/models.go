package postgres

import (
	"encoding/json"
	"time"

	"github.com/Wyydra/orchestra/internal/core/domain"
)

type meetingModel struct {
	ID           int64     `gorm:"primaryKey"`
	CurrentPhase string    `gorm:"size:32;not null;default:none"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

func (meetingModel) TableName() string { return "meetings" }

type tokenEventModel struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	MeetingID      int64  `gorm:"not null;index:idx_token_events_meeting_seq"`
	ParticipantID  int64  `gorm:"not null;index"`
	EventType      string `gorm:"size:16;not null"`
	Duration       *int64
	Timestamp      int64 `gorm:"column:occurred_at;not null"`
	SequenceNumber int64 `gorm:"not null;index:idx_token_events_meeting_seq"`
}

func (tokenEventModel) TableName() string { return "token_events" }

func (m tokenEventModel) toDomain() domain.TokenEvent {
	return domain.TokenEvent{
		ID:             m.ID,
		MeetingID:      domain.MeetingID(m.MeetingID),
		ParticipantID:  domain.ParticipantID(m.ParticipantID),
		EventType:      domain.TokenEventType(m.EventType),
		Duration:       m.Duration,
		Timestamp:      m.Timestamp,
		SequenceNumber: m.SequenceNumber,
	}
}

type phaseEventModel struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	MeetingID      int64  `gorm:"not null;index:idx_phase_events_meeting_seq"`
	Phase          string `gorm:"size:32;not null"`
	StartedAt      int64  `gorm:"not null"`
	EndedAt        *int64
	SequenceNumber int64 `gorm:"not null;index:idx_phase_events_meeting_seq"`
}

func (phaseEventModel) TableName() string { return "phase_events" }

func (m phaseEventModel) toDomain() domain.PhaseEvent {
	return domain.PhaseEvent{
		ID:             m.ID,
		MeetingID:      domain.MeetingID(m.MeetingID),
		Phase:          domain.Phase(m.Phase),
		StartedAt:      m.StartedAt,
		EndedAt:        m.EndedAt,
		SequenceNumber: m.SequenceNumber,
	}
}

type annotationModel struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	MeetingID      int64  `gorm:"not null;index:idx_annotations_meeting_seq"`
	TokenEventID   int64  `gorm:"not null;index"`
	ParticipantID  int64  `gorm:"not null"`
	AnnotationType string `gorm:"size:16;not null"`
	Content        string `gorm:"type:jsonb;not null"`
	Timestamp      int64  `gorm:"column:occurred_at;not null"`
	SequenceNumber int64  `gorm:"not null;index:idx_annotations_meeting_seq"`
}

func (annotationModel) TableName() string { return "annotations" }

func (m annotationModel) toDomain() domain.Annotation {
	return domain.Annotation{
		ID:             m.ID,
		MeetingID:      domain.MeetingID(m.MeetingID),
		TokenEventID:   m.TokenEventID,
		ParticipantID:  domain.ParticipantID(m.ParticipantID),
		AnnotationType: domain.AnnotationType(m.AnnotationType),
		Content:        json.RawMessage(m.Content),
		Timestamp:      m.Timestamp,
		SequenceNumber: m.SequenceNumber,
	}
}

type canvasOperationModel struct {
	ID             string `gorm:"primaryKey;size:128"`
	MeetingID      int64  `gorm:"not null;uniqueIndex:idx_canvas_operations_meeting_seq;index:idx_canvas_operations_meeting_ts"`
	ParticipantID  int64  `gorm:"not null"`
	Type           string `gorm:"size:16;not null"`
	Data           string `gorm:"type:jsonb;not null"`
	Version        int64  `gorm:"not null"`
	Timestamp      int64  `gorm:"column:occurred_at;not null;index:idx_canvas_operations_meeting_ts"`
	SequenceNumber int64  `gorm:"not null;uniqueIndex:idx_canvas_operations_meeting_seq"`
}

func (canvasOperationModel) TableName() string { return "canvas_operations" }

func newCanvasOperationModel(op domain.CanvasOperation) (canvasOperationModel, error) {
	data, err := json.Marshal(op.Data)
	if err != nil {
		return canvasOperationModel{}, err
	}
	return canvasOperationModel{
		ID:             op.ID,
		MeetingID:      int64(op.MeetingID),
		ParticipantID:  int64(op.ParticipantID),
		Type:           string(op.Type),
		Data:           string(data),
		Version:        op.Version,
		Timestamp:      op.Timestamp,
		SequenceNumber: op.SequenceNumber,
	}, nil
}

func (m canvasOperationModel) toDomain() (domain.CanvasOperation, error) {
	op := domain.CanvasOperation{
		ID:             m.ID,
		MeetingID:      domain.MeetingID(m.MeetingID),
		ParticipantID:  domain.ParticipantID(m.ParticipantID),
		Type:           domain.OperationType(m.Type),
		Version:        m.Version,
		Timestamp:      m.Timestamp,
		SequenceNumber: m.SequenceNumber,
	}
	if err := json.Unmarshal([]byte(m.Data), &op.Data); err != nil {
		return op, err
	}
	return op, nil
}
