package domain

import "fmt"

type OperationType string

const (
	OpDraw  OperationType = "draw"
	OpErase OperationType = "erase"
	OpText  OperationType = "text"
	OpClear OperationType = "clear"
	OpShape OperationType = "shape"
)

func (t OperationType) Valid() bool {
	switch t {
	case OpDraw, OpErase, OpText, OpClear, OpShape:
		return true
	}
	return false
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// OperationData is opaque to the merge rules. Fields are pointers so a
// zero coordinate survives a round trip.
type OperationData struct {
	X         *float64 `json:"x,omitempty"`
	Y         *float64 `json:"y,omitempty"`
	X2        *float64 `json:"x2,omitempty"`
	Y2        *float64 `json:"y2,omitempty"`
	Color     string   `json:"color,omitempty"`
	LineWidth *float64 `json:"lineWidth,omitempty"`
	Text      string   `json:"text,omitempty"`
	FontSize  *float64 `json:"fontSize,omitempty"`
	Points    []Point  `json:"points,omitempty"`
	Shape     string   `json:"shape,omitempty"`
}

type CanvasOperation struct {
	ID             string        `json:"id"`
	MeetingID      MeetingID     `json:"meetingId,omitempty"`
	ParticipantID  ParticipantID `json:"participantId"`
	Type           OperationType `json:"type"`
	Data           OperationData `json:"data"`
	Version        int64         `json:"version"`
	Timestamp      int64         `json:"timestamp"`
	SequenceNumber int64         `json:"sequenceNumber,omitempty"`
}

func (op CanvasOperation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("%w: operation without id", ErrProtocol)
	}
	if !op.Type.Valid() {
		return fmt.Errorf("%w: unknown operation type %q", ErrProtocol, op.Type)
	}
	return nil
}

// OperationDraft is what a caller hands to the sync engine; id, version
// and timestamp are stamped on broadcast.
type OperationDraft struct {
	Type OperationType
	Data OperationData
}

func Float(v float64) *float64 {
	return &v
}
