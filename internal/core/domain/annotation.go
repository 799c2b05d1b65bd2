package domain

import (
	"encoding/json"
	"fmt"
)

type AnnotationType string

const (
	AnnotationText      AnnotationType = "text"
	AnnotationDrawing   AnnotationType = "drawing"
	AnnotationShape     AnnotationType = "shape"
	AnnotationHighlight AnnotationType = "highlight"
	AnnotationArrow     AnnotationType = "arrow"
)

func ParseAnnotationType(s string) (AnnotationType, error) {
	switch t := AnnotationType(s); t {
	case AnnotationText, AnnotationDrawing, AnnotationShape, AnnotationHighlight, AnnotationArrow:
		return t, nil
	}
	return "", fmt.Errorf("unknown annotation type %q", s)
}

// Annotation is always linked to the token event that was current when it
// was recorded.
type Annotation struct {
	ID             int64           `json:"id"`
	MeetingID      MeetingID       `json:"meetingId"`
	TokenEventID   int64           `json:"tokenEventId"`
	ParticipantID  ParticipantID   `json:"participantId"`
	AnnotationType AnnotationType  `json:"annotationType"`
	Content        json.RawMessage `json:"content"`
	Timestamp      int64           `json:"timestamp"`
	SequenceNumber int64           `json:"sequenceNumber"`
}
