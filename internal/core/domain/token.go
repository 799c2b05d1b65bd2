package domain

import "fmt"

type Phase string

const (
	PhaseIdeation      Phase = "ideation"
	PhaseClarification Phase = "clarification"
	PhaseDecision      Phase = "decision"
	PhaseFeedback      Phase = "feedback"
	PhaseNone          Phase = "none"
)

// ParsePhase accepts only the four discussion phases. "none" is the
// initial state and cannot be transitioned into.
func ParsePhase(s string) (Phase, error) {
	switch p := Phase(s); p {
	case PhaseIdeation, PhaseClarification, PhaseDecision, PhaseFeedback:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPhase, s)
}

type TokenEventType string

const (
	TokenAssigned TokenEventType = "assigned"
	TokenPassed   TokenEventType = "passed"
	TokenReleased TokenEventType = "released"
)

// TokenEvent is an immutable audit record. Duration is set on passed and
// released events only, in milliseconds.
type TokenEvent struct {
	ID             int64          `json:"id"`
	MeetingID      MeetingID      `json:"meetingId"`
	ParticipantID  ParticipantID  `json:"participantId"`
	EventType      TokenEventType `json:"eventType"`
	Duration       *int64         `json:"duration,omitempty"`
	Timestamp      int64          `json:"timestamp"`
	SequenceNumber int64          `json:"sequenceNumber"`
}

type PhaseEvent struct {
	ID             int64     `json:"id"`
	MeetingID      MeetingID `json:"meetingId"`
	Phase          Phase     `json:"phase"`
	StartedAt      int64     `json:"startedAt"`
	EndedAt        *int64    `json:"endedAt,omitempty"`
	SequenceNumber int64     `json:"sequenceNumber"`
}

// AuditSequences are the next free sequence numbers of a meeting's audit
// trail. Token events and annotations share Token.
type AuditSequences struct {
	Token int64
	Phase int64
}

// TokenState is the read model of one meeting's engine. Times are unix
// milliseconds, zero when unset.
type TokenState struct {
	TokenHolderID  *ParticipantID `json:"tokenHolderId"`
	CurrentPhase   Phase          `json:"currentPhase"`
	PhaseStartTime int64          `json:"phaseStartTime"`
	TokenStartTime int64          `json:"tokenStartTime"`
}

func (s TokenState) IsHolder(id ParticipantID) bool {
	return s.TokenHolderID != nil && *s.TokenHolderID == id
}

// Meeting is the slice of the meeting record this core reads and writes.
type Meeting struct {
	ID             MeetingID      `json:"id"`
	CurrentPhase   Phase          `json:"currentPhase"`
	TokenHolderID  *ParticipantID `json:"tokenHolderId"`
	SequenceNumber int64          `json:"sequenceNumber"`
}
