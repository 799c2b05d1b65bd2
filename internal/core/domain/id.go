package domain

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

type MeetingID int64
type ParticipantID int64

func (id MeetingID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

func (id ParticipantID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

func ParseMeetingID(s string) (MeetingID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid meeting id %q", s)
	}
	return MeetingID(v), nil
}

func ParseParticipantID(s string) (ParticipantID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid participant id %q", s)
	}
	return ParticipantID(v), nil
}

// ClientID identifies one signaling connection, independent of the
// participant it later claims in a room.
type ClientID uuid.UUID

func NewClientID() ClientID {
	return ClientID(uuid.New())
}

func (id ClientID) String() string {
	return uuid.UUID(id).String()
}

// NewOperationID returns "<participant>-<unixms>-<nonce>".
func NewOperationID(participantID ParticipantID, timestamp int64) string {
	return fmt.Sprintf("%d-%d-%s", participantID, timestamp, uuid.NewString())
}
