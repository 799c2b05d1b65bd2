package domain

type PresenceKind string

const (
	PresenceJoined PresenceKind = "joined"
	PresenceLeft   PresenceKind = "left"
)

type PresenceEvent struct {
	MeetingID     MeetingID     `json:"meetingId"`
	ParticipantID ParticipantID `json:"participantId"`
	Kind          PresenceKind  `json:"kind"`
	Total         int           `json:"total"`
	At            int64         `json:"at"`
}

type RoomDetail struct {
	MeetingID        MeetingID `json:"meetingId"`
	ParticipantCount int       `json:"participantCount"`
}

type RelayStats struct {
	ActiveRooms       int          `json:"activeRooms"`
	TotalParticipants int          `json:"totalParticipants"`
	RoomDetails       []RoomDetail `json:"roomDetails"`
}
