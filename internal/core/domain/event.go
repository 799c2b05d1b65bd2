package domain

import "encoding/json"

// Relay event names, inbound and outbound.
const (
	EventJoinMeeting         = "join-meeting"
	EventLeaveMeeting        = "leave-meeting"
	EventGetPeers            = "get-peers"
	EventWebRTCOffer         = "webrtc-offer"
	EventWebRTCAnswer        = "webrtc-answer"
	EventICECandidate        = "ice-candidate"
	EventCurrentParticipants = "current-participants"
	EventParticipantJoined   = "participant-joined"
	EventParticipantLeft     = "participant-left"
	EventPeersList           = "peers-list"
	EventTokenState          = "token-state"
	EventError               = "error"
)

// Event is one signaling frame: {"event": name, "data": payload}.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: data}, nil
}

type JoinRequest struct {
	MeetingID     MeetingID     `json:"meetingId"`
	ParticipantID ParticipantID `json:"participantId"`
}

type MeetingRef struct {
	MeetingID MeetingID `json:"meetingId"`
}

type CurrentParticipants struct {
	Participants []ParticipantID `json:"participants"`
}

// MembershipChange is the payload of participant-joined and
// participant-left.
type MembershipChange struct {
	ParticipantID     ParticipantID `json:"participantId"`
	TotalParticipants int           `json:"totalParticipants"`
}

type PeersList struct {
	Peers []ParticipantID `json:"peers"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type TokenStateChange struct {
	MeetingID MeetingID  `json:"meetingId"`
	State     TokenState `json:"state"`
}
