package domain

import "encoding/json"

type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
)

// Event returns the relay event name carrying this signal type.
func (t SignalType) Event() string {
	switch t {
	case SignalOffer:
		return EventWebRTCOffer
	case SignalAnswer:
		return EventWebRTCAnswer
	}
	return EventICECandidate
}

// SignalTypeForEvent is the inverse of SignalType.Event.
func SignalTypeForEvent(event string) (SignalType, bool) {
	switch event {
	case EventWebRTCOffer:
		return SignalOffer, true
	case EventWebRTCAnswer:
		return SignalAnswer, true
	case EventICECandidate:
		return SignalCandidate, true
	}
	return "", false
}

// Signal is one negotiation payload between two peer transports. Payload
// is an SDP description or an ICE candidate, JSON encoded.
type Signal struct {
	Type    SignalType
	Payload json.RawMessage
}

func NewSignal(t SignalType, payload json.RawMessage) Signal {
	return Signal{
		Type:    t,
		Payload: payload,
	}
}

// SignalMessage is forwarded verbatim by the relay.
type SignalMessage struct {
	Type      SignalType      `json:"type,omitempty"`
	From      ParticipantID   `json:"from"`
	To        ParticipantID   `json:"to"`
	MeetingID MeetingID       `json:"meetingId"`
	Data      json.RawMessage `json:"data"`
}

// ICEServer mirrors the browser RTCIceServer shape.
type ICEServer struct {
	URLs []string `json:"urls"`
}

type ICEConfig struct {
	ICEServers []ICEServer `json:"iceServers"`
}
