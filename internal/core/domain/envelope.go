package domain

import (
	"encoding/json"
	"fmt"
)

const (
	EnvelopeOperation    = "operation"
	EnvelopeSyncRequest  = "sync-request"
	EnvelopeSyncResponse = "sync-response"
)

// Envelope is one data-channel message. Exactly one of the concrete types
// below implements it.
type Envelope interface {
	envelopeType() string
}

type OperationMessage struct {
	Operation CanvasOperation
}

type SyncRequest struct {
	ParticipantID ParticipantID
	Version       int64
}

type SyncResponse struct {
	Operations []CanvasOperation
	Version    int64
}

func (OperationMessage) envelopeType() string { return EnvelopeOperation }
func (SyncRequest) envelopeType() string      { return EnvelopeSyncRequest }
func (SyncResponse) envelopeType() string     { return EnvelopeSyncResponse }

type wireEnvelope struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	ParticipantID *ParticipantID  `json:"participantId,omitempty"`
	Version       *int64          `json:"version,omitempty"`
}

type syncResponseBody struct {
	Operations []CanvasOperation `json:"operations"`
	Version    int64             `json:"version"`
}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	w := wireEnvelope{Type: e.envelopeType()}
	switch m := e.(type) {
	case OperationMessage:
		data, err := json.Marshal(m.Operation)
		if err != nil {
			return nil, err
		}
		w.Data = data
	case SyncRequest:
		pid, v := m.ParticipantID, m.Version
		w.ParticipantID = &pid
		w.Version = &v
	case SyncResponse:
		ops := m.Operations
		if ops == nil {
			ops = []CanvasOperation{}
		}
		data, err := json.Marshal(syncResponseBody{Operations: ops, Version: m.Version})
		if err != nil {
			return nil, err
		}
		w.Data = data
	default:
		return nil, fmt.Errorf("%w: unsupported envelope %T", ErrProtocol, e)
	}
	return json.Marshal(w)
}

// DecodeEnvelope fails with ErrProtocol on malformed JSON, an unknown type
// or a body that does not match its type.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	switch w.Type {
	case EnvelopeOperation:
		if len(w.Data) == 0 {
			return nil, fmt.Errorf("%w: operation without data", ErrProtocol)
		}
		var op CanvasOperation
		if err := json.Unmarshal(w.Data, &op); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if err := op.Validate(); err != nil {
			return nil, err
		}
		return OperationMessage{Operation: op}, nil

	case EnvelopeSyncRequest:
		if w.ParticipantID == nil {
			return nil, fmt.Errorf("%w: sync-request without participantId", ErrProtocol)
		}
		req := SyncRequest{ParticipantID: *w.ParticipantID}
		if w.Version != nil {
			req.Version = *w.Version
		}
		return req, nil

	case EnvelopeSyncResponse:
		if len(w.Data) == 0 {
			return nil, fmt.Errorf("%w: sync-response without data", ErrProtocol)
		}
		var body syncResponseBody
		if err := json.Unmarshal(w.Data, &body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		for _, op := range body.Operations {
			if err := op.Validate(); err != nil {
				return nil, err
			}
		}
		return SyncResponse{Operations: body.Operations, Version: body.Version}, nil
	}
	return nil, fmt.Errorf("%w: unknown message type %q", ErrProtocol, w.Type)
}
