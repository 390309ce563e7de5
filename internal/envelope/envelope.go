// Package envelope defines the wire format for messages crossing service
// boundaries on the queue bus. Every service imports this package so the
// message kinds stay a single closed set.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message on the bus.
type MessageType string

const (
	MsgChat              MessageType = "chat"
	MsgCommand           MessageType = "command"
	MsgEvent             MessageType = "event"
	MsgError             MessageType = "error"
	MsgTaskCreate        MessageType = "task_create"
	MsgTaskResult        MessageType = "task_result"
	MsgCapabilityRequest MessageType = "capability_request"
	MsgHeartbeat         MessageType = "heartbeat"
	MsgDream             MessageType = "dream"
)

var knownTypes = map[MessageType]struct{}{
	MsgChat: {}, MsgCommand: {}, MsgEvent: {}, MsgError: {},
	MsgTaskCreate: {}, MsgTaskResult: {}, MsgCapabilityRequest: {},
	MsgHeartbeat: {}, MsgDream: {},
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Priority levels carried in payload metadata.
const (
	PriorityLow      = "low"
	PriorityNormal   = "normal"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// Metadata is the optional routing metadata inside a payload.
type Metadata struct {
	Priority      string `json:"priority,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Payload wraps the type-specific content plus optional metadata.
type Payload struct {
	Content  json.RawMessage `json:"content,omitempty"`
	Metadata Metadata        `json:"metadata,omitempty"`
}

// Envelope wraps every message published to the bus.
// Envelopes are immutable after publish; IDs are globally unique.
type Envelope struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`           // "agent:<name>" or "service:<name>"
	Target    string      `json:"target,omitempty"` // subject or channel
	Payload   Payload     `json:"payload"`
	Signature string      `json:"signature,omitempty"` // HMAC over the payload
}

// New builds an envelope with a fresh ID and the current timestamp.
func New(msgType MessageType, source, target string, content any) (*Envelope, error) {
	if !msgType.Valid() {
		return nil, fmt.Errorf("unknown message type %q", msgType)
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal payload content: %w", err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Target:    target,
		Payload:   Payload{Content: raw, Metadata: Metadata{Priority: PriorityNormal}},
	}, nil
}

// WithPriority sets the payload metadata priority.
func (e *Envelope) WithPriority(p string) *Envelope {
	e.Payload.Metadata.Priority = p
	return e
}

// WithCorrelation sets the payload correlation ID.
func (e *Envelope) WithCorrelation(id string) *Envelope {
	e.Payload.Metadata.CorrelationID = id
	return e
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope off the wire and rejects unknown message types.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if e.ID == "" {
		return nil, fmt.Errorf("envelope missing id")
	}
	if !e.Type.Valid() {
		return nil, fmt.Errorf("unknown message type %q", e.Type)
	}
	return &e, nil
}

// DecodeContent unmarshals the payload content into out.
func (e *Envelope) DecodeContent(out any) error {
	if len(e.Payload.Content) == 0 {
		return fmt.Errorf("envelope %s has empty content", e.ID)
	}
	return json.Unmarshal(e.Payload.Content, out)
}
