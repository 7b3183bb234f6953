package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the unit of exchange between endpoints. Messages are used for
// both targeted delivery (Target set) and capability-matched broadcast.
type Message struct {
	// ID is a unique identifier, generated automatically.
	ID string `json:"id"`

	// Type identifies the message kind (e.g. "task_assignment",
	// "task_result"). Broadcast routing matches Type against endpoint
	// capabilities.
	Type string `json:"type"`

	// Sender and Receiver are endpoint identifiers recorded for tracing.
	Sender   string `json:"sender,omitempty"`
	Receiver string `json:"receiver,omitempty"`

	// Target, when set, addresses exactly one endpoint by its id,
	// bypassing capability routing.
	Target string `json:"target,omitempty"`

	// Payload is the message data as a JSON string. Use UnmarshalPayload
	// to deserialize into a specific type.
	Payload string `json:"payload"`

	// Timestamp is the ISO 8601 creation time.
	Timestamp string `json:"timestamp"`

	// Metadata holds optional key-value pairs for correlation and tracing.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewMessage creates a message of the given type. The payload is serialized
// to JSON; an id and timestamp are generated.
func NewMessage(msgType string, payload any) *Message {
	payloadJSON, _ := json.Marshal(payload)
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   string(payloadJSON),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Metadata:  make(map[string]any),
	}
}

// From records the sending endpoint and returns the message for chaining.
func (m *Message) From(sender string) *Message {
	m.Sender = sender
	return m
}

// To records the intended receiver and returns the message for chaining.
func (m *Message) To(receiver string) *Message {
	m.Receiver = receiver
	return m
}

// WithTarget addresses the message to exactly one endpoint id.
func (m *Message) WithTarget(endpointID string) *Message {
	m.Target = endpointID
	return m
}

// WithMetadata adds a metadata entry and returns the message for chaining.
func (m *Message) WithMetadata(key string, value any) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
	return m
}

// GetMetadataString retrieves string metadata by key, falling back to
// defaultValue when absent or not a string.
func (m *Message) GetMetadataString(key, defaultValue string) string {
	if m.Metadata == nil {
		return defaultValue
	}
	if val, ok := m.Metadata[key].(string); ok {
		return val
	}
	return defaultValue
}

// UnmarshalPayload deserializes the payload into v, which must be a pointer.
func (m *Message) UnmarshalPayload(v any) error {
	if m.Payload == "" {
		return fmt.Errorf("message payload is empty")
	}
	return json.Unmarshal([]byte(m.Payload), v)
}

// Clone creates a deep copy of the message.
func (m *Message) Clone() *Message {
	clone := *m
	clone.Metadata = make(map[string]any, len(m.Metadata))
	for k, v := range m.Metadata {
		clone.Metadata[k] = v
	}
	return &clone
}

// String returns a short representation for debugging.
func (m *Message) String() string {
	return fmt.Sprintf("Message{ID:%s, Type:%s, Target:%s}", m.ID, m.Type, m.Target)
}
