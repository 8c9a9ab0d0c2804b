package protocol

import (
	"encoding/json"
	"fmt"
)

// Represents the type of a room message
type MessageType string

const (
	// Client asks to join the room it connected to
	MessageJoin MessageType = "join"

	// Join acknowledgement, sent to the joiner only
	MessageJoinAck MessageType = "room.success"

	// Join rejected (unknown room, room full)
	MessageJoinError MessageType = "room.error"

	// Updated participant list
	MessageClients MessageType = "clients.change"

	// Whole-document replacement
	MessageCodeChange MessageType = "code.change"

	// Cursor/selection update
	MessageSelectionChange MessageType = "selection.change"

	// Client asks for a snapshot save
	MessageSave MessageType = "save"
)

// Envelope is the frame every message travels in.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Selection is one editor cursor/selection range. Line and column numbers are 1-based.
type Selection struct {
	SelectionStartLineNumber int `json:"selectionStartLineNumber"`
	SelectionStartColumn     int `json:"selectionStartColumn"`
	PositionLineNumber       int `json:"positionLineNumber"`
	PositionColumn           int `json:"positionColumn"`
}

// DefaultSelections returns the cursor state of a fresh room: a caret at 1:1.
func DefaultSelections() []Selection {
	return []Selection{{
		SelectionStartLineNumber: 1,
		SelectionStartColumn:     1,
		PositionLineNumber:       1,
		PositionColumn:           1,
	}}
}

type Join struct {
	Name string `json:"name"`
}

type JoinAck struct {
	Clients    []string    `json:"clients"`
	Code       string      `json:"code"`
	Language   string      `json:"language"`
	Selections []Selection `json:"selections"`
	Version    uint64      `json:"version"`
}

type JoinError struct {
	Message string `json:"message"`
}

type Clients struct {
	Clients []string `json:"clients"`
}

// CodeChange is both the inbound edit proposal and the outbound edit event.
// Version is ignored on the way in.
type CodeChange struct {
	Value      string      `json:"value"`
	Selections []Selection `json:"selections"`
	Version    uint64      `json:"version,omitempty"`
}

type SelectionChange struct {
	Selections []Selection `json:"selections"`
}

// Encode wraps data in an envelope of the given type.
func Encode(t MessageType, data any) ([]byte, error) {
	env := Envelope{Type: t}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", t, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(t MessageType, data any) []byte {
	b, err := Encode(t, data)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses an envelope without touching its payload.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if len(raw) == 0 {
		return env, fmt.Errorf("empty message")
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("message type missing")
	}
	return env, nil
}

// DecodeData parses the envelope payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s message has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}
