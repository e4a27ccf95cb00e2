// internal/models/envelope.go
package models

import "encoding/json"

// MessageType is the closed enumeration of requests accepted on the
// cross-client message channel.
type MessageType string

const (
	MsgToggleFocus     MessageType = "TOGGLE_FOCUS"
	MsgGetFocusState   MessageType = "GET_FOCUS_STATE"
	MsgCreateSession   MessageType = "CREATE_SESSION"
	MsgUpdateSession   MessageType = "UPDATE_SESSION"
	MsgCompleteSession MessageType = "COMPLETE_SESSION"
	MsgDeleteSession   MessageType = "DELETE_SESSION"
	MsgGetSessions     MessageType = "GET_SESSIONS"
)

// IsValid reports whether the type belongs to the request enumeration.
func (t MessageType) IsValid() bool {
	switch t {
	case MsgToggleFocus, MsgGetFocusState, MsgCreateSession, MsgUpdateSession,
		MsgCompleteSession, MsgDeleteSession, MsgGetSessions:
		return true
	}
	return false
}

// Envelope is the wire frame exchanged between the two client processes.
// Payload stays raw until the type-specific schema check and decode at the
// channel boundary.
type Envelope struct {
	ID      string          `json:"id"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the reply frame. On failure Error carries a human-readable
// message and Success is false; payload fields are type-specific.
type Response struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// --- Typed request payloads, decoded after schema validation ---

// TogglePayload carries the desired focus state rather than a bare flip so
// a redelivered request cannot undo the first one.
type TogglePayload struct {
	UserID   string `json:"userId"`
	Enable   bool   `json:"enable"`
	Timezone string `json:"timezone,omitempty"`
}

type FocusStatePayload struct {
	UserID string `json:"userId"`
}

type CreateSessionPayload struct {
	Session *FocusSession `json:"session"`
}

type UpdateSessionPayload struct {
	SessionID       string `json:"sessionId"`
	DurationMinutes int    `json:"durationMinutes"`
}

type CompleteSessionPayload struct {
	SessionID    string `json:"sessionId"`
	FinalMinutes *int   `json:"finalMinutes,omitempty"`
}

type DeleteSessionPayload struct {
	SessionID string       `json:"sessionId"`
	Reason    DeleteReason `json:"reason"`
}

type GetSessionsPayload struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}
