// internal/channel/schema.go
package channel

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"focus-sync/internal/common/errors"
	"focus-sync/internal/models"
)

// ==========================
// ENVELOPE VALIDATION
// ==========================

// payloadSchemas maps each request type to the JSON Schema its payload
// must satisfy before decoding. Unknown types never reach these: the
// envelope check rejects them first.
var payloadSchemas = map[models.MessageType]string{
	models.MsgToggleFocus: `{
		"type": "object",
		"required": ["userId", "enable"],
		"properties": {
			"userId":   {"type": "string", "minLength": 1},
			"enable":   {"type": "boolean"},
			"timezone": {"type": "string"}
		}
	}`,
	models.MsgGetFocusState: `{
		"type": "object",
		"required": ["userId"],
		"properties": {
			"userId": {"type": "string", "minLength": 1}
		}
	}`,
	models.MsgCreateSession: `{
		"type": "object",
		"required": ["session"],
		"properties": {
			"session": {
				"type": "object",
				"required": ["userId", "startTime"],
				"properties": {
					"userId":    {"type": "string", "minLength": 1},
					"startTime": {"type": "string"}
				}
			}
		}
	}`,
	models.MsgUpdateSession: `{
		"type": "object",
		"required": ["sessionId", "durationMinutes"],
		"properties": {
			"sessionId":       {"type": "string", "minLength": 1},
			"durationMinutes": {"type": "integer", "minimum": 0}
		}
	}`,
	models.MsgCompleteSession: `{
		"type": "object",
		"required": ["sessionId"],
		"properties": {
			"sessionId":    {"type": "string", "minLength": 1},
			"finalMinutes": {"type": "integer", "minimum": 0}
		}
	}`,
	models.MsgDeleteSession: `{
		"type": "object",
		"required": ["sessionId", "reason"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"reason":    {"type": "string", "enum": ["test_session", "corrupted_data", "manual_deletion", "admin_cleanup"]}
		}
	}`,
	models.MsgGetSessions: `{
		"type": "object",
		"required": ["startDate", "endDate"],
		"properties": {
			"startDate": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"},
			"endDate":   {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"}
		}
	}`,
}

// compiledSchemas holds the schemas compiled once at package init.
var compiledSchemas = func() map[models.MessageType]*gojsonschema.Schema {
	out := make(map[models.MessageType]*gojsonschema.Schema, len(payloadSchemas))
	for msgType, raw := range payloadSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("invalid payload schema for %s: %v", msgType, err))
		}
		out[msgType] = schema
	}
	return out
}()

// ValidateEnvelope checks the frame before anything touches its payload:
// the type must be in the enumeration and the payload must satisfy the
// type's schema.
func ValidateEnvelope(env *models.Envelope) error {
	if env == nil {
		return errors.NewInvalidEnvelopeError("envelope is nil")
	}
	if env.ID == "" {
		return errors.NewInvalidEnvelopeError("envelope id is required")
	}
	if !env.Type.IsValid() {
		return errors.NewInvalidEnvelopeError(fmt.Sprintf("unknown message type: %q", env.Type))
	}

	schema := compiledSchemas[env.Type]
	payload := []byte(env.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return errors.NewInvalidEnvelopeError("payload is not valid JSON: " + err.Error())
	}
	if !result.Valid() {
		first := result.Errors()[0]
		return errors.NewInvalidEnvelopeError(fmt.Sprintf("%s payload: %s", env.Type, first.String()))
	}
	return nil
}
