package v16

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame is one decoded OCPP 1.6-J array message.
type Frame struct {
	Type             int
	UniqueID         string
	Action           string          // Call only
	Payload          json.RawMessage // Call / CallResult
	ErrorCode        ErrorCode       // CallError only
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// DecodeError reports a malformed frame. UniqueID is filled when element 1
// could still be recovered, in which case the station gets a
// FormationViolation CallError instead of a hard close.
type DecodeError struct {
	UniqueID string
	Reason   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed ocpp frame: %s", e.Reason)
}

// Decode validates and parses a wire frame.
func Decode(data []byte) (*Frame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, &DecodeError{Reason: "not a JSON array"}
	}
	if len(elems) < 3 || len(elems) > 5 {
		return nil, &DecodeError{UniqueID: recoverUniqueID(elems), Reason: fmt.Sprintf("array length %d", len(elems))}
	}

	var msgType int
	if err := json.Unmarshal(elems[0], &msgType); err != nil {
		return nil, &DecodeError{UniqueID: recoverUniqueID(elems), Reason: "message type is not an integer"}
	}

	var uniqueID string
	if err := json.Unmarshal(elems[1], &uniqueID); err != nil {
		return nil, &DecodeError{Reason: "unique id is not a string"}
	}

	frame := &Frame{Type: msgType, UniqueID: uniqueID}

	switch msgType {
	case 2: // Call
		if err := json.Unmarshal(elems[2], &frame.Action); err != nil {
			return nil, &DecodeError{UniqueID: uniqueID, Reason: "action is not a string"}
		}
		frame.Payload = json.RawMessage(`{}`)
		if len(elems) > 3 {
			if !isJSONObject(elems[3]) {
				return nil, &DecodeError{UniqueID: uniqueID, Reason: "call payload is not an object"}
			}
			frame.Payload = elems[3]
		}

	case 3: // CallResult
		frame.Payload = elems[2]

	case 4: // CallError
		var code string
		if err := json.Unmarshal(elems[2], &code); err != nil {
			return nil, &DecodeError{UniqueID: uniqueID, Reason: "error code is not a string"}
		}
		frame.ErrorCode = ErrorCode(code)
		if len(elems) > 3 {
			if err := json.Unmarshal(elems[3], &frame.ErrorDescription); err != nil {
				return nil, &DecodeError{UniqueID: uniqueID, Reason: "error description is not a string"}
			}
		}
		if len(elems) > 4 {
			frame.ErrorDetails = elems[4]
		}

	default:
		return nil, &DecodeError{UniqueID: uniqueID, Reason: fmt.Sprintf("unknown message type %d", msgType)}
	}

	return frame, nil
}

// Encode renders the frame into its wire array form.
func Encode(f *Frame) ([]byte, error) {
	var arr []interface{}
	switch f.Type {
	case 2:
		payload := f.Payload
		if payload == nil {
			payload = json.RawMessage(`{}`)
		}
		arr = []interface{}{2, f.UniqueID, f.Action, payload}
	case 3:
		payload := f.Payload
		if payload == nil {
			payload = json.RawMessage(`{}`)
		}
		arr = []interface{}{3, f.UniqueID, payload}
	case 4:
		details := f.ErrorDetails
		if details == nil {
			details = json.RawMessage(`{}`)
		}
		arr = []interface{}{4, f.UniqueID, string(f.ErrorCode), f.ErrorDescription, details}
	default:
		return nil, fmt.Errorf("cannot encode message type %d", f.Type)
	}
	return json.Marshal(arr)
}

// NewCall builds a Call frame from a payload map, normalizing values to
// their wire forms.
func NewCall(uniqueID, action string, payload map[string]interface{}) (*Frame, error) {
	body, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: 2, UniqueID: uniqueID, Action: action, Payload: body}, nil
}

// NewCallResult builds a CallResult frame from a payload map.
func NewCallResult(uniqueID string, payload map[string]interface{}) (*Frame, error) {
	body, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: 3, UniqueID: uniqueID, Payload: body}, nil
}

// NewCallError builds a CallError frame.
func NewCallError(uniqueID string, code ErrorCode, description string) *Frame {
	return &Frame{Type: 4, UniqueID: uniqueID, ErrorCode: code, ErrorDescription: description}
}

// MarshalPayload normalizes a payload map and renders it as JSON: timestamps
// become ISO-8601 strings with a Z suffix, enum-ish values keep their string
// forms.
func MarshalPayload(payload map[string]interface{}) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(normalize(payload))
}

func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case time.Time:
		return FormatTimestamp(val)
	case *time.Time:
		if val == nil {
			return nil
		}
		return FormatTimestamp(*val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[k] = normalize(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = normalize(inner)
		}
		return out
	default:
		return v
	}
}

// FormatTimestamp renders a timestamp the way stations expect it: UTC,
// second precision, trailing Z.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// ParseTimestamp accepts the RFC3339 variants stations send.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", s)
}

func recoverUniqueID(elems []json.RawMessage) string {
	if len(elems) < 2 {
		return ""
	}
	var id string
	if err := json.Unmarshal(elems[1], &id); err != nil {
		return ""
	}
	return id
}

func isJSONObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b == '{'
		}
	}
	return false
}
