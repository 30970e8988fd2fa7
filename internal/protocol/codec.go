package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownMessageType is returned by DecodePayload for message types the
// server does not route. Callers log and ignore these.
var ErrUnknownMessageType = errors.New("unknown message type")

// DecodeError reports a frame or payload that does not have the required shape.
type DecodeError struct {
	MessageType string
	Reason      string
	Err         error
}

func (e *DecodeError) Error() string {
	msg := "decode"
	if e.MessageType != "" {
		msg += " " + e.MessageType
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes an outbound envelope.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", env.MessageType, err)
	}
	return data, nil
}

// Decode parses one inbound frame. Unknown fields are ignored; the frame must
// be a JSON object with a non-empty string messageType.
func Decode(data []byte) (*RawEnvelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &DecodeError{Reason: "frame is not a JSON object", Err: err}
	}
	if fields == nil {
		return nil, &DecodeError{Reason: "frame is null"}
	}

	env := &RawEnvelope{}

	rawType, ok := fields["messageType"]
	if !ok {
		return nil, &DecodeError{Reason: "missing messageType"}
	}
	if err := json.Unmarshal(rawType, &env.MessageType); err != nil {
		return nil, &DecodeError{Reason: "messageType must be a string", Err: err}
	}
	if strings.TrimSpace(env.MessageType) == "" {
		return nil, &DecodeError{Reason: "empty messageType"}
	}

	env.MessageID = optionalString(fields["messageId"])
	env.CorrelationID = optionalString(fields["correlationId"])
	env.Timestamp = optionalString(fields["timestamp"])

	if raw, ok := fields["sequenceNumber"]; ok && !isNull(raw) {
		var seq int64
		if err := json.Unmarshal(raw, &seq); err == nil {
			env.SequenceNumber = &seq
		}
	}

	if raw, ok := fields["payload"]; ok && !isNull(raw) {
		env.Payload = raw
	}

	return env, nil
}

// DecodePayload decodes the envelope payload into the variant selected by
// its messageType.
func DecodePayload(env *RawEnvelope) (Payload, error) {
	switch env.MessageType {
	case SessionStart:
		var p SessionStartPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		if p.LessonID == "" || p.StudentID == "" {
			return nil, &DecodeError{MessageType: env.MessageType, Reason: "lessonId and studentId are required"}
		}
		return p, nil

	case StudentInput:
		var p StudentInputPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		p.Type = normalizeInputType(p.Type)
		if p.Type == "" {
			return nil, &DecodeError{MessageType: env.MessageType, Reason: "unsupported input type"}
		}
		if strings.TrimSpace(p.Content) == "" {
			return nil, &DecodeError{MessageType: env.MessageType, Reason: "content is required"}
		}
		return p, nil

	case ControlSignal:
		var p ControlSignalPayload
		if err := unmarshalPayload(env, &p); err != nil {
			return nil, err
		}
		p.Signal = Signal(strings.ToLower(string(p.Signal)))
		if !p.Signal.Valid() {
			return nil, &DecodeError{MessageType: env.MessageType, Reason: fmt.Sprintf("unknown signal %q", p.Signal)}
		}
		return p, nil

	case SessionEnd:
		var p SessionEndPayload
		if len(env.Payload) > 0 {
			if err := unmarshalPayload(env, &p); err != nil {
				return nil, err
			}
		}
		return p, nil

	case Ping:
		var p PingPayload
		if len(env.Payload) > 0 {
			if err := unmarshalPayload(env, &p); err != nil {
				return nil, err
			}
		}
		return p, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, env.MessageType)
	}
}

func unmarshalPayload(env *RawEnvelope, dst any) error {
	if len(env.Payload) == 0 {
		return &DecodeError{MessageType: env.MessageType, Reason: "missing payload"}
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return &DecodeError{MessageType: env.MessageType, Reason: "invalid payload", Err: err}
	}
	return nil
}

func normalizeInputType(t InputType) InputType {
	switch strings.ToLower(string(t)) {
	case "", "text":
		return InputText
	case "voice":
		return InputVoice
	case "gesturecontrol", "gesture_control", "gesture":
		return InputGesture
	default:
		return ""
	}
}

func optionalString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
