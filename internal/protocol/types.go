package protocol

import (
	"encoding/json"
	"time"
)

// Classroom message types. Clients must use these exact strings.
const (
	SessionStart  = "v1.classroom.session_start"
	SessionEnd    = "v1.classroom.session_end"
	SessionEvent  = "v1.classroom.session_event"
	StudentInput  = "v1.classroom.student_input"
	ControlSignal = "v1.classroom.control_signal"

	TeacherTurnStart = "v1.classroom.teacher_turn_start"
	TeacherTextDelta = "v1.classroom.teacher_text_delta"
	TeacherTurnEnd   = "v1.classroom.teacher_turn_end"

	Error = "v1.classroom.error"
	Ping  = "v1.classroom.ping"
	Pong  = "v1.classroom.pong"
)

// Envelope is the outbound wire unit.
type Envelope struct {
	MessageID      string    `json:"messageId"`
	CorrelationID  string    `json:"correlationId"`
	MessageType    string    `json:"messageType"`
	Timestamp      time.Time `json:"timestamp"`
	SequenceNumber *int64    `json:"sequenceNumber,omitempty"`
	Payload        any       `json:"payload"`
}

// RawEnvelope is an inbound envelope whose payload has not been decoded yet.
// Timestamp is kept verbatim since clients format it freely.
type RawEnvelope struct {
	MessageID      string
	CorrelationID  string
	MessageType    string
	Timestamp      string
	SequenceNumber *int64
	Payload        json.RawMessage
}

// FlowCorrelationID picks the id that ties this message to its responses.
func (e *RawEnvelope) FlowCorrelationID(fallback string) string {
	switch {
	case e.CorrelationID != "":
		return e.CorrelationID
	case e.MessageID != "":
		return e.MessageID
	default:
		return fallback
	}
}
