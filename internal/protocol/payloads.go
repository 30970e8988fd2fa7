package protocol

import "luna-backend/internal/models"

// Payload is implemented by every inbound payload variant.
type Payload interface {
	MessageType() string
}

type InputType string

const (
	InputText    InputType = "text"
	InputVoice   InputType = "voice"
	InputGesture InputType = "gestureControl"
)

type Signal string

const (
	SignalRepeat     Signal = "repeat"
	SignalSlower     Signal = "slower"
	SignalFaster     Signal = "faster"
	SignalConfused   Signal = "confused"
	SignalUnderstood Signal = "understood"
	SignalSkip       Signal = "skip"
)

func (s Signal) Valid() bool {
	switch s {
	case SignalRepeat, SignalSlower, SignalFaster, SignalConfused, SignalUnderstood, SignalSkip:
		return true
	}
	return false
}

// ──── Client → server ────

type SessionStartPayload struct {
	LessonID          string      `json:"lessonId"`
	StudentID         string      `json:"studentId"`
	AdaptationContext models.Data `json:"adaptationContext,omitempty"`
}

func (SessionStartPayload) MessageType() string { return SessionStart }

type StudentInputPayload struct {
	Content string    `json:"content"`
	Type    InputType `json:"type"`
	TurnID  string    `json:"turnId,omitempty"`
}

func (StudentInputPayload) MessageType() string { return StudentInput }

type ControlSignalPayload struct {
	Signal Signal `json:"signal"`
	TurnID string `json:"turnId,omitempty"`
}

func (ControlSignalPayload) MessageType() string { return ControlSignal }

type SessionEndPayload struct {
	Reason string `json:"reason"`
}

func (SessionEndPayload) MessageType() string { return SessionEnd }

type PingPayload struct {
	Nonce string `json:"nonce,omitempty"`
}

func (PingPayload) MessageType() string { return Ping }

// ──── Server → client ────

type SessionEventPayload struct {
	EventType      string      `json:"eventType"`
	Data           models.Data `json:"data"`
	SequenceNumber int         `json:"sequenceNumber"`
}

type TeacherTurnStartPayload struct {
	TurnID   string `json:"turnId"`
	OffsetMs int64  `json:"offsetMs"`
	Reason   string `json:"reason,omitempty"`
}

type DeltaOperation string

const (
	OperationAppend  DeltaOperation = "append"
	OperationReplace DeltaOperation = "replace"
)

type TextRange struct {
	Start  int `json:"start"`
	Length int `json:"length"`
}

type TeacherTextDeltaPayload struct {
	TurnID     string         `json:"turnId"`
	DeltaIndex int            `json:"deltaIndex"`
	Delta      string         `json:"delta"`
	OffsetMs   int64          `json:"offsetMs"`
	DurationMs *int64         `json:"durationMs,omitempty"`
	IsFinal    bool           `json:"isFinal"`
	Operation  DeltaOperation `json:"operation,omitempty"`
	Range      *TextRange     `json:"range,omitempty"`
}

type TurnOutcome string

const (
	OutcomeCompleted   TurnOutcome = "completed"
	OutcomeCancelled   TurnOutcome = "cancelled"
	OutcomeInterrupted TurnOutcome = "interrupted"
	OutcomeError       TurnOutcome = "error"
)

type TeacherTurnEndPayload struct {
	TurnID   string      `json:"turnId"`
	OffsetMs int64       `json:"offsetMs"`
	Outcome  TurnOutcome `json:"outcome"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type PongPayload struct {
	Nonce string `json:"nonce,omitempty"`
}
