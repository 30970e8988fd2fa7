package models

import "time"

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type CreateSessionRequest struct {
	StudentID string `json:"studentId"`
	LessonID  string `json:"lessonId"`
}

type CreateSessionResponse struct {
	SessionID    string `json:"sessionId"`
	WebSocketURL string `json:"webSocketUrl"`
	Token        string `json:"token,omitempty"`
}

type SessionSummary struct {
	SessionID  string       `json:"sessionId"`
	StudentID  string       `json:"studentId"`
	LessonID   string       `json:"lessonId"`
	State      SessionState `json:"state"`
	StartedAt  time.Time    `json:"startedAt"`
	EndedAt    *time.Time   `json:"endedAt,omitempty"`
	EventCount int          `json:"eventCount"`
}

func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		SessionID:  s.SessionID,
		StudentID:  s.StudentID,
		LessonID:   s.LessonID,
		State:      s.State,
		StartedAt:  s.StartedAt,
		EndedAt:    s.EndedAt,
		EventCount: len(s.Events),
	}
}
