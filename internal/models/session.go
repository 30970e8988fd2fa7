package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type SessionState string

const (
	SessionCreated SessionState = "created"
	SessionActive  SessionState = "active"
	SessionPaused  SessionState = "paused"
	SessionEnded   SessionState = "ended"
)

// Audit event types recorded on a classroom session.
const (
	EventSessionCreated   = "session.created"
	EventSessionConnected = "session.connected"
	EventSessionStarted   = "session.started"
	EventStudentInput     = "student.input"
	EventStudentControl   = "student.control"
	EventTeacherTurnEnded = "teacher.turn_ended"
	EventSessionEnded     = "session.ended"
)

// Session is the authoritative per-learner, per-lesson conversation state.
// Events is append-only; use RecordEvent to add to it.
type Session struct {
	SessionID string         `json:"sessionId"`
	StudentID string         `json:"studentId"`
	LessonID  string         `json:"lessonId"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
	State     SessionState   `json:"state"`
	Events    []SessionEvent `json:"events"`
}

// SessionEvent is one fact in the session audit log.
type SessionEvent struct {
	Sequence  int       `json:"sequence"`
	EventType string    `json:"eventType"`
	Timestamp time.Time `json:"timestamp"`
	Data      Data      `json:"data"`
}

// NewID returns a fresh opaque 32-character hex identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Create builds a new active session for a student and lesson.
func Create(studentID, lessonID string, clock Clock) *Session {
	return &Session{
		SessionID: NewID(),
		StudentID: studentID,
		LessonID:  lessonID,
		StartedAt: clock.Now(),
		State:     SessionActive,
		Events:    []SessionEvent{},
	}
}

// RecordEvent appends evt to the log. The sequence is always recomputed as
// len(Events)+1 and the timestamp is filled in when zero.
func (s *Session) RecordEvent(evt SessionEvent, clock Clock) SessionEvent {
	evt.Sequence = len(s.Events) + 1
	if evt.Timestamp.IsZero() {
		evt.Timestamp = clock.Now()
	}
	if evt.Data == nil {
		evt.Data = Data{}
	}
	s.Events = append(s.Events, evt)
	return evt
}

// End marks the session ended and records a session.ended event carrying the
// reason. Calling End again appends another session.ended event.
func (s *Session) End(reason string, clock Clock) SessionEvent {
	now := clock.Now()
	s.State = SessionEnded
	s.EndedAt = &now
	return s.RecordEvent(SessionEvent{
		EventType: EventSessionEnded,
		Data:      Data{"reason": String(reason)},
	}, clock)
}

func (s *Session) IsEnded() bool {
	return s.State == SessionEnded
}

// FindEvent returns the first event of the given type.
func (s *Session) FindEvent(eventType string) (SessionEvent, bool) {
	for _, e := range s.Events {
		if e.EventType == eventType {
			return e, true
		}
	}
	return SessionEvent{}, false
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *Session) Clone() *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	c.Events = make([]SessionEvent, len(s.Events))
	for i, e := range s.Events {
		e.Data = e.Data.Clone()
		c.Events[i] = e
	}
	return &c
}
