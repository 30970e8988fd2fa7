package services

import (
	"context"
	"fmt"

	"luna-backend/internal/models"
)

// Teaching action types returned by tutors.
const (
	ActionExplain  = "explain"
	ActionQuestion = "question"
	ActionFeedback = "feedback"
)

// Tutor decides what the teacher says next. Implementations may take
// arbitrary time and must not mutate the session.
type Tutor interface {
	SelectNextAction(ctx context.Context, tc TeachingContext) (*TeachingAction, error)
}

// TeachingContext is what a tutor gets to see for one turn.
type TeachingContext struct {
	SessionID    string
	LessonID     string
	StudentID    string
	TurnID       string
	StudentInput string
	History      []Exchange
}

// Exchange is one completed student/teacher pair from earlier turns.
type Exchange struct {
	Student string
	Teacher string
}

type TeachingAction struct {
	ActionType string
	Content    string
	Metadata   models.Data
}

// BuildHistory pairs student.input events with the teacher.turn_ended event of
// the same turn. Turns that never completed are skipped.
func BuildHistory(events []models.SessionEvent) []Exchange {
	inputs := make(map[string]string)
	var order []string
	replies := make(map[string]string)

	for _, e := range events {
		switch e.EventType {
		case models.EventStudentInput:
			turnID := e.Data.String("turnId")
			if _, seen := inputs[turnID]; !seen {
				order = append(order, turnID)
			}
			inputs[turnID] = e.Data.String("content")
		case models.EventTeacherTurnEnded:
			if e.Data.String("outcome") == "completed" {
				replies[e.Data.String("turnId")] = e.Data.String("content")
			}
		}
	}

	var history []Exchange
	for _, turnID := range order {
		reply, ok := replies[turnID]
		if !ok {
			continue
		}
		history = append(history, Exchange{Student: inputs[turnID], Teacher: reply})
	}
	return history
}

// EchoTutor acknowledges the student input. It is used when no model is
// configured.
type EchoTutor struct{}

func NewEchoTutor() *EchoTutor {
	return &EchoTutor{}
}

func (EchoTutor) SelectNextAction(ctx context.Context, tc TeachingContext) (*TeachingAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &TeachingAction{
		ActionType: ActionExplain,
		Content:    fmt.Sprintf("I heard you say: '%s'. Let's keep going on lesson %s.", tc.StudentInput, tc.LessonID),
		Metadata: models.Data{
			"sessionId": models.String(tc.SessionID),
			"studentId": models.String(tc.StudentID),
		},
	}, nil
}
