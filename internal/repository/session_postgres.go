package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"luna-backend/internal/models"
)

type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

func (r *PostgresSessionStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, student_id, lesson_id, state, started_at, ended_at, events
		FROM classroom_sessions
		WHERE id = $1
	`, sessionID)

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	return sess, nil
}

func (r *PostgresSessionStore) Save(ctx context.Context, s *models.Session) error {
	events, err := json.Marshal(s.Events)
	if err != nil {
		return fmt.Errorf("failed to encode events for session %s: %w", s.SessionID, err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO classroom_sessions (id, student_id, lesson_id, state, started_at, ended_at, events, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state,
			ended_at = EXCLUDED.ended_at,
			events = EXCLUDED.events,
			updated_at = NOW()
	`, s.SessionID, s.StudentID, s.LessonID, string(s.State), s.StartedAt, s.EndedAt, events)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.SessionID, err)
	}
	return nil
}

func (r *PostgresSessionStore) ListByStudent(ctx context.Context, studentID string) ([]*models.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, student_id, lesson_id, state, started_at, ended_at, events
		FROM classroom_sessions
		WHERE student_id = $1
		ORDER BY started_at DESC
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for student %s: %w", studentID, err)
	}
	defer rows.Close()

	var result []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var (
		s      models.Session
		state  string
		events []byte
	)
	if err := row.Scan(&s.SessionID, &s.StudentID, &s.LessonID, &state, &s.StartedAt, &s.EndedAt, &events); err != nil {
		return nil, err
	}
	s.State = models.SessionState(state)
	if err := json.Unmarshal(events, &s.Events); err != nil {
		return nil, fmt.Errorf("failed to decode events for session %s: %w", s.SessionID, err)
	}
	return &s, nil
}
