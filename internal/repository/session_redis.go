package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"luna-backend/internal/models"
)

const (
	sessionKeyPrefix      = "classroom_session:"
	studentIndexKeyPrefix = "student_sessions:"
	defaultSessionTTL     = 24 * time.Hour
)

// RedisSessionStore stores each session as one JSON document and keeps a set
// of session ids per student for ListByStudent.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &RedisSessionStore{client: client, ttl: ttl}
}

func (s *RedisSessionStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	val, err := s.client.Get(ctx, sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}

	var sess models.Session
	if err := json.Unmarshal([]byte(val), &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}

	// Refresh TTL on read
	if err := s.client.Expire(ctx, sessionKey(sessionID), s.ttl).Err(); err != nil {
		log.Printf("Failed to refresh TTL for session %s: %v", sessionID, err)
	}

	return &sess, nil
}

func (s *RedisSessionStore) Save(ctx context.Context, session *models.Session) error {
	val, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", session.SessionID, err)
	}

	indexKey := studentIndexKeyPrefix + session.StudentID
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(session.SessionID), val, s.ttl)
		pipe.SAdd(ctx, indexKey, session.SessionID)
		pipe.Expire(ctx, indexKey, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", session.SessionID, err)
	}
	return nil
}

func (s *RedisSessionStore) ListByStudent(ctx context.Context, studentID string) ([]*models.Session, error) {
	indexKey := studentIndexKeyPrefix + studentID
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for student %s: %w", studentID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions for student %s: %w", studentID, err)
	}

	var result []*models.Session
	var expired []any
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var sess models.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			log.Printf("Skipping undecodable session %s: %v", ids[i], err)
			continue
		}
		result = append(result, &sess)
	}

	if len(expired) > 0 {
		s.client.SRem(ctx, indexKey, expired...)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	return result, nil
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}
