package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"luna-backend/internal/models"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionStore is the keyed lookup/save of classroom sessions. It is the only
// place sessions cross connection handler boundaries, so implementations must
// be safe for concurrent use.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Save(ctx context.Context, session *models.Session) error
	ListByStudent(ctx context.Context, studentID string) ([]*models.Session, error)
}

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// NewSessionStore builds the store selected by kind. The redis and postgres
// clients are only required for their respective kinds.
func NewSessionStore(kind string, redisClient *redis.Client, pool *pgxpool.Pool, ttl time.Duration) (SessionStore, error) {
	switch kind {
	case "", StoreMemory:
		return NewMemorySessionStore(), nil
	case StoreRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("redis session store requires a redis client")
		}
		return NewRedisSessionStore(redisClient, ttl), nil
	case StorePostgres:
		if pool == nil {
			return nil, fmt.Errorf("postgres session store requires a database pool")
		}
		return NewPostgresSessionStore(pool), nil
	default:
		return nil, fmt.Errorf("unknown session store %q", kind)
	}
}
