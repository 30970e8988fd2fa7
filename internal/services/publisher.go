package services

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"luna-backend/internal/models"
)

// SessionUpdate is what observers of a session receive over pub/sub.
type SessionUpdate struct {
	SessionID string              `json:"sessionId"`
	Event     models.SessionEvent `json:"event"`
}

// EventPublisher fans audit events out to redis so session monitors on any
// instance can follow along. A nil publisher drops everything.
type EventPublisher struct {
	redis *redis.Client
}

func NewEventPublisher(redisClient *redis.Client) *EventPublisher {
	if redisClient == nil {
		return nil
	}
	return &EventPublisher{redis: redisClient}
}

// SessionChannel is the pub/sub channel carrying updates for one session.
func SessionChannel(sessionID string) string {
	return "session_updates:" + sessionID
}

// Publish sends one audit event for a session.
func (p *EventPublisher) Publish(ctx context.Context, sessionID string, evt models.SessionEvent) {
	if p == nil {
		return
	}

	data, err := json.Marshal(SessionUpdate{SessionID: sessionID, Event: evt})
	if err != nil {
		log.Printf("Failed to encode update for session %s: %v", sessionID, err)
		return
	}
	if err := p.redis.Publish(ctx, SessionChannel(sessionID), string(data)).Err(); err != nil {
		log.Printf("Failed to publish update for session %s: %v", sessionID, err)
	}
}
