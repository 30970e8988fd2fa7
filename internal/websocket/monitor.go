package websocket

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"luna-backend/internal/middleware"
	"luna-backend/internal/services"
)

// Monitor streams audit events of a session to read-only observers. Events
// arrive over redis pub/sub, so observers may sit on any instance.
type Monitor struct {
	mu          sync.RWMutex
	observers   map[string][]*websocket.Conn
	redisClient *redis.Client
	auth        *middleware.JWTAuth
	upgrader    websocket.Upgrader
	cancelFuncs map[string]context.CancelFunc
}

func NewMonitor(redisClient *redis.Client, auth *middleware.JWTAuth, allowedOrigin string) *Monitor {
	return &Monitor{
		observers:   make(map[string][]*websocket.Conn),
		redisClient: redisClient,
		auth:        auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigin),
		},
		cancelFuncs: make(map[string]context.CancelFunc),
	}
}

func (m *Monitor) HandleMonitor(w http.ResponseWriter, r *http.Request) {
	if m.redisClient == nil {
		http.Error(w, "Session monitoring requires redis", http.StatusServiceUnavailable)
		return
	}

	sessionID := chi.URLParam(r, "id")
	if m.auth != nil {
		claims, err := m.auth.ParseSessionToken(r.URL.Query().Get("token"))
		if err != nil || claims.SessionID != sessionID {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Monitor upgrade failed: %v", err)
		return
	}

	m.registerObserver(sessionID, conn)

	// Observers never send; reading only detects the disconnect.
	go func() {
		defer m.unregisterObserver(sessionID, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Observers returns how many observers follow sessionID.
func (m *Monitor) Observers(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.observers[sessionID])
}

func (m *Monitor) registerObserver(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observers[sessionID] = append(m.observers[sessionID], conn)

	if len(m.observers[sessionID]) == 1 {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancelFuncs[sessionID] = cancel
		go m.subscribe(ctx, sessionID)
	}

	log.Printf("Monitor attached: session %s (observers: %d)", sessionID, len(m.observers[sessionID]))
}

func (m *Monitor) unregisterObserver(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn.Close()

	conns := m.observers[sessionID]
	for i, c := range conns {
		if c == conn {
			m.observers[sessionID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}

	if len(m.observers[sessionID]) == 0 {
		delete(m.observers, sessionID)
		if cancel, ok := m.cancelFuncs[sessionID]; ok {
			cancel()
			delete(m.cancelFuncs, sessionID)
		}
	}

	log.Printf("Monitor detached: session %s", sessionID)
}

func (m *Monitor) subscribe(ctx context.Context, sessionID string) {
	pubsub := m.redisClient.Subscribe(ctx, services.SessionChannel(sessionID))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.broadcast(sessionID, []byte(msg.Payload))
		}
	}
}

// broadcast is only called from the session's subscribe goroutine, so each
// observer has a single writer.
func (m *Monitor) broadcast(sessionID string, data []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, conn := range m.observers[sessionID] {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Printf("Monitor write failed on session %s: %v", sessionID, err)
		}
	}
}

// Shutdown stops every subscription and closes all observers.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, cancel := range m.cancelFuncs {
		cancel()
		delete(m.cancelFuncs, id)
	}
	for id, conns := range m.observers {
		for _, conn := range conns {
			conn.Close()
		}
		delete(m.observers, id)
	}
}
