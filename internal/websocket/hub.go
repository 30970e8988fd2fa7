package websocket

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"luna-backend/internal/middleware"
)

const supersedeTimeout = 5 * time.Second

var ErrHubClosed = errors.New("hub is shut down")

// Hub upgrades classroom websocket requests and keeps at most one live
// connection per session. A newer connection for a session closes the older
// one and waits for it to finish before loading the session.
type Hub struct {
	handler   *Handler
	auth      *middleware.JWTAuth
	upgrader  websocket.Upgrader
	readLimit int64

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	live   map[string]*liveConnection
	closed bool
	wg     sync.WaitGroup
}

type liveConnection struct {
	conn *Connection
	done chan struct{}
}

// NewHub builds a hub. With a nil auth every connection is accepted;
// otherwise the ?token= query parameter must carry a session token for the
// requested session.
func NewHub(handler *Handler, auth *middleware.JWTAuth, allowedOrigin string, readLimit int64) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		handler:   handler,
		auth:      auth,
		readLimit: readLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(allowedOrigin),
		},
		ctx:    ctx,
		cancel: cancel,
		live:   make(map[string]*liveConnection),
	}
}

func checkOrigin(allowed string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return allowed == "" || allowed == "*" || origin == "" || origin == allowed
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "Missing session id", http.StatusBadRequest)
		return
	}

	if h.auth != nil {
		claims, err := h.auth.ParseSessionToken(r.URL.Query().Get("token"))
		if err != nil || claims.SessionID != sessionID {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	if err := h.Serve(sessionID, NewGorillaTransport(conn, h.readLimit)); err != nil {
		log.Printf("WebSocket session %s closed: %v", sessionID, err)
	}
}

// Serve runs a connection for sessionID on transport until it finishes.
func (h *Hub) Serve(sessionID string, transport Transport) error {
	c := h.handler.NewConnection(h.ctx, sessionID, transport)
	lc := &liveConnection{conn: c, done: make(chan struct{})}

	prev, err := h.register(sessionID, lc)
	if err != nil {
		transport.Close(websocket.CloseGoingAway, "Server shutting down")
		return err
	}
	defer func() {
		h.unregister(sessionID, lc)
		close(lc.done)
		h.wg.Done()
	}()

	if prev != nil {
		log.Printf("Session %s opened on a new connection, closing %s", sessionID, prev.conn.ID())
		prev.conn.Close(websocket.ClosePolicyViolation, "Session opened on another connection")
		select {
		case <-prev.done:
		case <-time.After(supersedeTimeout):
			log.Printf("Superseded connection %s did not finish within %s", prev.conn.ID(), supersedeTimeout)
		}
	}

	return c.Serve()
}

func (h *Hub) register(sessionID string, lc *liveConnection) (*liveConnection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	prev := h.live[sessionID]
	h.live[sessionID] = lc
	h.wg.Add(1)
	return prev, nil
}

func (h *Hub) unregister(sessionID string, lc *liveConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.live[sessionID] == lc {
		delete(h.live, sessionID)
	}
}

// EndSession ends a session through its live connection, if there is one.
// It reports whether a live connection handled the request.
func (h *Hub) EndSession(sessionID, reason string) bool {
	h.mu.Lock()
	lc := h.live[sessionID]
	h.mu.Unlock()

	if lc == nil {
		return false
	}
	if err := lc.conn.Terminate(reason); err != nil {
		return false
	}

	select {
	case <-lc.done:
	case <-time.After(supersedeTimeout):
		log.Printf("Connection %s did not finish within %s after end", lc.conn.ID(), supersedeTimeout)
	}
	return true
}

// ActiveSessions returns how many sessions have a live connection.
func (h *Hub) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// Shutdown closes every connection and waits for them to finish.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("websocket hub shutdown: %w", ctx.Err())
	}
}
