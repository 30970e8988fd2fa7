package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"luna-backend/internal/models"
	"luna-backend/internal/repository"
	"luna-backend/internal/services"
	"luna-backend/internal/worker"
)

const waitTimeout = 2 * time.Second

var errTransportClosed = errors.New("use of closed network connection")

// fakeTransport is an in-memory Transport driven by the test as the client.
type fakeTransport struct {
	inbound  chan []byte
	outbound chan []byte
	gone     chan struct{}
	dropped  chan struct{}
	closed   chan struct{}

	mu          sync.Mutex
	closeCode   int
	closeReason string
	writes      int

	hangUpOnce sync.Once
	dropOnce   sync.Once
	closeOnce  sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 256),
		gone:     make(chan struct{}),
		dropped:  make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.inbound:
		return websocket.TextMessage, data, nil
	case <-f.gone:
		return 0, nil, fmt.Errorf("%w: close 1000 (normal)", ErrPeerClosed)
	case <-f.dropped:
		return 0, nil, io.ErrUnexpectedEOF
	case <-f.closed:
		return 0, nil, errTransportClosed
	}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	select {
	case <-f.closed:
		return errTransportClosed
	default:
	}
	f.writes++
	f.outbound <- data
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.closeReason = reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

// hangUp simulates the client sending a close frame.
func (f *fakeTransport) hangUp() {
	f.hangUpOnce.Do(func() { close(f.gone) })
}

// drop simulates the network going away without a close frame.
func (f *fakeTransport) drop() {
	f.dropOnce.Do(func() { close(f.dropped) })
}

func (f *fakeTransport) closeStatus() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

func (f *fakeTransport) waitClosed(t *testing.T) (int, string) {
	t.Helper()
	select {
	case <-f.closed:
	case <-time.After(waitTimeout):
		t.Fatalf("transport was not closed")
	}
	return f.closeStatus()
}

func (f *fakeTransport) sendRaw(data string) {
	f.inbound <- []byte(data)
}

func (f *fakeTransport) sendMessage(t *testing.T, messageType, messageID string, payload any) {
	t.Helper()
	frame := map[string]any{
		"messageId":   messageID,
		"messageType": messageType,
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if payload != nil {
		frame["payload"] = payload
	}
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("failed to encode test frame: %v", err)
	}
	f.inbound <- data
}

type outMessage struct {
	MessageID      string          `json:"messageId"`
	CorrelationID  string          `json:"correlationId"`
	MessageType    string          `json:"messageType"`
	Timestamp      time.Time       `json:"timestamp"`
	SequenceNumber int64           `json:"sequenceNumber"`
	Payload        json.RawMessage `json:"payload"`
}

func (m outMessage) decode(t *testing.T, dst any) {
	t.Helper()
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		t.Fatalf("failed to decode %s payload: %v", m.MessageType, err)
	}
}

func (f *fakeTransport) next(t *testing.T) outMessage {
	t.Helper()
	select {
	case data := <-f.outbound:
		var msg outMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("server sent invalid envelope %s: %v", data, err)
		}
		return msg
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for server message")
		return outMessage{}
	}
}

func (f *fakeTransport) expect(t *testing.T, messageType string) outMessage {
	t.Helper()
	msg := f.next(t)
	if msg.MessageType != messageType {
		t.Fatalf("Expected %s, got %s: %s", messageType, msg.MessageType, msg.Payload)
	}
	return msg
}

func (f *fakeTransport) expectNothing(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case data := <-f.outbound:
		t.Fatalf("Expected no message, got %s", data)
	case <-time.After(d):
	}
}

// tutorFunc adapts a function to services.Tutor.
type tutorFunc func(ctx context.Context, tc services.TeachingContext) (*services.TeachingAction, error)

func (f tutorFunc) SelectNextAction(ctx context.Context, tc services.TeachingContext) (*services.TeachingAction, error) {
	return f(ctx, tc)
}

type testEnv struct {
	handler *Handler
	store   *repository.MemorySessionStore
	pool    *worker.Pool
}

func newTestEnv(t *testing.T, tutor services.Tutor, fillers []string) *testEnv {
	t.Helper()
	store := repository.NewMemorySessionStore()
	clock := models.SystemClock{}
	engine := NewTurnEngine(tutor, clock, time.Second, fillers, nil)
	pool := worker.NewPool(8)
	t.Cleanup(func() { pool.Stop(waitTimeout) })

	return &testEnv{
		handler: NewHandler(store, engine, pool, clock, nil, nil),
		store:   store,
		pool:    pool,
	}
}

func (e *testEnv) createSession(t *testing.T) *models.Session {
	t.Helper()
	s := models.Create("stud1", "lesson1", models.SystemClock{})
	if err := e.store.Save(context.Background(), s); err != nil {
		t.Fatalf("failed to save session: %v", err)
	}
	return s
}

func (e *testEnv) serve(ctx context.Context, sessionID string, ft *fakeTransport) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- e.handler.HandleConnection(ctx, sessionID, ft)
	}()
	return done
}

func (e *testEnv) load(t *testing.T, sessionID string) *models.Session {
	t.Helper()
	s, err := e.store.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	return s
}

func (e *testEnv) waitForEvent(t *testing.T, sessionID, eventType string) models.SessionEvent {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if evt, ok := e.load(t, sessionID).FindEvent(eventType); ok {
			return evt
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %s was never recorded", eventType)
	return models.SessionEvent{}
}

// waitForEvents waits until the stored session holds n events of eventType.
func (e *testEnv) waitForEvents(t *testing.T, sessionID, eventType string, n int) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		count := 0
		for _, evt := range e.load(t, sessionID).Events {
			if evt.EventType == eventType {
				count++
			}
		}
		if count >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d %s events", n, eventType)
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		t.Fatalf("connection did not finish")
		return nil
	}
}

func eventTypes(s *models.Session) []string {
	types := make([]string, len(s.Events))
	for i, e := range s.Events {
		types[i] = e.EventType
	}
	return types
}
