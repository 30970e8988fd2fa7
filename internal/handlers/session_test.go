package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"luna-backend/internal/metrics"
	"luna-backend/internal/middleware"
	"luna-backend/internal/models"
	"luna-backend/internal/repository"
)

type fakeLive struct {
	ended  []string
	handle bool
	onEnd  func(id string)
}

func (f *fakeLive) EndSession(sessionID, reason string) bool {
	f.ended = append(f.ended, sessionID+":"+reason)
	if f.handle && f.onEnd != nil {
		f.onEnd(sessionID)
	}
	return f.handle
}

type failingStore struct{}

func (failingStore) Get(ctx context.Context, id string) (*models.Session, error) {
	return nil, errors.New("store down")
}
func (failingStore) Save(ctx context.Context, s *models.Session) error { return errors.New("store down") }
func (failingStore) ListByStudent(ctx context.Context, id string) ([]*models.Session, error) {
	return nil, errors.New("store down")
}

func newTestRouter(h *SessionHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Post("/api/v1/classroom/sessions", h.Create)
	r.Get("/api/v1/classroom/sessions/{id}", h.Get)
	r.Post("/api/v1/classroom/sessions/{id}/end", h.End)
	r.Get("/api/v1/classroom/students/{studentId}/sessions", h.ListByStudent)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestSessionHandler_Create(t *testing.T) {
	store := repository.NewMemorySessionStore()
	auth := middleware.NewJWTAuth("test-secret", time.Hour)
	h := NewSessionHandler(store, nil, auth, nil, models.SystemClock{}, "wss://luna.example/")
	r := newTestRouter(h)

	rr := doJSON(t, r, http.MethodPost, "/api/v1/classroom/sessions", map[string]string{"studentId": "stud1", "lessonId": "lesson1"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp models.CreateSessionResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.WebSocketURL != "wss://luna.example/api/v1/classroom/sessions/"+resp.SessionID+"/ws" {
		t.Errorf("unexpected websocket url: %s", resp.WebSocketURL)
	}

	claims, err := auth.ParseSessionToken(resp.Token)
	if err != nil || claims.SessionID != resp.SessionID || claims.StudentID != "stud1" {
		t.Errorf("Expected a token for the new session, got %+v (%v)", claims, err)
	}

	s, err := store.Get(context.Background(), resp.SessionID)
	if err != nil {
		t.Fatalf("Expected session to be stored: %v", err)
	}
	if len(s.Events) != 1 || s.Events[0].EventType != models.EventSessionCreated || s.Events[0].Sequence != 1 {
		t.Errorf("Expected a single session.created event, got %+v", s.Events)
	}
}

func TestSessionHandler_CreateValidation(t *testing.T) {
	h := NewSessionHandler(repository.NewMemorySessionStore(), nil, nil, nil, models.SystemClock{}, "")
	r := newTestRouter(h)

	tests := []struct {
		name   string
		body   any
		fields []string
	}{
		{"invalid json", "{", nil},
		{"missing student", map[string]string{"lessonId": "l1"}, []string{"studentId"}},
		{"missing lesson", map[string]string{"studentId": "s1"}, []string{"lessonId"}},
		{"blank both", map[string]string{"studentId": " ", "lessonId": ""}, []string{"studentId", "lessonId"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := doJSON(t, r, http.MethodPost, "/api/v1/classroom/sessions", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("Expected 400, got %d", rr.Code)
			}

			var resp models.ErrorResponse
			json.NewDecoder(rr.Body).Decode(&resp)
			if resp.Error.Code != "VALIDATION_ERROR" || resp.Error.RequestID == "" {
				t.Errorf("unexpected error body: %+v", resp.Error)
			}
			for _, f := range tc.fields {
				if _, ok := resp.Error.Fields[f]; !ok {
					t.Errorf("Expected field error for %s, got %v", f, resp.Error.Fields)
				}
			}
		})
	}
}

func TestSessionHandler_CreateDerivesWebSocketURL(t *testing.T) {
	h := NewSessionHandler(repository.NewMemorySessionStore(), nil, nil, nil, models.SystemClock{}, "")
	r := newTestRouter(h)

	rr := doJSON(t, r, http.MethodPost, "/api/v1/classroom/sessions", map[string]string{"studentId": "s", "lessonId": "l"})
	var resp models.CreateSessionResponse
	json.NewDecoder(rr.Body).Decode(&resp)

	if !strings.HasPrefix(resp.WebSocketURL, "ws://example.com/api/v1/classroom/sessions/") {
		t.Errorf("unexpected websocket url: %s", resp.WebSocketURL)
	}
	if resp.Token != "" {
		t.Errorf("Expected no token without auth")
	}
}

func TestSessionHandler_GetAndList(t *testing.T) {
	store := repository.NewMemorySessionStore()
	h := NewSessionHandler(store, nil, nil, nil, models.SystemClock{}, "")
	r := newTestRouter(h)

	s := models.Create("stud1", "lesson1", models.SystemClock{})
	store.Save(context.Background(), s)

	rr := doJSON(t, r, http.MethodGet, "/api/v1/classroom/sessions/"+s.SessionID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	var got models.Session
	json.NewDecoder(rr.Body).Decode(&got)
	if got.SessionID != s.SessionID || got.State != models.SessionActive {
		t.Errorf("unexpected session: %+v", got)
	}

	rr = doJSON(t, r, http.MethodGet, "/api/v1/classroom/sessions/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rr.Code)
	}

	rr = doJSON(t, r, http.MethodGet, "/api/v1/classroom/students/stud1/sessions", nil)
	var list struct {
		Sessions []models.SessionSummary `json:"sessions"`
		Total    int                     `json:"total"`
	}
	json.NewDecoder(rr.Body).Decode(&list)
	if list.Total != 1 || list.Sessions[0].SessionID != s.SessionID {
		t.Errorf("unexpected list: %+v", list)
	}

	rr = doJSON(t, r, http.MethodGet, "/api/v1/classroom/students/nobody/sessions", nil)
	json.NewDecoder(rr.Body).Decode(&list)
	if rr.Code != http.StatusOK || list.Total != 0 {
		t.Errorf("Expected empty list, got %d %+v", rr.Code, list)
	}
}

func TestSessionHandler_EndWithoutLiveConnection(t *testing.T) {
	store := repository.NewMemorySessionStore()
	live := &fakeLive{}
	h := NewSessionHandler(store, live, nil, nil, models.SystemClock{}, "")
	r := newTestRouter(h)

	s := models.Create("stud1", "lesson1", models.SystemClock{})
	store.Save(context.Background(), s)

	for i := 0; i < 2; i++ {
		rr := doJSON(t, r, http.MethodPost, "/api/v1/classroom/sessions/"+s.SessionID+"/end", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", rr.Code)
		}
		var summary models.SessionSummary
		json.NewDecoder(rr.Body).Decode(&summary)
		if summary.State != models.SessionEnded {
			t.Errorf("Expected ended state, got %s", summary.State)
		}
	}

	stored, _ := store.Get(context.Background(), s.SessionID)
	if len(stored.Events) != 1 {
		t.Errorf("Expected ending twice to record one event, got %d", len(stored.Events))
	}
	if len(live.ended) != 2 {
		t.Errorf("Expected live connections to be asked first, got %v", live.ended)
	}

	rr := doJSON(t, r, http.MethodPost, "/api/v1/classroom/sessions/missing/end", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rr.Code)
	}
}

func TestSessionHandler_EndThroughLiveConnection(t *testing.T) {
	store := repository.NewMemorySessionStore()
	s := models.Create("stud1", "lesson1", models.SystemClock{})
	store.Save(context.Background(), s)

	live := &fakeLive{handle: true, onEnd: func(id string) {
		cur, _ := store.Get(context.Background(), id)
		cur.End("server.ended", models.SystemClock{})
		store.Save(context.Background(), cur)
	}}
	h := NewSessionHandler(store, live, nil, nil, models.SystemClock{}, "")

	rr := doJSON(t, newTestRouter(h), http.MethodPost, "/api/v1/classroom/sessions/"+s.SessionID+"/end", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	stored, _ := store.Get(context.Background(), s.SessionID)
	if len(stored.Events) != 1 {
		t.Errorf("Expected the live connection's end only, got %d events", len(stored.Events))
	}
}

func TestSessionHandler_StoreFailures(t *testing.T) {
	h := NewSessionHandler(failingStore{}, nil, nil, nil, models.SystemClock{}, "")
	r := newTestRouter(h)

	tests := []struct {
		method, path string
		body         any
	}{
		{http.MethodPost, "/api/v1/classroom/sessions", map[string]string{"studentId": "s", "lessonId": "l"}},
		{http.MethodGet, "/api/v1/classroom/sessions/x", nil},
		{http.MethodPost, "/api/v1/classroom/sessions/x/end", nil},
		{http.MethodGet, "/api/v1/classroom/students/s/sessions", nil},
	}

	for _, tc := range tests {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			rr := doJSON(t, r, tc.method, tc.path, tc.body)
			if rr.Code != http.StatusInternalServerError {
				t.Errorf("Expected 500, got %d", rr.Code)
			}
		})
	}
}

func TestHealthHandler(t *testing.T) {
	collector := metrics.New()
	collector.ConnectionOpened()

	ok := NewHealthHandler(NewSessionHandler(repository.NewMemorySessionStore(), nil, nil, nil, models.SystemClock{}, ""), collector, func() int { return 3 })
	rr := httptest.NewRecorder()
	ok.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rr.Code)
	}

	down := NewHealthHandler(NewSessionHandler(failingStore{}, nil, nil, nil, models.SystemClock{}, ""), nil, nil)
	rr = httptest.NewRecorder()
	down.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	ok.Metrics(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	var body struct {
		LiveSessions int              `json:"live_sessions"`
		Metrics      metrics.Snapshot `json:"metrics"`
	}
	json.NewDecoder(rr.Body).Decode(&body)
	if body.LiveSessions != 3 || body.Metrics.ConnectionsActive != 1 {
		t.Errorf("unexpected metrics body: %+v", body)
	}
}
