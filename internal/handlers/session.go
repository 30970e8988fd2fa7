package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"luna-backend/internal/middleware"
	"luna-backend/internal/models"
	"luna-backend/internal/repository"
	"luna-backend/internal/services"
)

const endReasonServer = "server.ended"

// liveSessions ends sessions that currently have a connected client.
type liveSessions interface {
	EndSession(sessionID, reason string) bool
}

type SessionHandler struct {
	store       repository.SessionStore
	live        liveSessions
	auth        *middleware.JWTAuth
	publisher   *services.EventPublisher
	clock       models.Clock
	publicWSURL string
}

// NewSessionHandler builds the classroom REST handler. auth may be nil, in
// which case no session token is issued.
func NewSessionHandler(store repository.SessionStore, live liveSessions, auth *middleware.JWTAuth, publisher *services.EventPublisher, clock models.Clock, publicWSURL string) *SessionHandler {
	return &SessionHandler{
		store:       store,
		live:        live,
		auth:        auth,
		publisher:   publisher,
		clock:       clock,
		publicWSURL: strings.TrimRight(publicWSURL, "/"),
	}
}

func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	req.StudentID = strings.TrimSpace(req.StudentID)
	req.LessonID = strings.TrimSpace(req.LessonID)
	fields := map[string]string{}
	if req.StudentID == "" {
		fields["studentId"] = "studentId is required"
	}
	if req.LessonID == "" {
		fields["lessonId"] = "lessonId is required"
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, errorRespWithFields("VALIDATION_ERROR", "Validation failed", fields, r))
		return
	}

	session := models.Create(req.StudentID, req.LessonID, h.clock)
	evt := session.RecordEvent(models.SessionEvent{
		EventType: models.EventSessionCreated,
		Data: models.Data{
			"studentId": models.String(req.StudentID),
			"lessonId":  models.String(req.LessonID),
		},
	}, h.clock)

	if err := h.store.Save(r.Context(), session); err != nil {
		log.Printf("Failed to create session for student %s: %v", req.StudentID, err)
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to create session", r))
		return
	}
	h.publisher.Publish(r.Context(), session.SessionID, evt)

	resp := models.CreateSessionResponse{
		SessionID:    session.SessionID,
		WebSocketURL: h.webSocketURL(r, session.SessionID),
	}
	if h.auth != nil {
		token, err := h.auth.GenerateSessionToken(session.SessionID, session.StudentID)
		if err != nil {
			log.Printf("Failed to issue token for session %s: %v", session.SessionID, err)
			writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to create session", r))
			return
		}
		resp.Token = token
	}

	log.Printf("Session %s created for student %s, lesson %s", session.SessionID, session.StudentID, session.LessonID)
	writeJSON(w, http.StatusCreated, resp)
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// End ends a session. A live connection ends it itself so the client gets
// the acknowledgement; otherwise the stored session is ended here. Ending
// an ended session is a no-op.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if h.live != nil && h.live.EndSession(id, endReasonServer) {
		session, ok := h.load(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, session.Summary())
		return
	}

	session, ok := h.load(w, r)
	if !ok {
		return
	}
	if !session.IsEnded() {
		evt := session.End(endReasonServer, h.clock)
		if err := h.store.Save(r.Context(), session); err != nil {
			log.Printf("Failed to end session %s: %v", id, err)
			writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to end session", r))
			return
		}
		h.publisher.Publish(r.Context(), id, evt)
		log.Printf("Session %s ended: %s", id, endReasonServer)
	}

	writeJSON(w, http.StatusOK, session.Summary())
}

func (h *SessionHandler) ListByStudent(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentId")

	sessions, err := h.store.ListByStudent(r.Context(), studentID)
	if err != nil {
		log.Printf("Failed to list sessions for student %s: %v", studentID, err)
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to list sessions", r))
		return
	}

	summaries := make([]models.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, s.Summary())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": summaries,
		"total":    len(summaries),
	})
}

func (h *SessionHandler) load(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	id := chi.URLParam(r, "id")

	session, err := h.store.Get(r.Context(), id)
	if errors.Is(err, repository.ErrSessionNotFound) {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Session not found", r))
		return nil, false
	}
	if err != nil {
		log.Printf("Failed to load session %s: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to load session", r))
		return nil, false
	}
	return session, true
}

func (h *SessionHandler) webSocketURL(r *http.Request, sessionID string) string {
	base := h.publicWSURL
	if base == "" {
		scheme := "ws"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "wss"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/api/v1/classroom/sessions/" + sessionID + "/ws"
}

// Ping reports whether the session store answers.
func (h *SessionHandler) Ping(ctx context.Context) error {
	_, err := h.store.Get(ctx, "health-check")
	if errors.Is(err, repository.ErrSessionNotFound) {
		return nil
	}
	return err
}
