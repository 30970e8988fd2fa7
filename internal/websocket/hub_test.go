package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"luna-backend/internal/middleware"
	"luna-backend/internal/models"
	"luna-backend/internal/protocol"
	"luna-backend/internal/services"
)

func TestHub_NewConnectionSupersedesOld(t *testing.T) {
	env := newTestEnv(t, services.NewEchoTutor(), nil)
	hub := NewHub(env.handler, nil, "", 0)
	sess := env.createSession(t)

	first := newFakeTransport()
	firstDone := make(chan error, 1)
	go func() { firstDone <- hub.Serve(sess.SessionID, first) }()
	first.expect(t, protocol.SessionEvent)

	second := newFakeTransport()
	secondDone := make(chan error, 1)
	go func() { secondDone <- hub.Serve(sess.SessionID, second) }()

	code, _ := first.waitClosed(t)
	if code != websocket.ClosePolicyViolation {
		t.Errorf("Expected superseded connection to close with policy violation, got %d", code)
	}
	waitDone(t, firstDone)

	msg := second.expect(t, protocol.SessionEvent)
	if msg.SequenceNumber != 1 {
		t.Errorf("Expected new connection to start at sequence 1, got %d", msg.SequenceNumber)
	}
	if hub.ActiveSessions() != 1 {
		t.Errorf("Expected one live session, got %d", hub.ActiveSessions())
	}

	s := env.load(t, sess.SessionID)
	if s.IsEnded() {
		t.Errorf("Expected superseding to keep the session open")
	}
	connected := 0
	for _, e := range s.Events {
		if e.EventType == models.EventSessionConnected {
			connected++
		}
	}
	if connected != 2 {
		t.Errorf("Expected two connected events, got %d", connected)
	}

	second.hangUp()
	waitDone(t, secondDone)
	if hub.ActiveSessions() != 0 {
		t.Errorf("Expected no live sessions, got %d", hub.ActiveSessions())
	}
}

func TestHub_EndSessionThroughLiveConnection(t *testing.T) {
	env := newTestEnv(t, services.NewEchoTutor(), nil)
	hub := NewHub(env.handler, nil, "", 0)
	sess := env.createSession(t)

	if hub.EndSession(sess.SessionID, EndReasonServerEnded) {
		t.Fatalf("Expected no live connection yet")
	}

	ft := newFakeTransport()
	done := make(chan error, 1)
	go func() { done <- hub.Serve(sess.SessionID, ft) }()
	ft.expect(t, protocol.SessionEvent)

	if !hub.EndSession(sess.SessionID, EndReasonServerEnded) {
		t.Fatalf("Expected live connection to handle the end")
	}

	var ack protocol.SessionEventPayload
	ft.expect(t, protocol.SessionEvent).decode(t, &ack)
	if ack.EventType != models.EventSessionEnded || ack.Data.String("reason") != EndReasonServerEnded {
		t.Errorf("unexpected end ack: %+v", ack)
	}
	if code, _ := ft.closeStatus(); code != websocket.CloseNormalClosure {
		t.Errorf("Expected normal closure, got %d", code)
	}
	waitDone(t, done)

	if !env.load(t, sess.SessionID).IsEnded() {
		t.Errorf("Expected session to be ended")
	}
}

func TestHub_Shutdown(t *testing.T) {
	env := newTestEnv(t, services.NewEchoTutor(), nil)
	hub := NewHub(env.handler, nil, "", 0)
	sess := env.createSession(t)

	ft := newFakeTransport()
	done := make(chan error, 1)
	go func() { done <- hub.Serve(sess.SessionID, ft) }()
	ft.expect(t, protocol.SessionEvent)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := hub.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	waitDone(t, done)

	late := newFakeTransport()
	if err := hub.Serve(sess.SessionID, late); err != ErrHubClosed {
		t.Errorf("Expected ErrHubClosed after shutdown, got %v", err)
	}
}

func TestHub_WebSocketRoundTrip(t *testing.T) {
	env := newTestEnv(t, services.NewEchoTutor(), nil)
	auth := middleware.NewJWTAuth("test-secret", time.Hour)
	hub := NewHub(env.handler, auth, "", 1<<16)
	sess := env.createSession(t)

	r := chi.NewRouter()
	r.Get("/sessions/{id}/ws", hub.HandleWebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + sess.SessionID + "/ws"

	resp, err := http.Get(srv.URL + "/sessions/" + sess.SessionID + "/ws")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without token, got %d", resp.StatusCode)
	}

	otherToken, _ := auth.GenerateSessionToken("other", "stud1")
	if _, resp, err := websocket.DefaultDialer.Dial(base+"?token="+otherToken, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected token for another session to be rejected")
	}

	token, _ := auth.GenerateSessionToken(sess.SessionID, "stud1")
	conn, _, err := websocket.DefaultDialer.Dial(base+"?token="+token, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(waitTimeout))

	read := func() outMessage {
		t.Helper()
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		var msg outMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("invalid envelope: %v", err)
		}
		return msg
	}

	if msg := read(); msg.MessageType != protocol.SessionEvent || msg.SequenceNumber != 1 {
		t.Fatalf("Expected connected ack, got %+v", msg)
	}

	conn.WriteMessage(websocket.TextMessage, []byte(`{"messageId":"m1","messageType":"v1.classroom.student_input","payload":{"content":"hello","turnId":"t1"}}`))
	for _, expected := range []string{protocol.TeacherTurnStart, protocol.TeacherTextDelta, protocol.TeacherTurnEnd} {
		if msg := read(); msg.MessageType != expected || msg.CorrelationID != "m1" {
			t.Fatalf("Expected %s for m1, got %s (%s)", expected, msg.MessageType, msg.CorrelationID)
		}
	}

	env.waitForEvent(t, sess.SessionID, models.EventTeacherTurnEnded)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	env.waitForEvent(t, sess.SessionID, models.EventSessionEnded)

	ended, _ := env.load(t, sess.SessionID).FindEvent(models.EventSessionEnded)
	if ended.Data.String("reason") != EndReasonClientDisconnected {
		t.Errorf("unexpected end reason: %v", ended.Data)
	}
}
