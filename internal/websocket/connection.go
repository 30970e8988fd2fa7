package websocket

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"luna-backend/internal/metrics"
	"luna-backend/internal/models"
	"luna-backend/internal/protocol"
	"luna-backend/internal/repository"
	"luna-backend/internal/services"
	"luna-backend/internal/worker"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSessionEnded     = errors.New("session has ended")
)

// Reasons recorded on session.ended.
const (
	EndReasonClientDisconnected = "client.disconnected"
	EndReasonClientEnded        = "client.ended"
	EndReasonServerEnded        = "server.ended"
)

const persistTimeout = 5 * time.Second

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Handler runs classroom sessions over websocket connections.
type Handler struct {
	store     repository.SessionStore
	engine    *TurnEngine
	pool      *worker.Pool
	clock     models.Clock
	publisher *services.EventPublisher
	metrics   *metrics.Collector
}

func NewHandler(store repository.SessionStore, engine *TurnEngine, pool *worker.Pool, clock models.Clock, publisher *services.EventPublisher, m *metrics.Collector) *Handler {
	return &Handler{
		store:     store,
		engine:    engine,
		pool:      pool,
		clock:     clock,
		publisher: publisher,
		metrics:   m,
	}
}

// HandleConnection serves one connection for sessionID until it closes.
// It returns once every turn started on the connection has stopped.
func (h *Handler) HandleConnection(ctx context.Context, sessionID string, transport Transport) error {
	return h.NewConnection(ctx, sessionID, transport).Serve()
}

// NewConnection prepares a connection without serving it, so callers can
// keep a handle for Close and Terminate.
func (h *Handler) NewConnection(ctx context.Context, sessionID string, transport Transport) *Connection {
	cctx, cancel := context.WithCancel(ctx)
	return &Connection{
		id:        models.NewID(),
		sessionID: sessionID,
		h:         h,
		transport: transport,
		sender:    NewSender(transport, h.clock, h.metrics),
		ctx:       cctx,
		cancel:    cancel,
		turns:     make(map[string]context.CancelCauseFunc),
	}
}

// Connection is one client attached to one session.
type Connection struct {
	id        string
	sessionID string
	h         *Handler
	transport Transport
	sender    *Sender
	state     atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the session, the turn registry and lastInput. Appending an
	// event and persisting the session happen under it as one step.
	mu        sync.Mutex
	session   *models.Session
	turns     map[string]context.CancelCauseFunc
	lastInput *protocol.StudentInputPayload
	turnWG    sync.WaitGroup
}

func (c *Connection) ID() string        { return c.id }
func (c *Connection) SessionID() string { return c.sessionID }

func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// Serve opens the session and processes inbound messages until the client
// leaves, the session ends or the connection is closed from outside.
func (c *Connection) Serve() error {
	c.h.metrics.ConnectionOpened()
	defer c.shutdown()

	// Cancellation from any side unblocks the pending read.
	context.AfterFunc(c.ctx, func() {
		c.sender.Close(websocket.CloseGoingAway, "Server closing connection")
	})

	if err := c.open(); err != nil {
		return err
	}
	return c.receiveLoop()
}

// Close moves the connection to closing and closes the transport with code.
// The session is left as is.
func (c *Connection) Close(code int, reason string) {
	if !c.beginClosing() {
		return
	}
	c.sender.Close(code, reason)
	c.cancel()
}

// Terminate ends the session on behalf of the server, acknowledges it to
// the client and closes the connection normally.
func (c *Connection) Terminate(reason string) error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return ErrConnectionClosed
	}
	c.endAndClose(reason, true, "Session ended")
	return nil
}

func (c *Connection) beginClosing() bool {
	for {
		s := c.state.Load()
		if ConnState(s) >= StateClosing {
			return false
		}
		if c.state.CompareAndSwap(s, int32(StateClosing)) {
			return true
		}
	}
}

func (c *Connection) open() error {
	ctx, cancel := context.WithTimeout(c.ctx, persistTimeout)
	session, err := c.h.store.Get(ctx, c.sessionID)
	cancel()

	switch {
	case errors.Is(err, repository.ErrSessionNotFound):
		log.Printf("WebSocket rejected: session %s not found", c.sessionID)
		c.Close(websocket.ClosePolicyViolation, "Session not found")
		return fmt.Errorf("session %s: %w", c.sessionID, err)
	case err != nil:
		log.Printf("WebSocket rejected: failed to load session %s: %v", c.sessionID, err)
		c.Close(websocket.CloseInternalServerErr, "Session unavailable")
		return fmt.Errorf("failed to load session %s: %w", c.sessionID, err)
	case session.IsEnded():
		log.Printf("WebSocket rejected: session %s has ended", c.sessionID)
		c.Close(websocket.ClosePolicyViolation, "Session has ended")
		return fmt.Errorf("session %s: %w", c.sessionID, ErrSessionEnded)
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return nil
	}

	evt, err := c.record(models.SessionEvent{
		EventType: models.EventSessionConnected,
		Data: models.Data{
			"sessionId":    models.String(c.sessionID),
			"connectionId": models.String(c.id),
		},
	})
	if err != nil {
		return err
	}

	log.Printf("WebSocket connected: session %s (connection %s)", c.sessionID, c.id)
	return c.sender.Send(c.ctx, protocol.SessionEvent, c.id, eventPayload(evt))
}

func (c *Connection) receiveLoop() error {
	for {
		_, data, err := c.transport.ReadMessage()
		if err != nil {
			if c.State() != StateOpen || c.ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrPeerClosed) {
				c.disconnect()
				return nil
			}
			// The session stays open so the client can reconnect to it.
			log.Printf("WebSocket transport error on session %s: %v", c.sessionID, err)
			return fmt.Errorf("failed to read from session %s: %w", c.sessionID, err)
		}

		if len(data) == 0 {
			c.disconnect()
			return nil
		}

		c.h.metrics.MessageReceived()
		if done := c.handleMessage(data); done {
			return nil
		}
	}
}

// handleMessage processes one inbound frame. It reports whether the
// connection is done.
func (c *Connection) handleMessage(data []byte) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Panic handling message on session %s: %v\n%s", c.sessionID, r, debug.Stack())
			c.h.metrics.ProtocolFault(fmt.Sprintf("panic: %v", r))
			done = false
		}
	}()

	env, err := protocol.Decode(data)
	if err != nil {
		log.Printf("Dropping invalid frame on session %s: %v", c.sessionID, err)
		c.h.metrics.ProtocolFault(err.Error())
		return false
	}

	flowID := env.FlowCorrelationID(c.id)

	payload, err := protocol.DecodePayload(env)
	if errors.Is(err, protocol.ErrUnknownMessageType) {
		log.Printf("Ignoring unhandled message type %q on session %s", env.MessageType, c.sessionID)
		return false
	}
	if err != nil {
		log.Printf("Rejecting message on session %s: %v", c.sessionID, err)
		c.h.metrics.ProtocolFault(err.Error())
		c.sendError(flowID, "INVALID_PAYLOAD", err.Error())
		return false
	}

	switch p := payload.(type) {
	case protocol.SessionStartPayload:
		c.handleSessionStart(p, flowID)
	case protocol.StudentInputPayload:
		c.handleStudentInput(p, flowID)
	case protocol.ControlSignalPayload:
		c.handleControlSignal(p, flowID)
	case protocol.SessionEndPayload:
		return c.handleSessionEnd(p)
	case protocol.PingPayload:
		c.send(protocol.Pong, flowID, protocol.PongPayload{Nonce: p.Nonce})
	}
	return false
}

func (c *Connection) handleSessionStart(p protocol.SessionStartPayload, flowID string) {
	c.mu.Lock()
	evt, exists := c.session.FindEvent(models.EventSessionStarted)
	if !exists {
		data := models.Data{
			"lessonId":  models.String(p.LessonID),
			"studentId": models.String(p.StudentID),
		}
		var err error
		if evt, err = c.recordLocked(models.SessionEvent{EventType: models.EventSessionStarted, Data: data}); err != nil {
			c.mu.Unlock()
			return
		}
	}
	lessonID := c.session.LessonID
	c.mu.Unlock()

	if exists {
		log.Printf("Duplicate session_start on session %s, re-acknowledging", c.sessionID)
	}

	c.send(protocol.SessionEvent, flowID, protocol.SessionEventPayload{
		EventType:      models.EventSessionStarted,
		Data:           models.Data{"lessonId": models.String(lessonID)},
		SequenceNumber: evt.Sequence,
	})
}

func (c *Connection) handleStudentInput(p protocol.StudentInputPayload, flowID string) {
	if p.TurnID == "" {
		p.TurnID = models.NewID()
	}

	c.mu.Lock()
	_, err := c.recordLocked(models.SessionEvent{
		EventType: models.EventStudentInput,
		Data: models.Data{
			"content":   models.String(p.Content),
			"inputType": models.String(string(p.Type)),
			"turnId":    models.String(p.TurnID),
		},
	})
	if err != nil {
		c.mu.Unlock()
		return
	}
	last := p
	c.lastInput = &last
	tc := c.teachingContextLocked(p.TurnID, p.Content)
	c.mu.Unlock()

	c.startTurn(p.TurnID, flowID, ReasonStudentInput, tc)
}

func (c *Connection) handleControlSignal(p protocol.ControlSignalPayload, flowID string) {
	data := models.Data{"signal": models.String(string(p.Signal))}
	if p.TurnID != "" {
		data["turnId"] = models.String(p.TurnID)
	}
	if _, err := c.record(models.SessionEvent{EventType: models.EventStudentControl, Data: data}); err != nil {
		return
	}

	switch p.Signal {
	case protocol.SignalSkip:
		if n := c.interruptTurns(p.TurnID); n == 0 {
			log.Printf("Skip on session %s matched no active turn", c.sessionID)
		}

	case protocol.SignalRepeat:
		c.mu.Lock()
		last := c.lastInput
		var tc services.TeachingContext
		turnID := models.NewID()
		if last != nil {
			tc = c.teachingContextLocked(turnID, last.Content)
		}
		c.mu.Unlock()

		if last == nil {
			c.sendError(flowID, "NOTHING_TO_REPEAT", "No previous input to repeat")
			return
		}
		c.startTurn(turnID, flowID, ReasonRepeat, tc)
	}
}

func (c *Connection) handleSessionEnd(p protocol.SessionEndPayload) bool {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return true
	}
	reason := p.Reason
	if reason == "" {
		reason = EndReasonClientEnded
	}
	c.endAndClose(reason, true, "Session ended")
	return true
}

// disconnect handles a client that went away without ending the session.
func (c *Connection) disconnect() {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return
	}
	c.endAndClose(EndReasonClientDisconnected, false, "Closed")
}

// endAndClose ends the session, optionally acknowledges it to the client,
// stops every turn and closes the transport normally. The caller has already
// moved the connection to closing.
func (c *Connection) endAndClose(reason string, ack bool, closeReason string) {
	evt, ended := c.endSession(reason)
	if ended {
		log.Printf("Session %s ended: %s", c.sessionID, reason)
		if ack {
			c.send(protocol.SessionEvent, c.id, eventPayload(evt))
		}
	}
	c.sender.Close(websocket.CloseNormalClosure, closeReason)
	c.cancel()
}

func (c *Connection) startTurn(turnID, flowID, reason string, tc services.TeachingContext) {
	c.mu.Lock()
	if _, busy := c.turns[turnID]; busy {
		c.mu.Unlock()
		c.sendError(flowID, "TURN_IN_PROGRESS", fmt.Sprintf("Turn %s is already in progress", turnID))
		return
	}
	turnCtx, cancel := context.WithCancelCause(c.ctx)
	c.turns[turnID] = cancel
	c.turnWG.Add(1)
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.turns, turnID)
		c.mu.Unlock()
		cancel(nil)
		c.turnWG.Done()
	}

	req := TurnRequest{TurnID: turnID, CorrelationID: flowID, Reason: reason, Teaching: tc}
	ok := c.h.pool.SubmitFunc(turnCtx, "turn "+turnID, func(ctx context.Context) error {
		return c.runTurn(ctx, req)
	}, release)
	if !ok {
		release()
		c.sendError(flowID, "UNAVAILABLE", "Server is shutting down")
	}
}

func (c *Connection) runTurn(ctx context.Context, req TurnRequest) error {
	res := c.h.engine.Run(ctx, req, c.sender)
	if res.Outcome == protocol.OutcomeCancelled {
		return nil
	}

	data := models.Data{
		"turnId":  models.String(req.TurnID),
		"outcome": models.String(string(res.Outcome)),
		"deltas":  models.Int(res.Deltas),
	}
	if res.Content != "" {
		data["content"] = models.String(res.Content)
	}
	if _, err := c.record(models.SessionEvent{EventType: models.EventTeacherTurnEnded, Data: data}); err != nil {
		return nil
	}

	if res.Outcome == protocol.OutcomeError {
		return res.Err
	}
	return nil
}

// interruptTurns cancels the turn with turnID, or every active turn when
// turnID is empty. It returns how many turns were interrupted.
func (c *Connection) interruptTurns(turnID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, cancel := range c.turns {
		if turnID == "" || id == turnID {
			cancel(ErrTurnInterrupted)
			n++
		}
	}
	return n
}

func (c *Connection) teachingContextLocked(turnID, input string) services.TeachingContext {
	return services.TeachingContext{
		SessionID:    c.session.SessionID,
		LessonID:     c.session.LessonID,
		StudentID:    c.session.StudentID,
		TurnID:       turnID,
		StudentInput: input,
		History:      services.BuildHistory(c.session.Events),
	}
}

func (c *Connection) record(evt models.SessionEvent) (models.SessionEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recordLocked(evt)
}

// recordLocked appends evt and persists the session. Appends after the
// session ended are refused with ErrSessionEnded. Persistence failures are
// logged; the event stays in the in-memory session.
func (c *Connection) recordLocked(evt models.SessionEvent) (models.SessionEvent, error) {
	if c.session.IsEnded() {
		return evt, ErrSessionEnded
	}
	evt = c.session.RecordEvent(evt, c.h.clock)
	c.persistLocked(evt)
	return evt, nil
}

func (c *Connection) endSession(reason string) (models.SessionEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.IsEnded() {
		return models.SessionEvent{}, false
	}
	evt := c.session.End(reason, c.h.clock)
	c.persistLocked(evt)
	return evt, true
}

func (c *Connection) persistLocked(evt models.SessionEvent) {
	// Saves outlive the connection so the final events are not lost on cancel.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), persistTimeout)
	defer cancel()

	if err := c.h.store.Save(ctx, c.session); err != nil {
		log.Printf("Failed to persist session %s after %s: %v", c.sessionID, evt.EventType, err)
		return
	}
	c.h.publisher.Publish(ctx, c.sessionID, evt)
}

func (c *Connection) send(messageType, correlationID string, payload any) {
	if err := c.sender.Send(c.ctx, messageType, correlationID, payload); err != nil {
		log.Printf("Failed to send %s on session %s: %v", messageType, c.sessionID, err)
	}
}

func (c *Connection) sendError(correlationID, code, message string) {
	c.send(protocol.Error, correlationID, protocol.ErrorPayload{Code: code, Message: message})
}

func (c *Connection) shutdown() {
	c.beginClosing()
	c.cancel()
	c.sender.Close(websocket.CloseGoingAway, "Server closing connection")
	c.turnWG.Wait()
	c.state.Store(int32(StateClosed))
	c.h.metrics.ConnectionClosed()
	log.Printf("WebSocket disconnected: session %s (connection %s)", c.sessionID, c.id)
}

func eventPayload(evt models.SessionEvent) protocol.SessionEventPayload {
	return protocol.SessionEventPayload{
		EventType:      evt.EventType,
		Data:           evt.Data,
		SequenceNumber: evt.Sequence,
	}
}
