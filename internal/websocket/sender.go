package websocket

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"luna-backend/internal/metrics"
	"luna-backend/internal/models"
	"luna-backend/internal/protocol"
)

// Emitter sends one outbound message on a connection.
type Emitter interface {
	Send(ctx context.Context, messageType, correlationID string, payload any) error
}

// Sender is the single outbound gate of a connection. Every send, whichever
// turn produced it, takes the gate, gets the next sequence number and writes
// one whole message.
type Sender struct {
	gate      chan struct{}
	transport Transport
	clock     models.Clock
	metrics   *metrics.Collector

	seq       atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewSender(transport Transport, clock models.Clock, m *metrics.Collector) *Sender {
	return &Sender{
		gate:      make(chan struct{}, 1),
		transport: transport,
		clock:     clock,
		metrics:   m,
	}
}

func (s *Sender) Send(ctx context.Context, messageType, correlationID string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.gate }()

	if s.closed.Load() {
		return ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if correlationID == "" {
		correlationID = models.NewID()
	}
	seq := s.seq.Load() + 1
	data, err := protocol.Encode(&protocol.Envelope{
		MessageID:      models.NewID(),
		CorrelationID:  correlationID,
		MessageType:    messageType,
		Timestamp:      s.clock.Now().UTC(),
		SequenceNumber: &seq,
		Payload:        payload,
	})
	if err != nil {
		return err
	}

	if err := s.transport.WriteMessage(websocket.TextMessage, data); err != nil {
		s.closed.Store(true)
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	s.seq.Store(seq)
	s.metrics.MessageSent()
	return nil
}

// Sequence returns the sequence number of the last message written.
func (s *Sender) Sequence() int64 {
	return s.seq.Load()
}

// Close stops all further sends and closes the transport with the given
// status. It does not wait for the gate, so a write stuck on a dead peer is
// failed by the close instead of holding it up. Only the first call has any
// effect.
func (s *Sender) Close(code int, reason string) error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.transport.Close(code, reason)
	})
	return err
}
