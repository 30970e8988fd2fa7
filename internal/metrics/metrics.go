// Package metrics keeps lock-free counters for the classroom realtime layer.
//
// A nil *Collector is a valid no-op receiver, so callers never need to
// nil-check.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

type Collector struct {
	connectionsActive atomic.Int64
	connectionsTotal  atomic.Int64
	messagesIn        atomic.Int64
	messagesOut       atomic.Int64
	protocolFaults    atomic.Int64

	turnsActive      atomic.Int64
	turnsStarted     atomic.Int64
	turnsCompleted   atomic.Int64
	turnsInterrupted atomic.Int64
	turnsCancelled   atomic.Int64
	turnsFailed      atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Connections ──────────────────────────────────────────────────────

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(1)
	c.connectionsTotal.Add(1)
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsActive.Add(-1)
}

func (c *Collector) ActiveConnections() int64 {
	if c == nil {
		return 0
	}
	return c.connectionsActive.Load()
}

// ── Messages ─────────────────────────────────────────────────────────

func (c *Collector) MessageReceived() {
	if c == nil {
		return
	}
	c.messagesIn.Add(1)
}

func (c *Collector) MessageSent() {
	if c == nil {
		return
	}
	c.messagesOut.Add(1)
}

// ProtocolFault counts a dropped inbound message and remembers why.
func (c *Collector) ProtocolFault(msg string) {
	if c == nil {
		return
	}
	c.protocolFaults.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ── Turns ────────────────────────────────────────────────────────────

func (c *Collector) TurnStarted() {
	if c == nil {
		return
	}
	c.turnsActive.Add(1)
	c.turnsStarted.Add(1)
}

// TurnFinished records a turn's outcome: completed, interrupted, cancelled or error.
func (c *Collector) TurnFinished(outcome string) {
	if c == nil {
		return
	}
	c.turnsActive.Add(-1)
	switch outcome {
	case "completed":
		c.turnsCompleted.Add(1)
	case "interrupted":
		c.turnsInterrupted.Add(1)
	case "cancelled":
		c.turnsCancelled.Add(1)
	default:
		c.turnsFailed.Add(1)
	}
}

func (c *Collector) ActiveTurns() int64 {
	if c == nil {
		return 0
	}
	return c.turnsActive.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

type Snapshot struct {
	Uptime            string `json:"uptime"`
	ConnectionsActive int64  `json:"connections_active"`
	ConnectionsTotal  int64  `json:"connections_total"`
	MessagesIn        int64  `json:"messages_in"`
	MessagesOut       int64  `json:"messages_out"`
	ProtocolFaults    int64  `json:"protocol_faults"`
	TurnsActive       int64  `json:"turns_active"`
	TurnsStarted      int64  `json:"turns_started"`
	TurnsCompleted    int64  `json:"turns_completed"`
	TurnsInterrupted  int64  `json:"turns_interrupted"`
	TurnsCancelled    int64  `json:"turns_cancelled"`
	TurnsFailed       int64  `json:"turns_failed"`
	LastFault         string `json:"last_fault,omitempty"`
	LastFaultMessage  string `json:"last_fault_message,omitempty"`
}

func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		ConnectionsActive: c.connectionsActive.Load(),
		ConnectionsTotal:  c.connectionsTotal.Load(),
		MessagesIn:        c.messagesIn.Load(),
		MessagesOut:       c.messagesOut.Load(),
		ProtocolFaults:    c.protocolFaults.Load(),
		TurnsActive:       c.turnsActive.Load(),
		TurnsStarted:      c.turnsStarted.Load(),
		TurnsCompleted:    c.turnsCompleted.Load(),
		TurnsInterrupted:  c.turnsInterrupted.Load(),
		TurnsCancelled:    c.turnsCancelled.Load(),
		TurnsFailed:       c.turnsFailed.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastFault = c.lastError.Format(time.RFC3339)
		s.LastFaultMessage = c.lastErrorMsg
	}
	return s
}
