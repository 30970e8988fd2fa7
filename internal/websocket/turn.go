package websocket

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"luna-backend/internal/metrics"
	"luna-backend/internal/models"
	"luna-backend/internal/protocol"
	"luna-backend/internal/services"
)

// ErrTurnInterrupted is the cancellation cause of a turn stopped by a skip
// signal. Interrupted turns still report their end to the client.
var ErrTurnInterrupted = errors.New("turn interrupted")

// Turn start reasons.
const (
	ReasonStudentInput = "student_input"
	ReasonRepeat       = "repeat"
)

const interruptNoticeTimeout = 2 * time.Second

// DefaultFillers are spoken while the tutor is still deciding.
var DefaultFillers = []string{
	"Okay, let's look at that. ",
	"Good question. ",
	"Let me think about that for a second. ",
	"Alright. ",
}

type TurnRequest struct {
	TurnID        string
	CorrelationID string
	Reason        string
	Teaching      services.TeachingContext
}

type TurnResult struct {
	Outcome protocol.TurnOutcome
	Content string
	Deltas  int
	Err     error
}

// TurnEngine produces one teacher turn: a turn start, text deltas with
// increasing indices where only the last is final, and a turn end.
type TurnEngine struct {
	tutor           services.Tutor
	clock           models.Clock
	decisionTimeout time.Duration
	fillers         []string
	next            atomic.Uint64
	metrics         *metrics.Collector
}

// NewTurnEngine builds an engine. decisionTimeout <= 0 waits for the tutor
// until the turn is cancelled; an empty fillers list disables filler deltas.
func NewTurnEngine(tutor services.Tutor, clock models.Clock, decisionTimeout time.Duration, fillers []string, m *metrics.Collector) *TurnEngine {
	return &TurnEngine{
		tutor:           tutor,
		clock:           clock,
		decisionTimeout: decisionTimeout,
		fillers:         fillers,
		metrics:         m,
	}
}

// Run streams one turn to out. Cancelling ctx stops the turn at its next
// suspension point; when the cause is ErrTurnInterrupted the turn still ends
// with an interrupted outcome, otherwise it goes quiet.
func (e *TurnEngine) Run(ctx context.Context, req TurnRequest, out Emitter) TurnResult {
	e.metrics.TurnStarted()
	t := &turn{engine: e, req: req, out: out, start: e.clock.Now()}
	res := t.run(ctx)
	e.metrics.TurnFinished(string(res.Outcome))
	return res
}

func (e *TurnEngine) nextFiller() string {
	if len(e.fillers) == 0 {
		return ""
	}
	n := e.next.Add(1) - 1
	return e.fillers[n%uint64(len(e.fillers))]
}

func (e *TurnEngine) decide(ctx context.Context, tc services.TeachingContext) (*services.TeachingAction, error) {
	if e.decisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.decisionTimeout)
		defer cancel()
	}

	type reply struct {
		action *services.TeachingAction
		err    error
	}
	replies := make(chan reply, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("Tutor panicked on turn %s: %v\n%s", tc.TurnID, r, debug.Stack())
				replies <- reply{err: fmt.Errorf("tutor panicked: %v", r)}
			}
		}()
		action, err := e.tutor.SelectNextAction(ctx, tc)
		replies <- reply{action: action, err: err}
	}()

	select {
	case r := <-replies:
		if r.err != nil {
			return nil, r.err
		}
		if r.action == nil || strings.TrimSpace(r.action.Content) == "" {
			return nil, errors.New("tutor returned no content")
		}
		return r.action, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("tutor did not answer: %w", context.Cause(ctx))
	}
}

type turn struct {
	engine *TurnEngine
	req    TurnRequest
	out    Emitter
	start  time.Time
	deltas int
	final  bool
}

func (t *turn) offset() int64 {
	ms := t.engine.clock.Now().Sub(t.start).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

func (t *turn) send(ctx context.Context, messageType string, payload any) error {
	return t.out.Send(ctx, messageType, t.req.CorrelationID, payload)
}

func (t *turn) run(ctx context.Context) TurnResult {
	err := t.send(ctx, protocol.TeacherTurnStart, protocol.TeacherTurnStartPayload{
		TurnID:   t.req.TurnID,
		OffsetMs: 0,
		Reason:   t.req.Reason,
	})
	if err != nil {
		return t.abandon(ctx, err)
	}

	if filler := t.engine.nextFiller(); filler != "" {
		if err := t.delta(ctx, filler, false); err != nil {
			return t.abandon(ctx, err)
		}
	}

	action, err := t.engine.decide(ctx, t.req.Teaching)
	if err != nil {
		if ctx.Err() != nil {
			return t.abandon(ctx, err)
		}
		log.Printf("Tutor failed on turn %s: %v", t.req.TurnID, err)
		return t.finish(ctx, protocol.OutcomeError, "", err)
	}

	if err := t.delta(ctx, action.Content, true); err != nil {
		return t.abandon(ctx, err)
	}
	return t.finish(ctx, protocol.OutcomeCompleted, action.Content, nil)
}

func (t *turn) delta(ctx context.Context, text string, final bool) error {
	index := t.deltas + 1
	err := t.send(ctx, protocol.TeacherTextDelta, protocol.TeacherTextDeltaPayload{
		TurnID:     t.req.TurnID,
		DeltaIndex: index,
		Delta:      text,
		OffsetMs:   t.offset(),
		IsFinal:    final,
		Operation:  protocol.OperationAppend,
	})
	if err != nil {
		return err
	}
	t.deltas = index
	t.final = final
	return nil
}

func (t *turn) finish(ctx context.Context, outcome protocol.TurnOutcome, content string, cause error) TurnResult {
	// A turn cut short after a filler still closes its delta run.
	if t.deltas > 0 && !t.final {
		if err := t.delta(ctx, "", true); err != nil {
			cause = errors.Join(cause, fmt.Errorf("failed to send closing delta: %w", err))
		}
	}

	err := t.send(ctx, protocol.TeacherTurnEnd, protocol.TeacherTurnEndPayload{
		TurnID:   t.req.TurnID,
		OffsetMs: t.offset(),
		Outcome:  outcome,
	})
	if err != nil {
		cause = errors.Join(cause, fmt.Errorf("failed to send turn end: %w", err))
	}
	return TurnResult{Outcome: outcome, Content: content, Deltas: t.deltas, Err: cause}
}

// abandon handles a turn that could not continue. A skipped turn still tells
// the client it was interrupted; anything else stops without further sends.
func (t *turn) abandon(ctx context.Context, cause error) TurnResult {
	if errors.Is(context.Cause(ctx), ErrTurnInterrupted) {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), interruptNoticeTimeout)
		defer cancel()
		return t.finish(nctx, protocol.OutcomeInterrupted, "", nil)
	}
	return TurnResult{Outcome: protocol.OutcomeCancelled, Deltas: t.deltas, Err: cause}
}
