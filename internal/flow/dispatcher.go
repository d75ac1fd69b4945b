package flow

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/PaceMate/internal/models"
	"github.com/BTreeMap/PaceMate/internal/store"
)

// Dispatcher defaults.
const (
	DefaultMaxInFlight = 32
	DefaultTurnTimeout = 3 * time.Minute
)

// MessageHandler processes one inbound message.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg models.InboundMessage) (Result, error)
}

// Dispatcher consumes a transport's inbound channel and runs each message on
// its own goroutine. Transport redeliveries are dropped by message id.
type Dispatcher struct {
	handler     MessageHandler
	dedup       store.DedupRepo
	maxInFlight int
	turnTimeout time.Duration
}

// NewDispatcher creates a Dispatcher. dedup may be nil.
func NewDispatcher(handler MessageHandler, dedup store.DedupRepo) *Dispatcher {
	return &Dispatcher{
		handler:     handler,
		dedup:       dedup,
		maxInFlight: DefaultMaxInFlight,
		turnTimeout: DefaultTurnTimeout,
	}
}

// Run blocks until msgs is closed or ctx is done, then waits for in-flight turns.
func (d *Dispatcher) Run(ctx context.Context, msgs <-chan models.InboundMessage) {
	var g errgroup.Group
	g.SetLimit(d.maxInFlight)
	slog.Info("Dispatcher.Run: starting", "maxInFlight", d.maxInFlight)
	defer func() {
		g.Wait()
		slog.Info("Dispatcher.Run: stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			g.Go(func() error {
				d.dispatch(ctx, msg)
				return nil
			})
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg models.InboundMessage) {
	key := ""
	if d.dedup != nil && msg.MessageID != "" {
		key = "message:" + msg.MessageID
		fresh, err := d.dedup.RecordEvent(key, msg.SenderID)
		if err != nil {
			slog.Warn("Dispatcher.dispatch: dedup check failed, processing anyway", "messageID", msg.MessageID, "error", err)
		} else if !fresh {
			slog.Info("Dispatcher.dispatch: duplicate message dropped", "messageID", msg.MessageID)
			return
		}
	}

	turnCtx, cancel := context.WithTimeout(ctx, d.turnTimeout)
	defer cancel()
	res, err := d.handler.HandleMessage(turnCtx, msg)
	if err != nil {
		slog.Error("Dispatcher.dispatch: message failed", "messageID", msg.MessageID, "userID", res.UserID,
			"transient", models.IsTransient(err), "error", err)
		return
	}
	if key != "" {
		if err := d.dedup.MarkProcessed(key); err != nil {
			slog.Warn("Dispatcher.dispatch: mark processed failed", "key", key, "error", err)
		}
	}
	slog.Debug("Dispatcher.dispatch: message handled", "messageID", msg.MessageID, "outcome", res.Outcome)
}
