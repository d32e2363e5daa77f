package agent

import (
	"context"
	"log/slog"
	"sync"

	"wemp/internal/domain"
	"wemp/internal/metrics"
)

const defaultConcurrency = 3

// MessageHandler processes a single inbound message.
type MessageHandler interface {
	Handle(ctx context.Context, msg domain.InboundMessage)
}

// Worker consumes inbound messages from the bus and hands them to a
// MessageHandler with bounded concurrency.
type Worker struct {
	bus         domain.MessageBus
	handler     MessageHandler
	concurrency int
	logger      *slog.Logger
}

// NewWorker creates a Worker. A non-positive concurrency uses the default.
func NewWorker(bus domain.MessageBus, handler MessageHandler, concurrency int, logger *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Worker{bus: bus, handler: handler, concurrency: concurrency, logger: logger}
}

// Run consumes messages until ctx is done or the bus closes, then waits for
// in-flight messages to finish.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("message worker started", "concurrency", w.concurrency)

	sem := make(chan struct{}, w.concurrency)
	inbound := w.bus.Subscribe()
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("message worker stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				w.logger.Info("inbound channel closed, message worker stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				w.logger.Warn("dropping message on shutdown", "account_id", msg.AccountID, "open_id", msg.OpenID)
				return
			}
			wg.Add(1)
			metrics.ActiveWorkers.Inc()
			go func(m domain.InboundMessage) {
				defer func() {
					metrics.ActiveWorkers.Dec()
					<-sem
					wg.Done()
				}()
				w.handler.Handle(ctx, m)
			}(msg)
		}
	}
}
