package bus

import (
	"log/slog"
	"sync"
	"time"

	"wemp/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus is a Go-channel based message bus between the webhook and the
// message workers.
type InMemoryBus struct {
	inbound  chan domain.InboundMessage
	outbound func(domain.OutboundMessage)
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		inbound: make(chan domain.InboundMessage, bufferSize),
		logger:  logger,
	}
}

// Publish blocks up to 10 seconds if the bus is full instead of dropping.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "account_id", msg.AccountID)
		return
	}

	select {
	case b.inbound <- msg:
	default:
		b.logger.Warn("inbound bus full, waiting", "account_id", msg.AccountID, "open_id", msg.OpenID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- msg:
			b.logger.Info("message delivered after wait", "account_id", msg.AccountID)
		case <-timer.C:
			b.logger.Error("message dropped: bus full for 10s",
				"account_id", msg.AccountID,
				"open_id", msg.OpenID,
				"message_id", msg.MessageID,
			)
		}
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

// SendOutbound hands a message to the registered outbound handler.
func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.RLock()
	handler := b.outbound
	b.mu.RUnlock()

	if handler == nil {
		b.logger.Warn("no outbound handler registered", "account_id", msg.AccountID, "open_id", msg.OpenID)
		return
	}
	handler(msg)
}

func (b *InMemoryBus) OnOutbound(handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outbound = handler
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
