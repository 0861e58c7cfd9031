package bus

import (
	"log/slog"
	"sync"

	"horsebot/internal/domain"
)

// InMemoryBus routes events from gateway adapters to the relay loop and
// replies back to the adapter that owns the chat.
type InMemoryBus struct {
	inbound  chan domain.Event
	handlers map[string]func(domain.Outbound)
	mu       sync.RWMutex
	closed   bool
	logger   *slog.Logger
}

func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		inbound:  make(chan domain.Event, bufferSize),
		handlers: make(map[string]func(domain.Outbound)),
		logger:   logger,
	}
}

// Publish enqueues an inbound event. When the buffer is full the event is
// dropped with a log line rather than blocking the gateway's receive loop.
func (b *InMemoryBus) Publish(ev domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("publish on closed bus", "channel", ev.Channel)
		return
	}

	select {
	case b.inbound <- ev:
	default:
		b.logger.Error("inbound bus full, event dropped",
			"channel", ev.Channel,
			"chat", ev.ChatID,
		)
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.Event {
	return b.inbound
}

func (b *InMemoryBus) SendOutbound(msg domain.Outbound) {
	b.mu.RLock()
	handler, ok := b.handlers[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no outbound handler for channel", "channel", msg.Channel)
		return
	}
	handler(msg)
}

func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.Outbound)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = handler
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
