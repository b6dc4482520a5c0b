package bus

import (
	"context"
	"fmt"
	"sync"
)

// SendFunc delivers one outbound message.
type SendFunc func(ctx context.Context, msg OutboundMessage) error

// MessageBus decouples the relay and the scheduler from chat channels.
// Delivery is synchronous so callers see each channel's error.
type MessageBus struct {
	senders map[string]SendFunc
	mu      sync.RWMutex
}

// NewMessageBus creates a new MessageBus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		senders: make(map[string]SendFunc),
	}
}

// SubscribeOutbound registers the sender for a channel, replacing any previous one.
func (b *MessageBus) SubscribeOutbound(channel string, send SendFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.senders[channel] = send
}

// Deliver hands msg to the sender subscribed for msg.Channel. A panicking
// sender is reported as an error.
func (b *MessageBus) Deliver(ctx context.Context, msg OutboundMessage) (err error) {
	b.mu.RLock()
	send, ok := b.senders[msg.Channel]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no sender subscribed for channel %q", msg.Channel)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender for %q panicked: %v", msg.Channel, r)
		}
	}()
	return send(ctx, msg)
}
