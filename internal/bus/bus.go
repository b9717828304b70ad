// Package bus implements the in-process publish/subscribe registry that
// feeds live client streams. It holds no durable state: on restart every
// client reconnects and re-subscribes.
package bus

import (
	"sync"

	"go.uber.org/zap"
)

// Event is one live update delivered to connected clients.
type Event struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data,omitempty"`
}

type subscription struct {
	fn func(Event)
}

// Bus is safe for concurrent use. Construct one per process and pass it
// explicitly; Close releases every subscription at shutdown.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool
}

func New(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[string][]*subscription),
	}
}

// Subscribe registers fn to run for every future event targeting userID.
// Callbacks for one user run in registration order. The returned function
// removes exactly this registration and is safe to call more than once and
// concurrently with Emit.
func (b *Bus) Subscribe(userID string, fn func(Event)) func() {
	sub := &subscription{fn: fn}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[userID] = append(b.subs[userID], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(userID, sub)
		})
	}
}

func (b *Bus) remove(userID string, sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[userID]
	for i, s := range list {
		if s == sub {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.subs, userID)
	} else {
		b.subs[userID] = list
	}
}

// Emit invokes every registered callback for each given user. Callbacks are
// snapshotted under the read lock and invoked outside it, so a slow or
// panicking callback never blocks subscribe/unsubscribe or other emitters.
func (b *Bus) Emit(userIDs []string, ev Event) {
	var targets []*subscription

	b.mu.RLock()
	for _, userID := range userIDs {
		targets = append(targets, b.subs[userID]...)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.invoke(sub, ev)
	}
}

// EmitToAll invokes every registered callback across every user.
func (b *Bus) EmitToAll(ev Event) {
	var targets []*subscription

	b.mu.RLock()
	for _, list := range b.subs {
		targets = append(targets, list...)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.invoke(sub, ev)
	}
}

// invoke runs one callback, containing any panic. A failing subscriber must
// not cost the others their event, and it is not unsubscribed automatically.
func (b *Bus) invoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				zap.Any("panic", r),
				zap.String("event_type", ev.Type),
			)
		}
	}()
	sub.fn(ev)
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, list := range b.subs {
		n += len(list)
	}
	return n
}

// Close drops every subscription and refuses new ones. Emit after Close is a
// no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subs = make(map[string][]*subscription)
}
