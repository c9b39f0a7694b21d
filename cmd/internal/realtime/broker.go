package realtime

import (
	"context"
	"sync"

	"github.com/teamflp/agri-direct-marketplace-sub003/cmd/internal/metrics"
)

// Broker distributes change events to every server node.
//
// Handlers run on the publishing (or receiving) goroutine and must not block;
// Hub.Dispatch satisfies that.
type Broker interface {
	Publish(ctx context.Context, ev ChangeEvent) error
	Subscribe(fn func(ChangeEvent)) (unsubscribe func())
	Close() error
}

// fanout is the in-process handler registry shared by the broker implementations.
type fanout struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[uint64]func(ChangeEvent)
}

func newFanout() *fanout {
	return &fanout{handlers: make(map[uint64]func(ChangeEvent))}
}

func (f *fanout) subscribe(fn func(ChangeEvent)) func() {
	if fn == nil {
		return func() {}
	}

	f.mu.Lock()
	f.next++
	id := f.next
	f.handlers[id] = fn
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.handlers, id)
			f.mu.Unlock()
		})
	}
}

func (f *fanout) deliver(ev ChangeEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, fn := range f.handlers {
		fn(ev)
	}
}

// LocalBroker delivers events in-process. It is the single-node default.
type LocalBroker struct {
	fan     *fanout
	metrics *metrics.Metrics
}

// NewLocalBroker constructs a LocalBroker. m may be nil.
func NewLocalBroker(m *metrics.Metrics) *LocalBroker {
	return &LocalBroker{fan: newFanout(), metrics: m}
}

// Publish delivers ev to every handler before returning.
func (b *LocalBroker) Publish(ctx context.Context, ev ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		b.metrics.BrokerPublished("local", err)
		return err
	}
	b.fan.deliver(ev)
	b.metrics.BrokerPublished("local", nil)
	return nil
}

// Subscribe registers fn; the returned func removes it (idempotent).
func (b *LocalBroker) Subscribe(fn func(ChangeEvent)) func() {
	return b.fan.subscribe(fn)
}

// Close is a no-op for the in-process broker.
func (b *LocalBroker) Close() error { return nil }
