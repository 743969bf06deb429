// Package notify delivers lifecycle notifications to in-process subscribers
// and, optionally, to NATS for external dashboards.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errwatch/internal/metrics"
)

// Kind identifies a notification.
type Kind string

const (
	KindReported       Kind = "reported"
	KindNeedsAnalysis  Kind = "needsAnalysis"
	KindAnalyzed       Kind = "analyzed"
	KindWorkerStarted  Kind = "workerStarted"
	KindWorkerStopped  Kind = "workerStopped"
	KindBatchCompleted Kind = "batchCompleted"
	KindBatchFailed    Kind = "batchFailed"
	KindActionCreated  Kind = "actionCreated"
	KindTicketCreated  Kind = "ticketCreated"
)

// Event is one notification.
type Event struct {
	Kind      Kind           `json:"kind"`
	ErrorID   string         `json:"error_id,omitempty"`
	ErrorHash string         `json:"error_hash,omitempty"`
	Service   string         `json:"service,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// Publisher publishes events. Publish never blocks.
type Publisher interface {
	Publish(e Event)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}

// Bus fans events out to subscribers. Each subscriber has its own buffer;
// when it is full the event is dropped for that subscriber only.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger, subs: make(map[uint64]*Subscription)}
}

// Subscription receives the events of the kinds it subscribed to.
type Subscription struct {
	id      uint64
	bus     *Bus
	kinds   map[Kind]bool
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// C returns the receive channel. It is closed on Unsubscribe or Bus.Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were dropped because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.close()
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Subscribe registers a subscriber with the given buffer size. With no kinds
// every event is delivered. Subscribing to a closed bus returns a closed
// subscription.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	sub := &Subscription{bus: b, ch: make(chan Event, buffer), kinds: make(map[Kind]bool, len(kinds))}
	for _, k := range kinds {
		sub.kinds[k] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers e to every interested subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(e.Kind) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
			metrics.NotifyDropped(string(e.Kind))
			b.logger.Debug("notification dropped for slow subscriber",
				zap.String("kind", string(e.Kind)),
				zap.Uint64("subscription", sub.id))
		}
	}
}

// Close closes every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.close()
		delete(b.subs, id)
	}
}
