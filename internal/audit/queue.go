// Package audit writes event log entries asynchronously.
//
// Enqueue never blocks the caller: when the queue is full the entry is
// dropped and counted. Persistence failures are counted and offered on the
// Failures channel; they are never returned to the code that enqueued them.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errwatch/internal/metrics"
	"github.com/fyrsmithlabs/errwatch/internal/store"
)

const (
	defaultQueueSize    = 256
	failureBufferSize   = 32
	defaultWriteTimeout = 5 * time.Second
)

// Writer persists audit entries.
type Writer interface {
	AppendEvent(ctx context.Context, e store.EventLog) error
}

// Failure describes an entry that could not be persisted.
type Failure struct {
	Entry store.EventLog
	Err   error
}

// Queue is a bounded asynchronous audit writer drained by one goroutine.
type Queue struct {
	writer       Writer
	logger       *zap.Logger
	size         int
	writeTimeout time.Duration

	mu      sync.Mutex
	queue   chan store.EventLog
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool

	failures chan Failure

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewQueue creates a queue holding at most size pending entries.
func NewQueue(w Writer, size int, logger *zap.Logger) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		writer:       w,
		logger:       logger,
		size:         size,
		writeTimeout: defaultWriteTimeout,
		failures:     make(chan Failure, failureBufferSize),
	}
}

// Start launches the drain goroutine. Calling Start twice is a no-op.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.queue = make(chan store.EventLog, q.size)
	q.stop = make(chan struct{})
	q.wg.Add(1)
	go func(stop <-chan struct{}, entries <-chan store.EventLog) {
		defer q.wg.Done()
		q.drain(stop, entries)
	}(q.stop, q.queue)
}

// Stop stops accepting entries and waits until pending ones are written or
// ctx expires.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	close(q.stop)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue schedules e for writing. It reports false when the entry was dropped.
func (q *Queue) Enqueue(e store.EventLog) bool {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		q.drop(e)
		return false
	}
	select {
	case q.queue <- e:
		return true
	default:
		q.drop(e)
		return false
	}
}

// Failures returns the channel failed writes are offered on. The channel is
// buffered; failures are discarded when nobody reads it.
func (q *Queue) Failures() <-chan Failure {
	return q.failures
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queue == nil {
		return 0
	}
	return len(q.queue)
}

// Written returns the number of persisted entries.
func (q *Queue) Written() uint64 { return q.written.Load() }

// Dropped returns the number of entries dropped on a full or stopped queue.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Failed returns the number of entries whose write failed.
func (q *Queue) Failed() uint64 { return q.failed.Load() }

func (q *Queue) drop(e store.EventLog) {
	q.dropped.Add(1)
	metrics.AuditDropped()
	q.logger.Debug("audit entry dropped",
		zap.String("error.id", e.ErrorID),
		zap.String("attribute", e.Attribute),
		zap.String("status", e.Status))
}

func (q *Queue) drain(stop <-chan struct{}, entries <-chan store.EventLog) {
	for {
		select {
		case e := <-entries:
			q.write(e)
		case <-stop:
			for {
				select {
				case e := <-entries:
					q.write(e)
				default:
					return
				}
			}
		}
	}
}

func (q *Queue) write(e store.EventLog) {
	ctx, cancel := context.WithTimeout(context.Background(), q.writeTimeout)
	defer cancel()

	err := q.writer.AppendEvent(ctx, e)
	if err == nil {
		q.written.Add(1)
		return
	}

	q.failed.Add(1)
	metrics.AuditFailed()
	q.logger.Warn("audit write failed (non-fatal)",
		zap.String("error.id", e.ErrorID),
		zap.String("attribute", e.Attribute),
		zap.Error(err))
	select {
	case q.failures <- Failure{Entry: e, Err: err}:
	default:
	}
}
