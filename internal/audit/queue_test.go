package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/errwatch/internal/store"
)

type recordingWriter struct {
	mu      sync.Mutex
	entries []store.EventLog
	err     error
	block   chan struct{}
}

func (w *recordingWriter) AppendEvent(_ context.Context, e store.EventLog) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.entries = append(w.entries, e)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func TestQueue_WritesAndDrainsOnStop(t *testing.T) {
	w := &recordingWriter{}
	q := NewQueue(w, 16, nil)
	q.Start()

	for i := 0; i < 10; i++ {
		assert.True(t, q.Enqueue(store.EventLog{ErrorID: "e1", Attribute: "status", Status: "new"}))
	}
	require.NoError(t, q.Stop(context.Background()))

	assert.Equal(t, 10, w.count())
	assert.Equal(t, uint64(10), q.Written())
	assert.Equal(t, uint64(0), q.Dropped())
}

func TestQueue_DropsWhenFull(t *testing.T) {
	w := &recordingWriter{block: make(chan struct{})}
	q := NewQueue(w, 2, nil)
	q.Start()

	// first entry is taken by the drain goroutine and blocks in the writer
	require.True(t, q.Enqueue(store.EventLog{Attribute: "a"}))
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 5*time.Millisecond)

	assert.True(t, q.Enqueue(store.EventLog{Attribute: "b"}))
	assert.True(t, q.Enqueue(store.EventLog{Attribute: "c"}))
	assert.False(t, q.Enqueue(store.EventLog{Attribute: "d"}))
	assert.Equal(t, uint64(1), q.Dropped())

	close(w.block)
	require.NoError(t, q.Stop(context.Background()))
	assert.Equal(t, 3, w.count())
}

func TestQueue_FailuresReported(t *testing.T) {
	w := &recordingWriter{err: errors.New("disk full")}
	q := NewQueue(w, 4, nil)
	q.Start()

	assert.True(t, q.Enqueue(store.EventLog{ErrorID: "e1", Attribute: "analysis"}))

	select {
	case f := <-q.Failures():
		assert.Equal(t, "e1", f.Entry.ErrorID)
		assert.EqualError(t, f.Err, "disk full")
	case <-time.After(2 * time.Second):
		t.Fatal("expected failure")
	}
	require.NoError(t, q.Stop(context.Background()))
	assert.Equal(t, uint64(1), q.Failed())
}

func TestQueue_EnqueueBeforeStartDrops(t *testing.T) {
	q := NewQueue(&recordingWriter{}, 4, nil)
	assert.False(t, q.Enqueue(store.EventLog{Attribute: "x"}))
	assert.Equal(t, uint64(1), q.Dropped())
	require.NoError(t, q.Stop(context.Background()))
}

func TestQueue_StopHonorsContext(t *testing.T) {
	w := &recordingWriter{block: make(chan struct{})}
	defer close(w.block)
	q := NewQueue(w, 4, nil)
	q.Start()
	q.Enqueue(store.EventLog{Attribute: "slow"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Stop(ctx), context.DeadlineExceeded)
}
