package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FiltersByKind(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	all := bus.Subscribe(8)
	analysis := bus.Subscribe(8, KindNeedsAnalysis)

	bus.Publish(Event{Kind: KindReported, ErrorID: "e1"})
	bus.Publish(Event{Kind: KindNeedsAnalysis, ErrorID: "e1"})

	require.Len(t, all.C(), 2)
	require.Len(t, analysis.C(), 1)

	e := <-analysis.C()
	assert.Equal(t, KindNeedsAnalysis, e.Kind)
	assert.False(t, e.At.IsZero())
}

func TestBus_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	slow := bus.Subscribe(1)
	fast := bus.Subscribe(10)

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Kind: KindReported})
	}

	assert.Equal(t, uint64(4), slow.Dropped())
	assert.Equal(t, uint64(0), fast.Dropped())
	assert.Len(t, fast.C(), 5)
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(1)
	sub.Unsubscribe()
	sub.Unsubscribe()

	_, ok := <-sub.C()
	assert.False(t, ok)

	other := bus.Subscribe(1)
	bus.Close()
	_, ok = <-other.C()
	assert.False(t, ok)

	assert.NotPanics(t, func() { bus.Publish(Event{Kind: KindReported}) })

	late := bus.Subscribe(1)
	_, ok = <-late.C()
	assert.False(t, ok)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(Event{Kind: KindAnalyzed})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, sub.C(), 500)
	bus.Close()
}
