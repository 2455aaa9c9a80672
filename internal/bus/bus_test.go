package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSyncReachesTypedAndWildcardHandlers(t *testing.T) {
	b := New()
	var typed, all atomic.Int32

	b.Subscribe(EventNotice, func(Event) { typed.Add(1) })
	b.SubscribeAll(func(Event) { all.Add(1) })

	b.PublishSync(Event{Type: EventNotice})
	b.PublishSync(Event{Type: EventStateChanged})

	assert.Equal(t, int32(1), typed.Load())
	assert.Equal(t, int32(2), all.Load())
}

func TestPublishIsAsync(t *testing.T) {
	b := New()
	done := make(chan Event, 1)
	b.SubscribeMultiple([]EventType{EventVisionStarted, EventVisionStopped}, func(e Event) { done <- e })

	b.Publish(Event{Type: EventVisionStopped, Data: map[string]any{"reason": "screen"}})

	select {
	case e := <-done:
		assert.Equal(t, "screen", e.Data["reason"])
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestClearAndNilBus(t *testing.T) {
	b := New()
	var n atomic.Int32
	b.SubscribeAll(func(Event) { n.Add(1) })
	b.Clear()
	b.PublishSync(Event{Type: EventNotice})
	assert.Zero(t, n.Load())

	var nilBus *EventBus
	assert.NotPanics(t, func() { nilBus.Publish(Event{Type: EventNotice}) })
}

func TestOrderedSubscriberKeepsPublishOrder(t *testing.T) {
	b := New()
	const n = 2000

	var mu sync.Mutex
	var got []int
	unsubscribe := b.SubscribeAllOrdered(func(e Event) {
		mu.Lock()
		got = append(got, e.Data["seq"].(int))
		mu.Unlock()
	})
	defer unsubscribe()

	for i := 0; i < n; i++ {
		b.Publish(Event{Type: EventStateChanged, Data: map[string]any{"seq": i}})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	}, 2*time.Second, 5*time.Millisecond)
	for i, seq := range got {
		require.Equal(t, i, seq)
	}
}

func TestOrderedUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var n atomic.Int32
	unsubscribe := b.SubscribeAllOrdered(func(Event) { n.Add(1) })

	b.Publish(Event{Type: EventNotice})
	require.Eventually(t, func() bool { return n.Load() == 1 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	unsubscribe()
	b.Publish(Event{Type: EventNotice})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), n.Load())
}
