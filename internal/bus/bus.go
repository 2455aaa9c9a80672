// Package bus provides an in-process event bus connecting the orchestrator to
// its observers (the websocket bridge, the CLI and metrics).
package bus

import (
	"sync"
)

// EventType identifies an event.
type EventType string

const (
	// Interaction loop
	EventStateChanged  EventType = "interaction.state_changed"
	EventScreenChanged EventType = "interaction.screen_changed"
	EventNotice        EventType = "interaction.notice"

	// Conversation
	EventMessageAppended EventType = "conversation.message_appended"
	EventMessageUpdated  EventType = "conversation.message_updated"
	EventSessionsChanged EventType = "conversation.sessions_changed"

	// Speech
	EventListeningStarted EventType = "speech.listening_started"
	EventTranscript       EventType = "speech.transcript"
	EventSpeakingStarted  EventType = "speech.speaking_started"
	EventSpeakingEnded    EventType = "speech.speaking_ended"

	// Vision
	EventVisionStarted EventType = "vision.started"
	EventVisionStopped EventType = "vision.stopped"
	EventVisionText    EventType = "vision.text_updated"

	// Account
	EventUserChanged  EventType = "account.user_changed"
	EventQuotaUpdated EventType = "account.quota_updated"

	// Welcome screen
	EventNewsUpdated EventType = "welcome.news_updated"
)

// Event is a bus message.
type Event struct {
	Type EventType      `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Handler handles one event.
type Handler func(Event)

// EventBus is a simple pub/sub bus. Publish does not block on handlers.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	all      []Handler
	ordered  []*orderedSub
}

// orderedSub delivers events to one handler on a single goroutine, in the
// order they were published. The queue is unbounded so Publish never blocks.
type orderedSub struct {
	h    Handler
	mu   sync.Mutex
	q    []Event
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func (o *orderedSub) push(e Event) {
	o.mu.Lock()
	o.q = append(o.q, e)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *orderedSub) run() {
	for {
		select {
		case <-o.wake:
		case <-o.done:
			return
		}
		for {
			o.mu.Lock()
			batch := o.q
			o.q = nil
			o.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, e := range batch {
				select {
				case <-o.done:
					return
				default:
				}
				o.h(e)
			}
		}
	}
}

func (o *orderedSub) stop() {
	o.once.Do(func() { close(o.done) })
}

// New creates an empty bus.
func New() *EventBus {
	return &EventBus{handlers: make(map[EventType][]Handler)}
}

// Subscribe adds a handler for one event type.
func (b *EventBus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeMultiple adds h for each of the given types.
func (b *EventBus) SubscribeMultiple(types []EventType, h Handler) {
	for _, t := range types {
		b.Subscribe(t, h)
	}
}

// SubscribeAll adds a handler that receives every event.
func (b *EventBus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// SubscribeAllOrdered adds a handler that receives every event in publish
// order on one goroutine. The returned function unsubscribes it.
func (b *EventBus) SubscribeAllOrdered(h Handler) func() {
	o := &orderedSub{h: h, wake: make(chan struct{}, 1), done: make(chan struct{})}
	b.mu.Lock()
	b.ordered = append(b.ordered, o)
	b.mu.Unlock()
	go o.run()

	return func() {
		b.mu.Lock()
		for i, x := range b.ordered {
			if x == o {
				b.ordered = append(b.ordered[:i:i], b.ordered[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		o.stop()
	}
}

func (b *EventBus) enqueueOrdered(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.ordered {
		o.push(e)
	}
}

func (b *EventBus) snapshot(t EventType) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hs := make([]Handler, 0, len(b.handlers[t])+len(b.all))
	hs = append(hs, b.handlers[t]...)
	return append(hs, b.all...)
}

// Publish delivers e to every subscriber on its own goroutine.
func (b *EventBus) Publish(e Event) {
	if b == nil {
		return
	}
	b.enqueueOrdered(e)
	for _, h := range b.snapshot(e.Type) {
		go h(e)
	}
}

// PublishSync delivers e and waits for all unordered handlers to return.
// Ordered subscribers receive it through their queue.
func (b *EventBus) PublishSync(e Event) {
	if b == nil {
		return
	}
	b.enqueueOrdered(e)
	var wg sync.WaitGroup
	for _, h := range b.snapshot(e.Type) {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(e)
		}(h)
	}
	wg.Wait()
}

// Clear removes all handlers.
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]Handler)
	b.all = nil
	for _, o := range b.ordered {
		o.stop()
	}
	b.ordered = nil
}
