package relance

import (
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// MutationEvent reports a change to a business entity.
type MutationEvent struct {
	EntityType string
	EntityID   string
	Before     map[string]any // nil when the entity is new or the previous state is unknown
	After      map[string]any // nil when Deleted
	Deleted    bool
	Origin     string
	Timestamp  time.Time
}

// ChangesData reports whether the event carries a business-field change, as
// opposed to a rewrite of identical data such as a processed-marker stamp.
func (e *MutationEvent) ChangesData() bool {
	if e.Deleted || e.Before == nil {
		return true
	}
	return !reflect.DeepEqual(e.Before, e.After)
}

// MutationHandler processes mutation events.
type MutationHandler func(event *MutationEvent)

const (
	// mutationBusBufferSize is the capacity of the async event channel.
	// Events are dropped if the buffer is full to avoid blocking writers.
	mutationBusBufferSize = 1000
)

// MutationBus is an async pub/sub for entity mutations. Publish never blocks:
// events go to a buffered channel drained by one worker goroutine, so the
// writer of an entity is never slowed down by rule evaluation.
type MutationBus struct {
	handlers []MutationHandler
	mu       sync.RWMutex
	eventCh  chan *MutationEvent
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	dropped  atomic.Uint64
	onDrop   func()
}

// NewMutationBus creates a bus and starts its worker.
func NewMutationBus() *MutationBus {
	b := &MutationBus{
		eventCh: make(chan *MutationEvent, mutationBusBufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go b.processLoop()
	return b
}

// Subscribe registers a handler.
func (b *MutationBus) Subscribe(handler MutationHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// OnDrop registers a callback invoked for every dropped event.
func (b *MutationBus) OnDrop(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDrop = fn
}

// Publish enqueues an event. It returns false if the event was dropped
// because the bus is stopped or its buffer is full.
func (b *MutationBus) Publish(event *MutationEvent) bool {
	select {
	case <-b.stopCh:
		return false
	default:
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
		return true
	default:
		b.dropped.Add(1)
		b.mu.RLock()
		onDrop := b.onDrop
		b.mu.RUnlock()
		if onDrop != nil {
			onDrop()
		}
		return false
	}
}

// Dropped returns the number of events lost to a full buffer.
func (b *MutationBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Stop drains queued events and waits for the worker to exit. Safe to call
// multiple times.
func (b *MutationBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	<-b.doneCh
}

func (b *MutationBus) processLoop() {
	defer close(b.doneCh)
	for {
		select {
		case event := <-b.eventCh:
			b.dispatch(event)
		case <-b.stopCh:
			for {
				select {
				case event := <-b.eventCh:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (b *MutationBus) dispatch(event *MutationEvent) {
	b.mu.RLock()
	handlers := make([]MutationHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.safeCall(handler, event)
	}
}

// safeCall keeps the worker alive when a handler panics. Handlers do their
// own logging.
func (b *MutationBus) safeCall(handler MutationHandler, event *MutationEvent) {
	defer func() {
		recover() //nolint:errcheck // a panicking handler must not stop the bus
	}()
	handler(event)
}
