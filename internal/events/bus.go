// Package events carries in-process domain events from producers to
// subscribers. Publish never blocks; a full buffer drops the event.
package events

import (
	"context"
	"log"
	"sync"
	"time"

	"fielddiag/internal/models"
	"fielddiag/internal/obs"
)

type Kind string

const KindResultAvailable Kind = "result_available"

// ResultAvailable is published after every successful review transition.
type ResultAvailable struct {
	DiagnosticID string
	SubjectID    string
	SubmitterID  string
	Result       models.Result
	Confidence   int
	Status       models.ReviewStatus
	ReviewerID   string
	ReviewedAt   time.Time
}

type Event struct {
	Kind   Kind
	Result *ResultAvailable
}

type Handler func(ctx context.Context, ev Event)

type Bus struct {
	ch chan Event

	mu   sync.RWMutex
	subs map[Kind][]Handler
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{ch: make(chan Event, buffer), subs: map[Kind][]Handler{}}
}

func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], h)
	b.mu.Unlock()
}

// Publish enqueues ev and reports whether it was accepted.
func (b *Bus) Publish(ev Event) bool {
	select {
	case b.ch <- ev:
		return true
	default:
		obs.ObserveEventDropped()
		log.Printf("events dropped kind=%s", ev.Kind)
		return false
	}
}

// PublishResult is a shorthand for publishing a ResultAvailable event.
func (b *Bus) PublishResult(r ResultAvailable) bool {
	return b.Publish(Event{Kind: KindResultAvailable, Result: &r})
}

// Run dispatches events to subscribers until ctx is done, then drains what
// is already buffered.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case ev := <-b.ch:
			b.dispatch(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-b.ch:
					b.dispatch(context.WithoutCancel(ctx), ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subs[ev.Kind]...)
	b.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("events handler_panic kind=%s err=%v", ev.Kind, r)
				}
			}()
			h(ctx, ev)
		}()
	}
}
