package testfakes

import (
	"context"
	"sync"

	"github.com/forkerdotnet/forkergo/internal/interfaces"
)

// EventSource is a manually-driven fake interfaces.EventSource: tests call
// Emit to push a notification to whichever subscriber's filter accepts it.
type EventSource struct {
	mu   sync.Mutex
	subs []subscription
}

type subscription struct {
	ch     chan interfaces.FileEvent
	filter func(path string) bool
}

func NewEventSource() *EventSource {
	return &EventSource{}
}

func (e *EventSource) Subscribe(ctx context.Context, pathFilter func(path string) bool) (<-chan interfaces.FileEvent, error) {
	ch := make(chan interfaces.FileEvent, 64)
	e.mu.Lock()
	e.subs = append(e.subs, subscription{ch: ch, filter: pathFilter})
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// Emit delivers ev to every subscriber whose filter accepts its path.
func (e *EventSource) Emit(ev interfaces.FileEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.subs {
		if s.filter == nil || s.filter(ev.Path) {
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
}
