package voice

import (
	"context"
	"sync"

	"github.com/satriahrh/eon-voice/domain"
)

// eventQueue is the single delivery point from an adapter's event loop to
// its consumer. Events keep arrival order; a full queue blocks the loop.
type eventQueue struct {
	ch   chan domain.Event
	once sync.Once
}

func newEventQueue() *eventQueue {
	return &eventQueue{ch: make(chan domain.Event, eventBufferSize)}
}

// emit drops the event only when ctx is done
func (q *eventQueue) emit(ctx context.Context, ev domain.Event) {
	select {
	case q.ch <- ev:
	case <-ctx.Done():
	}
}

func (q *eventQueue) close() {
	q.once.Do(func() {
		close(q.ch)
	})
}
