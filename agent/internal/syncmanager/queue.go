package syncmanager

import (
	"sync"

	"github.com/martinshumberto/libraries-watcher/agent/internal/watcher"
)

// eventQueue holds pending events in two FIFO sequences. Priority events
// are always handed out first. Producers never block; a single consumer
// waits on wake.
type eventQueue struct {
	mu       sync.Mutex
	priority []watcher.Event
	standard []watcher.Event
	wake     chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		wake: make(chan struct{}, 1),
	}
}

// push appends an event and wakes the consumer
func (q *eventQueue) push(ev watcher.Event, immediate bool) {
	q.mu.Lock()
	if immediate {
		q.priority = append(q.priority, ev)
	} else {
		q.standard = append(q.standard, ev)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
		// a wake-up is already pending
	}
}

// pop removes the next event
func (q *eventQueue) pop() (watcher.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.priority) > 0 {
		ev := q.priority[0]
		q.priority[0] = watcher.Event{}
		q.priority = q.priority[1:]
		return ev, true
	}
	if len(q.standard) > 0 {
		ev := q.standard[0]
		q.standard[0] = watcher.Event{}
		q.standard = q.standard[1:]
		return ev, true
	}
	return watcher.Event{}, false
}

// len returns the number of pending events
func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.priority) + len(q.standard)
}

// clear drops every pending event and returns how many there were
func (q *eventQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.priority) + len(q.standard)
	q.priority = nil
	q.standard = nil
	return n
}
