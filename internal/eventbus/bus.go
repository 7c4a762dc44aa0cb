package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal used to decouple the engagement runtime from
// its observers (audit log, operator alerts, API).
//
// Contract:
//   - Publish never blocks.
//   - Subscribers use buffered channels; a slow subscriber drops events.
type Event struct {
	Type   string
	Time   time.Time
	Bot    string
	Handle string
	Data   map[string]any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch      chan Event
	closed  atomic.Bool
	dropped atomic.Uint64
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.closed.Load() {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			// Removing under the write lock guarantees no Publish is mid-send.
			b.mu.Lock()
			delete(b.subs, id)
			s.closed.Store(true)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}
