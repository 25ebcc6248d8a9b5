// Package eventbus is an in-process fanout used to decouple the recovery
// controller from its observers. Publishing never blocks: a subscriber whose
// buffer is full misses the event and the miss is counted.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBuffer = 8

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	// Subscribe registers a buffered subscriber. With prefixes, only events
	// whose Type starts with one of them are delivered. The returned func
	// closes the channel and may be called more than once.
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
}

// New returns an empty bus. It owns no goroutines.
func New() Bus {
	return &fanout{}
}

type subscription struct {
	ch     chan Event
	filter []string
}

func (s *subscription) match(typ string) bool {
	if len(s.filter) == 0 {
		return true
	}
	for _, p := range s.filter {
		if strings.HasPrefix(typ, p) {
			return true
		}
	}
	return false
}

type fanout struct {
	mu   sync.RWMutex
	list []*subscription

	missed atomic.Uint64
}

// Publish stamps e.Time when unset and offers e to every matching
// subscriber. Sends happen under the read lock so an unsubscribe (which
// takes the write lock before closing) never races a send.
func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.list {
		if !s.match(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			f.missed.Add(1)
		}
	}
}

func (f *fanout) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscription{
		ch:     make(chan Event, buffer),
		filter: append([]string(nil), prefixes...),
	}
	f.mu.Lock()
	f.list = append(f.list, sub)
	f.mu.Unlock()

	var once sync.Once
	return sub.ch, func() { once.Do(func() { f.remove(sub) }) }
}

func (f *fanout) remove(sub *subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.list {
		if s == sub {
			f.list = append(f.list[:i], f.list[i+1:]...)
			break
		}
	}
	close(sub.ch)
}

// Dropped reports how many deliveries were skipped because a subscriber was
// full. Buses not created by New report 0.
func Dropped(b Bus) uint64 {
	if f, ok := b.(*fanout); ok {
		return f.missed.Load()
	}
	return 0
}
