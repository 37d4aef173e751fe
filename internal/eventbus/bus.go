// Package eventbus fans ingestion events out to in-process observers
// (metrics, logging) without coupling them to the coordinator.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the ingestion coordinator.
const (
	TypePassStarted    = "ingest.pass.started"
	TypeSourceFinished = "ingest.source.finished"
	TypePassFinished   = "ingest.pass.finished"
	TypeRetention      = "ingest.retention"
)

// Event is a small in-memory signal.
//
// Publish never blocks; subscribers get buffered channels and a slow
// subscriber loses events rather than stalling the publisher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// SourceFinished is the Data of a TypeSourceFinished event.
type SourceFinished struct {
	PassID     string
	SourceID   string
	SourceName string
	SourceKind string
	Success    bool
	Received   int
	Saved      int
	Took       time.Duration
	Err        string
}

// PassFinished is the Data of a TypePassFinished event.
type PassFinished struct {
	PassID  string
	Due     int
	Failed  int
	Skipped int
	Took    time.Duration
}

// Retention is the Data of a TypeRetention event.
type Retention struct {
	Deleted int64
	Err     string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64

	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sending under the read lock keeps Unsubscribe (which closes the channel
	// under the write lock) from racing a send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
