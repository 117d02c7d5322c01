package eventbus

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler and the task engine.
const (
	ReminderCreated        = "reminder.created"
	ReminderDelivered      = "reminder.delivered"
	ReminderDeliveryFailed = "reminder.delivery_failed"
	ReminderAcknowledged   = "reminder.acknowledged"
	ReminderSnoozed        = "reminder.snoozed"
	ReminderSuspended      = "reminder.suspended"
	ReminderReactivated    = "reminder.reactivated"
	ReminderDeleted        = "reminder.deleted"
	ScheduleHealed         = "scheduler.healed"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Tally counts events by type. Counts are best-effort: a full buffer drops.
type Tally struct {
	mu     sync.Mutex
	counts map[string]uint64
	last   time.Time
}

// NewTally subscribes to b until ctx is done.
func NewTally(ctx context.Context, b Bus) *Tally {
	t := &Tally{counts: map[string]uint64{}}
	ch, unsub := b.Subscribe(256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				t.mu.Lock()
				t.counts[e.Type]++
				t.last = e.Time
				t.mu.Unlock()
			}
		}
	}()
	return t
}

type Count struct {
	Type  string
	Count uint64
}

// Snapshot returns counts sorted by type and the time of the latest event.
func (t *Tally) Snapshot() ([]Count, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Count, 0, len(t.counts))
	for k, v := range t.counts {
		out = append(out, Count{Type: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, t.last
}
