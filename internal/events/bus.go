// Package events broadcasts pipeline progress to any number of observers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type tags an event. The set is the contract with presentation layers.
type Type string

const (
	Init       Type = "init"
	Banner     Type = "banner"
	Log        Type = "log"
	Tool       Type = "tool"
	ToolError  Type = "tool_error"
	Thinking   Type = "thinking"
	StageText  Type = "stage_text"
	TestVerify Type = "test_verify"
	Result     Type = "result"
	Stopped    Type = "stopped"
	Summary    Type = "summary"
	Report     Type = "report"
	Error      Type = "error"
	Done       Type = "done"
)

// Event is one emitted progress record. Seq is assigned by the bus and is
// strictly increasing in emission order.
type Event struct {
	Seq  uint64         `json:"seq"`
	Type Type           `json:"type"`
	Data map[string]any `json:"data"`
	Time time.Time      `json:"ts"`
}

// New builds an event. Data may be nil.
func New(t Type, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{Type: t, Data: data}
}

// Emitter is the write side of a bus.
type Emitter interface {
	Emit(Event)
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistoryLimit bounds the replay buffer to the newest n events.
// Zero keeps every event.
func WithHistoryLimit(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.historyLimit = n
		}
	}
}

// Bus is an in-process publish/subscribe hub for one pipeline run.
// Emit never blocks on slow subscribers: each subscriber owns an unbounded
// queue drained by its own goroutine.
type Bus struct {
	mu           sync.Mutex
	seq          uint64
	subs         map[string]*subscriber
	history      []Event
	historyLimit int
	done         bool
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{subs: make(map[string]*subscriber)}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Emit stamps ev, appends it to history and queues it for every current
// subscriber, in that order, under one lock.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}

	b.history = append(b.history, ev)
	if b.historyLimit > 0 && len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}
	if ev.Type == Done {
		b.done = true
	}
	for _, s := range b.subs {
		s.push(ev)
	}
}

// Subscribe returns a channel of events emitted from now on. The channel is
// closed after a Done event is delivered or when ctx is cancelled; either
// way the subscriber is removed from the bus.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	return b.subscribe(ctx, false)
}

// SubscribeWithReplay returns a channel that first yields every event in
// history, then live events, with no gap or duplicate between the two.
func (b *Bus) SubscribeWithReplay(ctx context.Context) <-chan Event {
	return b.subscribe(ctx, true)
}

func (b *Bus) subscribe(ctx context.Context, replay bool) <-chan Event {
	s := &subscriber{id: uuid.NewString(), notify: make(chan struct{}, 1)}
	out := make(chan Event)

	b.mu.Lock()
	if replay {
		s.queue = append(s.queue, b.history...)
	}
	if b.done && !replay {
		b.mu.Unlock()
		close(out)
		return out
	}
	if !b.done {
		b.subs[s.id] = s
	}
	b.mu.Unlock()

	go b.pump(ctx, s, out)
	return out
}

func (b *Bus) pump(ctx context.Context, s *subscriber, out chan<- Event) {
	defer close(out)
	defer b.remove(s.id)

	for {
		for _, ev := range s.drain() {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type == Done {
				return
			}
		}
		b.mu.Lock()
		finished := b.done && s.empty()
		b.mu.Unlock()
		if finished {
			// Replayed history was truncated before Done could be seen.
			return
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// History returns a copy of the replay buffer.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

// Subscribers returns the number of registered subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Finished reports whether a Done event has been emitted.
func (b *Bus) Finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

type subscriber struct {
	id     string
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

func (s *subscriber) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0
}
