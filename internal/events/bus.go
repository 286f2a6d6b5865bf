// Package events is the in-process pub/sub stream of run lifecycle events.
// Subscribers receive events in per-run sequence order; NodeProgress is shed
// preferentially under pressure and terminal events are never dropped.
package events

import (
	"log"
	"sync"
	"time"

	"github.com/somatechlat/vortex/internal/metrics"
)

// Type enumerates the event stream.
type Type string

const (
	RunStarted    Type = "run.started"
	NodeStarted   Type = "node.started"
	NodeProgress  Type = "node.progress"
	NodeCompleted Type = "node.completed"
	NodeFailed    Type = "node.failed"
	RunCompleted  Type = "run.completed"
	RunFailed     Type = "run.failed"
	RunCancelled  Type = "run.cancelled"
	WorkerDown    Type = "worker.down"
)

// terminal events may never be lost, whatever the subscriber lag.
func (t Type) terminal() bool {
	return t != NodeProgress
}

// Event is one entry in a run's stream. Sequence numbers are strictly
// increasing per run and independent across runs.
type Event struct {
	RunID string                 `json:"run_id"`
	Seq   uint64                 `json:"seq"`
	Type  Type                   `json:"type"`
	Time  time.Time              `json:"time"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

type subscriber struct {
	ch    chan Event
	types map[Type]struct{} // nil = all

	mu       sync.Mutex
	overflow []Event
	draining bool
}

func (s *subscriber) wants(t Type) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus is a single-producer-per-run, multiple-consumer event stream.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	seq    map[string]uint64
	logger *log.Logger
	met    *metrics.Metrics

	bufferSize int
}

// NewBus creates an event bus. met may be nil.
func NewBus(met *metrics.Metrics) *Bus {
	if met == nil {
		met = metrics.Nop()
	}
	return &Bus{
		seq:        make(map[string]uint64),
		logger:     log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		met:        met,
		bufferSize: 128,
	}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when none are named.
func (b *Bus) Subscribe(types ...Type) <-chan Event {
	s := &subscriber{ch: make(chan Event, b.bufferSize)}
	if len(types) > 0 {
		s.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s.ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.ch == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Emit publishes one event for a run, assigning its sequence number.
func (b *Bus) Emit(runID string, t Type, data map[string]interface{}) {
	b.mu.Lock()
	b.seq[runID]++
	ev := Event{
		RunID: runID,
		Seq:   b.seq[runID],
		Type:  t,
		Time:  time.Now(),
		Data:  data,
	}
	subs := make([]*subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if !s.wants(t) {
			continue
		}
		b.deliver(s, ev)
	}
}

// deliver pushes to the subscriber channel; a lagging subscriber loses
// progress events, while terminal events queue in an overflow drained as the
// subscriber catches up.
func (b *Bus) deliver(s *subscriber, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.overflow) == 0 {
		select {
		case s.ch <- ev:
			return
		default:
		}
	}
	if !ev.Type.terminal() {
		b.met.EventsDropped.Inc()
		return
	}
	s.overflow = append(s.overflow, ev)
	if !s.draining {
		s.draining = true
		go b.drain(s)
	}
}

func (b *Bus) drain(s *subscriber) {
	for {
		s.mu.Lock()
		if len(s.overflow) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		ev := s.overflow[0]
		s.mu.Unlock()

		s.ch <- ev // blocks until the subscriber reads

		s.mu.Lock()
		s.overflow = s.overflow[1:]
		s.mu.Unlock()
	}
}

// ForgetRun releases the sequence counter of a finished run.
func (b *Bus) ForgetRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.seq, runID)
}
