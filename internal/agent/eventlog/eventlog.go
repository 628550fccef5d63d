// Package eventlog keeps the bounded per-instance ring of lifecycle events.
package eventlog

import (
	"sync"
	"time"

	v1 "github.com/agenthost/agenthost/pkg/api/v1"
)

// DefaultCapacity is the number of events retained per instance.
const DefaultCapacity = 500

// Sink receives every appended event, e.g. to broadcast it to connected
// clients or republish it on the event bus.
type Sink func(v1.Event)

// Log is a bounded ring of events with a strictly increasing sequence
// number. It is safe for concurrent use, though under the instance
// single-writer discipline appends are already serialized.
type Log struct {
	mu     sync.Mutex
	cap    int
	seq    int64
	events []v1.Event
	sinks  []Sink
}

// New creates a Log retaining at most capacity events.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{cap: capacity}
}

// AddSink registers a sink invoked synchronously on every append.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	l.sinks = append(l.sinks, s)
	l.mu.Unlock()
}

// Append records an event and returns it with its assigned sequence number.
func (l *Log) Append(eventType, threadID string, data map[string]any) v1.Event {
	l.mu.Lock()
	l.seq++
	ev := v1.Event{
		Type:     eventType,
		Data:     data,
		ThreadID: threadID,
		TS:       time.Now().UTC(),
		Seq:      l.seq,
	}
	l.events = append(l.events, ev)
	if len(l.events) > l.cap {
		l.events = l.events[len(l.events)-l.cap:]
	}
	sinks := make([]Sink, len(l.sinks))
	copy(sinks, l.sinks)
	l.mu.Unlock()

	for _, s := range sinks {
		s(ev)
	}
	return ev
}

// List returns a copy of the retained events, oldest first.
func (l *Log) List() []v1.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]v1.Event, len(l.events))
	copy(out, l.events)
	return out
}

// Snapshot returns the retained events and the current sequence counter for
// checkpointing.
func (l *Log) Snapshot() ([]v1.Event, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]v1.Event, len(l.events))
	copy(out, l.events)
	return out, l.seq
}

// Restore reloads the ring after a hibernation wake. The sequence counter
// continues from the persisted value so Seq stays strictly increasing.
func (l *Log) Restore(events []v1.Event, seq int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = make([]v1.Event, len(events))
	copy(l.events, events)
	if len(l.events) > l.cap {
		l.events = l.events[len(l.events)-l.cap:]
	}
	if seq > l.seq {
		l.seq = seq
	}
}
