package settlement

import (
	"sync"
	"sync/atomic"

	"cosmossdk.io/log"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

// LogSink writes every event to a logger.
type LogSink struct {
	logger log.Logger
}

// NewLogSink returns a sink logging to logger.
func NewLogSink(logger log.Logger) *LogSink {
	return &LogSink{logger: logger.With("module", "x/jobs/events")}
}

// Emit implements types.EventSink.
func (s *LogSink) Emit(ev types.Event) {
	kv := make([]any, 0, 6+2*len(ev.Attributes))
	kv = append(kv, "event", string(ev.Type), "job_id", ev.JobID, "status", string(ev.Status))
	for k, v := range ev.Attributes {
		kv = append(kv, k, v)
	}
	if ev.Type == types.EventError {
		s.logger.Error("job event", kv...)
		return
	}
	s.logger.Debug("job event", kv...)
}

// MultiSink fans an event out to several sinks in order.
type MultiSink []types.EventSink

// Emit implements types.EventSink.
func (m MultiSink) Emit(ev types.Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Broadcaster delivers events to subscribers over buffered channels. A
// subscriber that falls behind loses events; Emit never blocks.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[uint64]chan types.Event
	next    uint64
	buffer  int
	dropped atomic.Uint64
}

// NewBroadcaster creates a broadcaster whose subscriptions buffer up to
// buffer events.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer < 1 {
		buffer = 64
	}
	return &Broadcaster{subs: make(map[uint64]chan types.Event), buffer: buffer}
}

// Subscribe returns an event channel and a function that closes it.
func (b *Broadcaster) Subscribe() (<-chan types.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan types.Event, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Emit implements types.EventSink.
func (b *Broadcaster) Emit(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }
