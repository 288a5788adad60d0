package bus

import (
	"sync"
	"time"

	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

// MemBusConfig configures the in-memory bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the per-subscriber channel buffer (default 256).
	SubscriberBufferSize int
}

// MemBus is the in-process fan-out. Each subscriber gets a bounded queue;
// when it overflows, events are dropped and the next delivery is preceded by
// a synthetic stream_gap event carrying the drop count.
type MemBus struct {
	mu         sync.RWMutex
	subs       map[string][]*memSub
	globalSubs []*memSub
	bufSize    int
	closed     bool
}

func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	return &MemBus{
		subs:    make(map[string][]*memSub),
		bufSize: bufSize,
	}
}

func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[event.RunID] {
		sub.send(event)
	}
	for _, sub := range b.globalSubs {
		sub.send(event)
	}
}

func (b *MemBus) Subscribe(runID string) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := newMemSub(b.bufSize)
	b.subs[runID] = append(b.subs[runID], sub)
	return sub
}

func (b *MemBus) SubscribeAll() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := newMemSub(b.bufSize)
	b.globalSubs = append(b.globalSubs, sub)
	return sub
}

func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	for _, sub := range b.globalSubs {
		sub.close()
	}
	return nil
}

type memSub struct {
	ch      chan runtime.Event
	mu      sync.Mutex
	closed  bool
	dropped uint64

	// lastSeq is the sequence of the last event actually enqueued; the gap
	// marker reports it as the last contiguous point of the stream.
	lastSeq uint64
}

func newMemSub(bufSize int) *memSub {
	return &memSub{ch: make(chan runtime.Event, bufSize)}
}

func (s *memSub) Events() <-chan runtime.Event { return s.ch }

func (s *memSub) Close() error {
	s.close()
	return nil
}

func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send enqueues without blocking. Pending drops are surfaced as a gap marker
// before the next event that fits; the marker itself needs two free slots so
// the event it precedes is not lost.
func (s *memSub) send(event runtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.dropped > 0 {
		if len(s.ch) > cap(s.ch)-2 {
			s.dropped++
			return
		}
		s.ch <- gapEvent(event.RunID, s.dropped, s.lastSeq)
		s.dropped = 0
	}

	select {
	case s.ch <- event:
		if event.Seq > 0 {
			s.lastSeq = event.Seq
		}
	default:
		s.dropped++
	}
}

// gapEvent is synthetic: seq 0, never persisted. last_seq is the last
// contiguous sequence the subscriber received before the drop.
func gapEvent(runID string, dropped, lastSeq uint64) runtime.Event {
	return runtime.Event{
		RunID: runID,
		Kind:  runtime.EventStreamGap,
		TS:    time.Now().UTC(),
		Payload: map[string]any{
			"dropped":  dropped,
			"last_seq": lastSeq,
		},
	}
}

var (
	_ EventBus     = (*MemBus)(nil)
	_ Subscription = (*memSub)(nil)
)
