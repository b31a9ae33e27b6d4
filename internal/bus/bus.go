// Package bus provides the in-process publish/subscribe channel that fans
// normalized events out to the tracker, the store writer, and IPC stream
// subscribers. Publishing never blocks: each subscriber owns a bounded ring
// queue and a slow subscriber drops its own oldest entries, with the drop
// count kept observable.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/theirongolddev/agentmon/internal/model"
)

// DefaultQueueSize bounds a subscriber queue when no size is configured.
const DefaultQueueSize = 1024

// Bus distributes events to all subscribers. Safe for concurrent publishing
// from many goroutines and concurrent subscription management.
type Bus struct {
	mu        sync.RWMutex
	subs      map[int]*Subscription
	nextID    int
	queueSize int
	published atomic.Uint64
	closed    bool
}

// New returns a bus whose subscribers each buffer up to queueSize events.
func New(queueSize int) *Bus {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[int]*Subscription),
		queueSize: queueSize,
	}
}

// Publish delivers the event to every current subscriber. It never blocks on
// a slow subscriber; the subscriber's queue drops its oldest entry instead.
// Order is preserved per publisher to each subscriber.
func (b *Bus) Publish(ev *model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, s := range b.subs {
		s.push(ev)
	}
}

// Subscribe registers a new subscriber and returns its private queue. The
// name is used only for observability.
func (b *Bus) Subscribe(name string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{
		name: name,
		id:   b.nextID,
		bus:  b,
		buf:  make([]*model.Event, b.queueSize),
		out:  make(chan *model.Event),
		gone: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	if !b.closed {
		b.subs[s.id] = s
		go s.pump()
	} else {
		close(s.out)
		s.closed = true
	}
	return s
}

// Close shuts the bus down. Subscribers receive everything already queued,
// then their channels close.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[int]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.markClosed()
	}
}

// Stats reports bus-wide counters.
func (b *Bus) Stats() (published, dropped uint64, subscribers int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	published = b.published.Load()
	for _, s := range b.subs {
		dropped += s.Dropped()
	}
	return published, dropped, len(b.subs)
}

// Subscription is one subscriber's private, ordered, at-least-once view of
// the published event stream.
type Subscription struct {
	name string
	id   int
	bus  *Bus

	mu       sync.Mutex
	cond     *sync.Cond
	buf      []*model.Event // ring
	head     int
	count    int
	dropped  uint64
	closed   bool
	detached bool

	out chan *model.Event

	// gone is closed by Close to signal that the receiver will never read
	// again, unblocking a pump mid-send. Bus shutdown leaves it open so
	// draining receivers still get everything queued.
	gone chan struct{}
}

// Events returns the channel the subscriber reads from. It closes after
// Close (or bus shutdown) once the remaining queue has drained.
func (s *Subscription) Events() <-chan *model.Event {
	return s.out
}

// Name returns the subscriber's label.
func (s *Subscription) Name() string { return s.name }

// Dropped returns how many events this subscriber has lost to queue overflow.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscriber from the bus and stops its pump even if the
// caller never drains the Events channel; anything still queued is discarded.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()

	s.mu.Lock()
	if !s.detached {
		s.detached = true
		close(s.gone)
	}
	if !s.closed {
		s.closed = true
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// push enqueues an event, dropping the oldest entry when the ring is full.
func (s *Subscription) push(ev *model.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.count == len(s.buf) {
		s.buf[s.head] = nil
		s.head = (s.head + 1) % len(s.buf)
		s.count--
		s.dropped++
	}
	s.buf[(s.head+s.count)%len(s.buf)] = ev
	s.count++
	s.cond.Signal()
	s.mu.Unlock()
}

// pump moves events from the ring to the out channel. The ring absorbs
// publisher bursts; the blocking send here only ever stalls this subscriber.
func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		for s.count == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.count == 0 {
			s.mu.Unlock()
			close(s.out)
			return
		}
		ev := s.buf[s.head]
		s.buf[s.head] = nil
		s.head = (s.head + 1) % len(s.buf)
		s.count--
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.gone:
			close(s.out)
			return
		}
	}
}
