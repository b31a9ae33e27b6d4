package bus

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/theirongolddev/agentmon/internal/model"
)

func makeEvent(id int64) *model.Event {
	return &model.Event{
		ID:         id,
		Key:        model.SessionKey{Agent: model.AgentClaudeCode, ExternalID: "s1"},
		Type:       model.EventMessage,
		Timestamp:  time.Unix(id, 0),
		Confidence: 1,
	}
}

func TestSubscriberReceivesInOrder(t *testing.T) {
	b := New(16)
	defer b.Close()

	sub := b.Subscribe("test")

	for i := int64(1); i <= 5; i++ {
		b.Publish(makeEvent(i))
	}

	for want := int64(1); want <= 5; want++ {
		select {
		case ev := <-sub.Events():
			if ev.ID != want {
				t.Fatalf("event ID = %d, want %d", ev.ID, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", want)
		}
	}
}

func TestIndependentSubscriberViews(t *testing.T) {
	b := New(16)
	defer b.Close()

	a := b.Subscribe("a")
	c := b.Subscribe("c")

	b.Publish(makeEvent(1))

	for _, sub := range []*Subscription{a, c} {
		select {
		case ev := <-sub.Events():
			if ev.ID != 1 {
				t.Fatalf("%s got event %d, want 1", sub.Name(), ev.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s did not receive the event", sub.Name())
		}
	}
}

func TestSlowSubscriberDropsOldestNotPublisher(t *testing.T) {
	const queueSize = 64
	b := New(queueSize)
	defer b.Close()

	sub := b.Subscribe("slow")

	// Subscriber never reads while 1000 events are published. Publishing
	// must stay non-blocking throughout.
	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 1000; i++ {
			b.Publish(makeEvent(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	if sub.Dropped() == 0 {
		t.Fatal("expected dropped count > 0 for the paused subscriber")
	}

	// Drain what survived; the tail of the stream must be the most recent
	// events, ending at 1000. Bus shutdown flushes the queue to draining
	// receivers.
	var got []int64
	b.Close()
	for ev := range sub.Events() {
		got = append(got, ev.ID)
	}
	if len(got) == 0 {
		t.Fatal("subscriber received nothing")
	}
	if got[len(got)-1] != 1000 {
		t.Fatalf("last surviving event = %d, want 1000", got[len(got)-1])
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Fatalf("events out of order after drops: %d then %d", got[i-1], got[i])
		}
	}
	if uint64(len(got))+sub.Dropped() != 1000 {
		t.Fatalf("received %d + dropped %d != published 1000", len(got), sub.Dropped())
	}
}

func TestConcurrentPublishers(t *testing.T) {
	b := New(4096)
	defer b.Close()

	sub := b.Subscribe("sink")

	const publishers = 8
	const perPublisher = 100

	var wg sync.WaitGroup
	wg.Add(publishers)
	for p := 0; p < publishers; p++ {
		go func(base int64) {
			defer wg.Done()
			for i := int64(0); i < perPublisher; i++ {
				b.Publish(makeEvent(base*1000 + i))
			}
		}(int64(p))
	}
	wg.Wait()

	received := 0
	timeout := time.After(5 * time.Second)
	for received < publishers*perPublisher {
		select {
		case <-sub.Events():
			received++
		case <-timeout:
			t.Fatalf("received %d of %d events", received, publishers*perPublisher)
		}
	}

	published, dropped, subscribers := b.Stats()
	if published != publishers*perPublisher {
		t.Fatalf("published = %d, want %d", published, publishers*perPublisher)
	}
	if dropped != 0 {
		t.Fatalf("dropped = %d, want 0", dropped)
	}
	if subscribers != 1 {
		t.Fatalf("subscribers = %d, want 1", subscribers)
	}
}

func TestCloseWithoutDrainingReleasesPump(t *testing.T) {
	before := runtime.NumGoroutine()

	b := New(16)
	// Churn subscribers that receive an event but never read it, the way a
	// stream client that disconnects mid-delivery does.
	for i := int64(1); i <= 50; i++ {
		sub := b.Subscribe("conn")
		b.Publish(makeEvent(i))
		sub.Close()
	}
	b.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before+2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("goroutines = %d after churn, started with %d", runtime.NumGoroutine(), before)
}

func TestCloseDrainsQueue(t *testing.T) {
	b := New(16)
	sub := b.Subscribe("drain")

	b.Publish(makeEvent(1))
	b.Publish(makeEvent(2))
	b.Close()

	var got []int64
	for ev := range sub.Events() {
		got = append(got, ev.ID)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("drained events = %v, want [1 2]", got)
	}
}
