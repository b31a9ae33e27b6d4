package ipc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/theirongolddev/agentmon/internal/bus"
	"github.com/theirongolddev/agentmon/internal/model"
	"github.com/theirongolddev/agentmon/internal/store"
)

// fakeBackend serves canned data.
type fakeBackend struct {
	bus      *bus.Bus
	sessions map[string]*model.Session
	events   []*model.Event
	stale    bool
}

func (f *fakeBackend) Status() (*DaemonStatus, error) {
	return &DaemonStatus{PID: 123, LiveSessions: len(f.sessions)}, nil
}

func (f *fakeBackend) ListSessions(opts store.ListOptions) ([]*model.Session, error) {
	var out []*model.Session
	for _, s := range f.sessions {
		if opts.Agent != "" && s.Agent != opts.Agent {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeBackend) GetSession(id string) (*model.Session, error) {
	return f.sessions[id], nil
}

func (f *fakeBackend) SessionEvents(id string, limit int) ([]*model.Event, error) {
	var out []*model.Event
	for _, ev := range f.events {
		if ev.SessionID == id {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeBackend) RecentEvents(filter model.EventFilter, limit int) ([]*model.Event, error) {
	return f.events, nil
}

func (f *fakeBackend) HourlyMetrics(agent model.AgentType, from, to time.Time) ([]*model.HourlyMetrics, error) {
	return []*model.HourlyMetrics{{Agent: agent, HourStart: from}}, nil
}

func (f *fakeBackend) DailyMetrics(agent model.AgentType, from, to time.Time) ([]*model.DailyMetrics, error) {
	return []*model.DailyMetrics{{Agent: agent, DayStart: from}}, nil
}

func (f *fakeBackend) MetricsStale() bool { return f.stale }

func (f *fakeBackend) SubscribeEvents(name string) *bus.Subscription {
	return f.bus.Subscribe(name)
}

func (f *fakeBackend) SessionProject(id string) string {
	if s, ok := f.sessions[id]; ok {
		return s.ProjectPath
	}
	return ""
}

func startServer(t *testing.T, backend *fakeBackend) (*Client, func()) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "agentmon.sock")
	srv := NewServer(socketPath, backend)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()

	client, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return client, func() {
		_ = client.Close()
		cancel()
		srv.Close()
	}
}

func newFakeBackend() *fakeBackend {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sess := model.NewSession(model.AgentClaudeCode, "sess-1", "/home/u/proj", at)
	return &fakeBackend{
		bus:      bus.New(16),
		sessions: map[string]*model.Session{sess.ID: sess},
		events: []*model.Event{
			{ID: 1, SessionID: sess.ID, Key: sess.Key(), Type: model.EventMessage, Timestamp: at, Confidence: 1},
		},
	}
}

func TestStatusRoundTrip(t *testing.T) {
	client, stop := startServer(t, newFakeBackend())
	defer stop()

	st, err := client.Status()
	if err != nil {
		t.Fatal(err)
	}
	if st.PID != 123 || st.LiveSessions != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestListAndGetSession(t *testing.T) {
	backend := newFakeBackend()
	client, stop := startServer(t, backend)
	defer stop()

	sessions, err := client.ListSessions("", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions", len(sessions))
	}

	sess, err := client.GetSession(sessions[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.ExternalID != "sess-1" {
		t.Errorf("external_id = %s", sess.ExternalID)
	}

	if _, err := client.GetSession("no-such-id"); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestSessionEventsOverSocket(t *testing.T) {
	backend := newFakeBackend()
	client, stop := startServer(t, backend)
	defer stop()

	events, err := client.SessionEvents(backend.events[0].SessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != model.EventMessage {
		t.Errorf("events = %+v", events)
	}
}

func TestMetricsCarryStaleFlag(t *testing.T) {
	backend := newFakeBackend()
	backend.stale = true
	client, stop := startServer(t, backend)
	defer stop()

	hourly, stale, err := client.HourlyMetrics(model.AgentClaudeCode, time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(hourly) != 1 {
		t.Fatalf("got %d buckets", len(hourly))
	}
	if !stale {
		t.Error("stale flag not propagated")
	}
}

func TestSubscribeStreamsAndFilters(t *testing.T) {
	backend := newFakeBackend()
	client, stop := startServer(t, backend)
	defer stop()

	got := make(chan *model.Event, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	streamDone := make(chan error, 1)
	go func() {
		streamDone <- client.SubscribeEvents(ctx,
			model.EventFilter{EventTypes: []model.EventType{model.EventToolCall}},
			func(f Frame) error {
				got <- f.Event
				return nil
			})
	}()

	// Give the subscription time to register on the bus.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, _, subs := backend.bus.Stats()
		if subs > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	key := model.SessionKey{Agent: model.AgentClaudeCode, ExternalID: "sess-1"}
	backend.bus.Publish(&model.Event{ID: 10, Key: key, Type: model.EventMessage, Timestamp: time.Now(), Confidence: 1})
	backend.bus.Publish(&model.Event{ID: 11, Key: key, Type: model.EventToolCall, Timestamp: time.Now(), Confidence: 1})

	select {
	case ev := <-got:
		if ev.ID != 11 || ev.Type != model.EventToolCall {
			t.Errorf("got event %d type %s", ev.ID, ev.Type)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for streamed event")
	}

	cancel()
	<-streamDone
}
