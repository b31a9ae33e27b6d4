package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/theirongolddev/agentmon/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "agentmon.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSession(externalID string, at time.Time) *model.Session {
	s := model.NewSession(model.AgentClaudeCode, externalID, "/home/u/proj", at)
	s.Status = model.StatusActive
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sess := testSession("sess-1", at)
	sess.MessageCount = 3
	sess.TokensInput = 100
	sess.ModelUsage["claude-sonnet-4"] = &model.ModelUsage{Calls: 2, TokensInput: 100, EstimatedCost: 0.01}
	if err := s.UpsertSession(sess); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil {
		t.Fatal("session not found")
	}
	if got.MessageCount != 3 || got.TokensInput != 100 {
		t.Errorf("counters = %d/%d", got.MessageCount, got.TokensInput)
	}
	if !got.StartedAt.Equal(at) {
		t.Errorf("started_at = %v, want %v", got.StartedAt, at)
	}
	mu := got.ModelUsage["claude-sonnet-4"]
	if mu == nil || mu.Calls != 2 {
		t.Errorf("model usage = %+v", mu)
	}
}

func TestUpsertSessionKeyIsUnique(t *testing.T) {
	s := openTestStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := testSession("sess-1", at)
	if err := s.UpsertSession(first); err != nil {
		t.Fatal(err)
	}

	// Same key, different internal id: must update, not duplicate.
	second := testSession("sess-1", at)
	second.MessageCount = 7
	if err := s.UpsertSession(second); err != nil {
		t.Fatal(err)
	}

	n, err := s.SessionCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("session count = %d, want 1", n)
	}

	got, err := s.GetSessionByKey(model.SessionKey{Agent: model.AgentClaudeCode, ExternalID: "sess-1"})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != first.ID {
		t.Errorf("id changed on upsert: %s -> %s", first.ID, got.ID)
	}
	if got.MessageCount != 7 {
		t.Errorf("message_count = %d, want 7", got.MessageCount)
	}
}

func TestListSessionsFilters(t *testing.T) {
	s := openTestStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := testSession("a", at)
	b := model.NewSession(model.AgentAider, "b", "/tmp/x", at.Add(time.Hour))
	b.Status = model.StatusCompleted
	for _, sess := range []*model.Session{a, b} {
		if err := s.UpsertSession(sess); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListSessions(ListOptions{Agent: model.AgentAider})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ExternalID != "b" {
		t.Errorf("agent filter: got %d sessions", len(got))
	}

	got, err = s.ListSessions(ListOptions{Status: model.StatusActive})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ExternalID != "a" {
		t.Errorf("status filter: got %d sessions", len(got))
	}

	open, err := s.OpenSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 || open[0].ExternalID != "a" {
		t.Errorf("OpenSessions: got %d", len(open))
	}
}

type fixedSessions map[model.SessionKey]*model.Session

func (f fixedSessions) Lookup(key model.SessionKey) (*model.Session, bool) {
	s, ok := f[key]
	return s, ok
}

func TestWriterPersistsBatch(t *testing.T) {
	s := openTestStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sess := testSession("sess-1", at)
	source := fixedSessions{sess.Key(): sess}

	w := NewWriter(s, source, WriterConfig{FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	for i := 0; i < 5; i++ {
		w.Enqueue(&model.Event{
			ID: int64(i + 1), SessionID: sess.ID, Key: sess.Key(),
			Type: model.EventMessage, Timestamp: at.Add(time.Duration(i) * time.Second),
			Confidence: 1,
		})
	}
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	events, err := s.SessionEvents(sess.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Before(events[i-1]) {
			t.Errorf("events out of order at %d", i)
		}
	}

	maxID, err := s.MaxEventID()
	if err != nil {
		t.Fatal(err)
	}
	if maxID != 5 {
		t.Errorf("MaxEventID = %d, want 5", maxID)
	}

	written, dropped, pending := w.Stats()
	if written != 5 || dropped != 0 || pending != 0 {
		t.Errorf("stats = %d/%d/%d", written, dropped, pending)
	}
}

func TestWriterRetryDoesNotDuplicate(t *testing.T) {
	s := openTestStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sess := testSession("sess-1", at)
	source := fixedSessions{sess.Key(): sess}
	w := NewWriter(s, source, WriterConfig{FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	ev := &model.Event{ID: 1, SessionID: sess.ID, Key: sess.Key(),
		Type: model.EventMessage, Timestamp: at, Confidence: 1}
	w.Enqueue(ev)
	if err := w.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Same id enqueued again, as a retried batch would.
	w.Enqueue(ev)
	if err := w.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	n, err := s.EventCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("event count = %d, want 1", n)
	}
}

func TestRecentEventsFilter(t *testing.T) {
	s := openTestStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sess := testSession("sess-1", at)
	source := fixedSessions{sess.Key(): sess}
	w := NewWriter(s, source, WriterConfig{FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	types := []model.EventType{model.EventMessage, model.EventToolCall, model.EventError}
	for i, typ := range types {
		w.Enqueue(&model.Event{ID: int64(i + 1), SessionID: sess.ID, Key: sess.Key(),
			Type: typ, Timestamp: at.Add(time.Duration(i) * time.Second), Confidence: 1})
	}
	if err := w.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := s.RecentEvents(model.EventFilter{EventTypes: []model.EventType{model.EventError}}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Type != model.EventError {
		t.Errorf("filter returned %d events", len(got))
	}
}

func TestOffsetsPersist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentmon.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	off := s.Offsets("claude_code")
	if _, known := off.Offset("/var/log/a.jsonl"); known {
		t.Error("unexpected offset for new file")
	}
	if err := off.SetOffset("/var/log/a.jsonl", 42); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s2.Close() }()
	got, known := s2.Offsets("claude_code").Offset("/var/log/a.jsonl")
	if !known || got != 42 {
		t.Errorf("offset = %d (known=%v), want 42", got, known)
	}
	// Offsets are per-source.
	if _, known := s2.Offsets("other").Offset("/var/log/a.jsonl"); known {
		t.Error("offset leaked across sources")
	}
}
