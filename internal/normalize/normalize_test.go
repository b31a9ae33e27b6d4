package normalize

import (
	"testing"
	"time"

	"github.com/theirongolddev/agentmon/internal/adapter"
	"github.com/theirongolddev/agentmon/internal/model"
)

// fakeResolver records resolutions and hands out deterministic session ids.
type fakeResolver struct {
	calls []model.SessionKey
}

func (r *fakeResolver) Resolve(key model.SessionKey, _ string, _ time.Time) string {
	r.calls = append(r.calls, key)
	return "session-" + string(key.Agent) + "-" + key.ExternalID
}

func TestNormalizeAssignsMonotonicIDs(t *testing.T) {
	n := New(&fakeResolver{}, 41)

	rec := adapter.RawRecord{
		Agent:      model.AgentClaudeCode,
		Source:     "claude_code",
		ExternalID: "s1",
		Kind:       adapter.KindMessage,
		Timestamp:  time.Now(),
		Confidence: 1,
	}
	first := n.Normalize(rec)
	second := n.Normalize(rec)
	if first.ID != 42 || second.ID != 43 {
		t.Errorf("ids = %d, %d, want 42, 43", first.ID, second.ID)
	}
	if first.Type != model.EventMessage {
		t.Errorf("type = %q", first.Type)
	}
}

func TestNormalizeKinds(t *testing.T) {
	n := New(&fakeResolver{}, 0)
	base := adapter.RawRecord{
		Agent:      model.AgentClaudeCode,
		Source:     "claude_code",
		ExternalID: "s1",
		Timestamp:  time.Now(),
		Confidence: 1,
	}

	cases := []struct {
		kind adapter.RecordKind
		want model.EventType
	}{
		{adapter.KindMessage, model.EventMessage},
		{adapter.KindToolCall, model.EventToolCall},
		{adapter.KindFileOp, model.EventFileOp},
		{adapter.KindTokenUsage, model.EventCostUpdate},
		{adapter.KindSubagent, model.EventSubagentSpawn},
		{adapter.KindTerminate, model.EventLifecycle},
		{adapter.KindError, model.EventError},
	}
	for _, tc := range cases {
		rec := base
		rec.Kind = tc.kind
		if got := n.Normalize(rec).Type; got != tc.want {
			t.Errorf("kind %q -> %q, want %q", tc.kind, got, tc.want)
		}
	}
}

func TestNormalizeTerminateDefaultsToCompleted(t *testing.T) {
	n := New(&fakeResolver{}, 0)
	ev := n.Normalize(adapter.RawRecord{
		Agent:      model.AgentAider,
		Source:     "aider",
		ExternalID: "s1",
		Kind:       adapter.KindTerminate,
		Timestamp:  time.Now(),
	})
	if ev.Lifecycle == nil || ev.Lifecycle.To != model.StatusCompleted {
		t.Errorf("lifecycle = %+v, want completed", ev.Lifecycle)
	}

	ev = n.Normalize(adapter.RawRecord{
		Agent:      model.AgentAider,
		Source:     "aider",
		ExternalID: "s1",
		Kind:       adapter.KindTerminate,
		Terminal:   model.StatusCrashed,
		Timestamp:  time.Now(),
	})
	if ev.Lifecycle == nil || ev.Lifecycle.To != model.StatusCrashed {
		t.Errorf("lifecycle = %+v, want crashed", ev.Lifecycle)
	}
}

func TestNormalizeTokensCarryCost(t *testing.T) {
	n := New(&fakeResolver{}, 0)
	ev := n.Normalize(adapter.RawRecord{
		Agent:      model.AgentClaudeCode,
		Source:     "claude_code",
		ExternalID: "s1",
		Kind:       adapter.KindMessage,
		Model:      "claude-sonnet-4",
		TokensIn:   1000,
		TokensOut:  500,
		Timestamp:  time.Now(),
	})
	if ev.Tokens == nil || ev.Tokens.Input != 1000 || ev.Tokens.Output != 500 {
		t.Fatalf("tokens = %+v", ev.Tokens)
	}
	if ev.Cost <= 0 {
		t.Errorf("cost = %v, want positive estimate", ev.Cost)
	}
}

func TestNormalizeUnattributedRecordGetsCatchAllSession(t *testing.T) {
	r := &fakeResolver{}
	n := New(r, 0)
	ev := n.Normalize(adapter.RawRecord{
		Agent:     model.AgentCustom,
		Source:    "mystery",
		Kind:      adapter.KindMessage,
		Timestamp: time.Now(),
	})
	if ev.Key.ExternalID != "mystery/unattributed" {
		t.Errorf("external id = %q", ev.Key.ExternalID)
	}
	if len(r.calls) != 1 || r.calls[0].ExternalID != "mystery/unattributed" {
		t.Errorf("resolver saw %+v", r.calls)
	}
}

func TestNormalizeZeroTimestampUsesClock(t *testing.T) {
	n := New(&fakeResolver{}, 0)
	fixed := time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	ev := n.Normalize(adapter.RawRecord{
		Agent:      model.AgentClaudeCode,
		Source:     "claude_code",
		ExternalID: "s1",
		Kind:       adapter.KindMessage,
	})
	if !ev.Timestamp.Equal(fixed) {
		t.Errorf("timestamp = %v, want clock value %v", ev.Timestamp, fixed)
	}
}

func TestNormalizeUnknownKindIsLowConfidenceError(t *testing.T) {
	n := New(&fakeResolver{}, 0)
	ev := n.Normalize(adapter.RawRecord{
		Agent:      model.AgentClaudeCode,
		Source:     "claude_code",
		ExternalID: "s1",
		Kind:       adapter.RecordKind("telepathy"),
		Timestamp:  time.Now(),
		Confidence: 1,
	})
	if ev.Type != model.EventError || ev.Error == nil {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Confidence >= 0.5 {
		t.Errorf("confidence = %v, want degraded", ev.Confidence)
	}
}

func TestNormalizeCarriesTask(t *testing.T) {
	n := New(&fakeResolver{}, 0)
	ev := n.Normalize(adapter.RawRecord{
		Agent:      model.AgentClaudeCode,
		Source:     "claude_code",
		ExternalID: "s1",
		Kind:       adapter.KindMessage,
		Timestamp:  time.Now(),
		Task:       "refactor config loading",
		Confidence: 1,
	})
	if ev.Task != "refactor config loading" {
		t.Errorf("task = %q, want the record's task", ev.Task)
	}
}

func TestNormalizeMalformedRecordStaysLowConfidence(t *testing.T) {
	n := New(&fakeResolver{}, 0)
	ev := n.Normalize(adapter.RawRecord{
		Agent:      model.AgentClaudeCode,
		Source:     "claude_code",
		ExternalID: "s1",
		Kind:       adapter.KindError,
		ErrKind:    "malformed_record",
		Timestamp:  time.Now(),
		Malformed:  true,
		Confidence: 1, // adapter bug: flagged malformed but fully confident
	})
	if ev.Confidence > 0.1 {
		t.Errorf("confidence = %v, want capped at 0.1 for malformed input", ev.Confidence)
	}
}

func TestNormalizeOutOfRangeConfidenceBecomesError(t *testing.T) {
	n := New(&fakeResolver{}, 0)
	ev := n.Normalize(adapter.RawRecord{
		Agent:      model.AgentClaudeCode,
		Source:     "claude_code",
		ExternalID: "s1",
		Kind:       adapter.KindMessage,
		Timestamp:  time.Now(),
		Confidence: 3,
	})
	if ev.Type != model.EventError || ev.Error == nil || ev.Error.Kind != "invalid_event" {
		t.Fatalf("invalid event not degraded: type=%s error=%+v", ev.Type, ev.Error)
	}
	if ev.Confidence < 0 || ev.Confidence > 1 {
		t.Errorf("confidence = %v, want clamped into [0,1]", ev.Confidence)
	}
}
