package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestPlain(t *testing.T, logPath string, offsets OffsetStore) Adapter {
	t.Helper()
	a, err := FromManifest(Manifest{
		Name:      "aider",
		AgentType: "aider",
		LogPath:   logPath,
		ParseMode: "plain",
		EventPatterns: map[string]string{
			"message":   `^(?P<time>\S+) chat: (?P<msg>.*)$`,
			"tool_call": `^(?P<time>\S+) running: (?P<tool>\S+)`,
			"file_op":   `^(?P<time>\S+) applied edit to (?P<path>\S+)`,
			"terminate": `^(?P<time>\S+) session ended`,
		},
	}, offsets)
	if err != nil {
		t.Fatalf("FromManifest: %v", err)
	}
	return a
}

func TestPlainMatchesConfiguredPatterns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aider.log")
	writeFile(t, path, `2026-02-03T10:00:00Z chat: fix the bug
2026-02-03T10:00:05Z running: pytest
2026-02-03T10:00:09Z applied edit to app.py
random noise line without a pattern
2026-02-03T10:00:30Z session ended
`)

	a := newTestPlain(t, path, nil)
	records, err := a.PollNext(context.Background())
	if err != nil {
		t.Fatalf("PollNext: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("got %d records, want 4 (noise ignored)", len(records))
	}

	byKind := map[RecordKind]RawRecord{}
	for _, r := range records {
		byKind[r.Kind] = r
		if r.Confidence != plainConfidence {
			t.Errorf("%s confidence = %v, want %v", r.Kind, r.Confidence, plainConfidence)
		}
	}
	if tc, ok := byKind[KindToolCall]; !ok || tc.Tool == nil || tc.Tool.Name != "pytest" {
		t.Errorf("tool call record = %+v", byKind[KindToolCall])
	}
	if fo, ok := byKind[KindFileOp]; !ok || fo.File == nil || fo.File.Path != "app.py" {
		t.Errorf("file op record = %+v", byKind[KindFileOp])
	}
	if _, ok := byKind[KindTerminate]; !ok {
		t.Error("terminate pattern did not match")
	}
	if byKind[KindMessage].Timestamp.IsZero() {
		t.Error("time capture group was not parsed")
	}
}

func TestPlainFallbackExternalIDIsPerFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "one.log"), "2026-02-03T10:00:00Z chat: hello\n")
	writeFile(t, filepath.Join(dir, "two.log"), "2026-02-03T10:00:00Z chat: world\n")

	a := newTestPlain(t, dir, nil)
	records, err := a.PollNext(context.Background())
	if err != nil {
		t.Fatalf("PollNext: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].ExternalID == records[1].ExternalID {
		t.Errorf("records from different files share external id %q", records[0].ExternalID)
	}
}

func TestPlainOffsetResume(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aider.log")
	writeFile(t, path, "2026-02-03T10:00:00Z chat: first\n")

	offsets := MemOffsets{}
	a := newTestPlain(t, path, offsets)

	if recs, err := a.PollNext(context.Background()); err != nil || len(recs) != 1 {
		t.Fatalf("first poll: %d records, err %v", len(recs), err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("2026-02-03T10:01:00Z chat: second\n"); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	recs, err := a.PollNext(context.Background())
	if err != nil {
		t.Fatalf("PollNext after append: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records after append, want 1", len(recs))
	}
}

func TestPlainRequiresPatterns(t *testing.T) {
	_, err := FromManifest(Manifest{
		Name:      "bare",
		AgentType: "aider",
		LogPath:   "/tmp/x.log",
		ParseMode: "plain",
	}, nil)
	if err == nil {
		t.Fatal("expected error for plain mode without event_patterns")
	}
}

func TestPlainBadPatternFailsConstruction(t *testing.T) {
	_, err := FromManifest(Manifest{
		Name:          "bad",
		AgentType:     "aider",
		LogPath:       "/tmp/x.log",
		ParseMode:     "plain",
		EventPatterns: map[string]string{"message": "("},
	}, nil)
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestPlainMissingLogPathIsQuiet(t *testing.T) {
	a := newTestPlain(t, filepath.Join(t.TempDir(), "absent.log"), nil)
	recs, err := a.PollNext(context.Background())
	if err != nil {
		t.Fatalf("PollNext: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("got %d records from a missing path", len(recs))
	}
}

func TestPlainPartialTrailingLineIsDeferred(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aider.log")
	full := "2026-02-03T10:00:00Z chat: hello\n"
	late := "2026-02-03T10:00:05Z running: pytest"
	writeFile(t, path, full+late[:25])

	offsets := MemOffsets{}
	a := newTestPlain(t, path, offsets)

	records, err := a.PollNext(context.Background())
	if err != nil {
		t.Fatalf("PollNext: %v", err)
	}
	if len(records) != 1 || records[0].Kind != KindMessage {
		t.Fatalf("got %d records, want only the complete line", len(records))
	}
	if off, _ := offsets.Offset(path); off != int64(len(full)) {
		t.Errorf("offset = %d, want %d (before the partial line)", off, len(full))
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(late[25:] + "\n"); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	records, err = a.PollNext(context.Background())
	if err != nil || len(records) != 1 {
		t.Fatalf("second poll: %d records, err %v", len(records), err)
	}
	if records[0].Kind != KindToolCall || records[0].Tool == nil || records[0].Tool.Name != "pytest" {
		t.Errorf("reassembled line parsed as %+v", records[0])
	}
}

func TestPlainParsesTokenCounts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aider.log")
	writeFile(t, path, "2026-02-03T10:00:00Z usage gpt-4o in=1200 out=450\n"+
		"2026-02-03T10:00:05Z usage gpt-4o in=bogus out=7\n")

	a, err := FromManifest(Manifest{
		Name:      "aider",
		AgentType: "aider",
		LogPath:   path,
		ParseMode: "plain",
		EventPatterns: map[string]string{
			"token_usage": `^(?P<time>\S+) usage (?P<model>\S+) in=(?P<in>\S+) out=(?P<out>\S+)$`,
		},
	}, nil)
	if err != nil {
		t.Fatalf("FromManifest: %v", err)
	}

	records, err := a.PollNext(context.Background())
	if err != nil || len(records) != 2 {
		t.Fatalf("PollNext: %d records, err %v", len(records), err)
	}
	if records[0].Model != "gpt-4o" || records[0].TokensIn != 1200 || records[0].TokensOut != 450 {
		t.Errorf("usage record = %+v", records[0])
	}
	// Unparseable counts degrade to zero, not to a skipped record.
	if records[1].TokensIn != 0 || records[1].TokensOut != 7 {
		t.Errorf("bogus count record = %+v", records[1])
	}
}
