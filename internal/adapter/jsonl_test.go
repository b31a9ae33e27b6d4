package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/theirongolddev/agentmon/internal/model"
)

func newTestJSONL(t *testing.T, logDir string, offsets OffsetStore) Adapter {
	t.Helper()
	a, err := FromManifest(Manifest{
		Name:      "claude_code",
		AgentType: "claude_code",
		LogPath:   logDir,
		ParseMode: "jsonl",
	}, offsets)
	if err != nil {
		t.Fatalf("FromManifest: %v", err)
	}
	return a
}

const transcript = `{"type":"user","sessionId":"sess-1","cwd":"/home/dev/proj","timestamp":"2026-02-03T10:00:00Z"}
{"type":"assistant","sessionId":"sess-1","timestamp":"2026-02-03T10:00:05Z","message":{"role":"assistant","model":"claude-sonnet-4","usage":{"input_tokens":100,"output_tokens":40}}}
{"type":"system","sessionId":"sess-1","timestamp":"2026-02-03T10:00:06Z","toolUse":{"name":"Bash","durationMs":120}}
{"type":"system","sessionId":"sess-1","timestamp":"2026-02-03T10:00:07Z","toolUse":{"name":"Edit","input":{"file_path":"main.go"}}}
{"type":"summary","summary":"irrelevant"}
{"type":"result","sessionId":"sess-1","subtype":"success","timestamp":"2026-02-03T10:00:09Z"}
`

func TestJSONLParsesTranscript(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sess-1.jsonl"), transcript)

	a := newTestJSONL(t, dir, nil)
	records, err := a.PollNext(context.Background())
	if err != nil {
		t.Fatalf("PollNext: %v", err)
	}

	wantKinds := []RecordKind{KindMessage, KindMessage, KindToolCall, KindFileOp, KindTerminate}
	if len(records) != len(wantKinds) {
		t.Fatalf("got %d records, want %d", len(records), len(wantKinds))
	}
	for i, k := range wantKinds {
		if records[i].Kind != k {
			t.Errorf("record %d kind = %q, want %q", i, records[i].Kind, k)
		}
		if records[i].ExternalID != "sess-1" {
			t.Errorf("record %d external id = %q", i, records[i].ExternalID)
		}
	}

	asst := records[1]
	if asst.Model != "claude-sonnet-4" || asst.TokensIn != 100 || asst.TokensOut != 40 {
		t.Errorf("assistant usage not captured: %+v", asst)
	}
	if records[0].ProjectPath != "/home/dev/proj" {
		t.Errorf("project path = %q", records[0].ProjectPath)
	}
	if records[2].Tool == nil || records[2].Tool.Name != "Bash" {
		t.Errorf("tool payload = %+v", records[2].Tool)
	}
	if records[3].File == nil || records[3].File.Path != "main.go" || records[3].File.Operation != "edit" {
		t.Errorf("file payload = %+v", records[3].File)
	}
	if records[4].Terminal != model.StatusCompleted {
		t.Errorf("terminal status = %q", records[4].Terminal)
	}
}

func TestJSONLOffsetResume(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess-2.jsonl")
	writeFile(t, path, `{"type":"user","sessionId":"sess-2","timestamp":"2026-02-03T10:00:00Z"}`+"\n")

	offsets := MemOffsets{}
	a := newTestJSONL(t, dir, offsets)

	first, err := a.PollNext(context.Background())
	if err != nil || len(first) != 1 {
		t.Fatalf("first poll: %d records, err %v", len(first), err)
	}

	// No new data: nothing to emit.
	again, err := a.PollNext(context.Background())
	if err != nil || len(again) != 0 {
		t.Fatalf("idle poll: %d records, err %v", len(again), err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"type":"user","sessionId":"sess-2","timestamp":"2026-02-03T10:01:00Z"}` + "\n"); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	appended, err := a.PollNext(context.Background())
	if err != nil {
		t.Fatalf("PollNext after append: %v", err)
	}
	if len(appended) != 1 {
		t.Fatalf("got %d records after append, want 1", len(appended))
	}
}

func TestJSONLTruncatedFileRestartsFromZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess-3.jsonl")
	line := `{"type":"user","sessionId":"sess-3","timestamp":"2026-02-03T10:00:00Z"}` + "\n"
	writeFile(t, path, line)

	// A stale offset past EOF simulates rotation.
	offsets := MemOffsets{path: 100000}
	a := newTestJSONL(t, dir, offsets)

	records, err := a.PollNext(context.Background())
	if err != nil {
		t.Fatalf("PollNext: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want full re-read of 1", len(records))
	}
	if off, _ := offsets.Offset(path); off != int64(len(line)) {
		t.Errorf("offset = %d, want %d", off, len(line))
	}
}

func TestJSONLMalformedLineIsKeptLowConfidence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sess-4.jsonl"), "{not json at all\n")

	a := newTestJSONL(t, dir, nil)
	records, err := a.PollNext(context.Background())
	if err != nil {
		t.Fatalf("PollNext: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	rec := records[0]
	if !rec.Malformed || rec.Kind != KindError {
		t.Errorf("malformed line not flagged: %+v", rec)
	}
	if rec.Confidence >= 0.5 {
		t.Errorf("confidence = %v, want low", rec.Confidence)
	}
	if rec.ExternalID != "sess-4" {
		t.Errorf("external id should fall back to filename, got %q", rec.ExternalID)
	}
}

func TestJSONLErrorResultIsCrash(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "sess-5.jsonl"),
		`{"type":"result","sessionId":"sess-5","subtype":"error_during_execution","timestamp":"2026-02-03T10:00:00Z"}`+"\n")

	a := newTestJSONL(t, dir, nil)
	records, err := a.PollNext(context.Background())
	if err != nil || len(records) != 1 {
		t.Fatalf("PollNext: %d records, err %v", len(records), err)
	}
	if records[0].Terminal != model.StatusCrashed {
		t.Errorf("terminal = %q, want crashed", records[0].Terminal)
	}
}

func TestJSONLPartialTrailingLineIsDeferred(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sess-6.jsonl")
	full := `{"type":"user","sessionId":"sess-6","timestamp":"2026-02-03T10:00:00Z"}` + "\n"
	late := `{"type":"result","sessionId":"sess-6","subtype":"success","timestamp":"2026-02-03T10:01:00Z"}`
	// The tail is caught mid-append: no newline yet.
	writeFile(t, path, full+late[:20])

	offsets := MemOffsets{}
	a := newTestJSONL(t, dir, offsets)

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
	if _, err := f.WriteString(late[20:] + "\n"); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	records, err = a.PollNext(context.Background())
	if err != nil {
		t.Fatalf("PollNext after completing the line: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records after append, want 1", len(records))
	}
	if records[0].Kind != KindTerminate || records[0].Malformed {
		t.Errorf("reassembled line parsed as %+v", records[0])
	}
}
