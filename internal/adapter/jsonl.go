package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/theirongolddev/agentmon/internal/model"
)

func init() {
	Register("jsonl", newJSONL)
}

// jsonlAdapter reads Claude Code style JSONL session transcripts. Each
// session is one <uuid>.jsonl file under the log path; polls pick up appended
// lines using persisted per-file offsets.
type jsonlAdapter struct {
	manifest Manifest
	agent    model.AgentType
	offsets  OffsetStore
}

func newJSONL(m Manifest, offsets OffsetStore) (Adapter, error) {
	if offsets == nil {
		offsets = MemOffsets{}
	}
	return &jsonlAdapter{manifest: m, agent: m.Agent(), offsets: offsets}, nil
}

func (a *jsonlAdapter) Name() string           { return a.manifest.Name }
func (a *jsonlAdapter) Agent() model.AgentType { return a.agent }
func (a *jsonlAdapter) Close() error           { return nil }

// PollNext scans the log directory for session files and reads lines appended
// since the previous poll.
func (a *jsonlAdapter) PollNext(ctx context.Context) ([]RawRecord, error) {
	var files []string
	err := filepath.WalkDir(a.manifest.LogPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // skip unreadable entries
		}
		if d.IsDir() {
			return nil
		}
		if filepath.Ext(path) == ".jsonl" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var records []RawRecord
	for _, path := range files {
		if ctx.Err() != nil {
			return records, ctx.Err()
		}
		recs, err := a.readFile(path)
		if err != nil {
			// One unreadable file must not hide the rest.
			continue
		}
		records = append(records, recs...)
	}
	return records, nil
}

func (a *jsonlAdapter) readFile(path string) ([]RawRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	offset, known := a.offsets.Offset(path)
	if known && info.Size() <= offset {
		return nil, nil
	}
	if offset > info.Size() {
		// Truncated/rotated file: start over.
		offset = 0
	}

	f, err := os.Open(path) //nolint:gosec // path discovered under configured log dir
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
	}

	externalID := strings.TrimSuffix(filepath.Base(path), ".jsonl")

	var records []RawRecord
	read := offset
	r := bufio.NewReaderSize(f, 256*1024)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			// A trailing fragment is a line still being appended; leave
			// the offset before it so the next poll sees it whole.
			break
		}
		if err != nil {
			return records, err
		}
		read += int64(len(line))
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			continue
		}
		if rec, ok := a.parseLine(line, externalID); ok {
			records = append(records, rec)
		}
	}

	_ = a.offsets.SetOffset(path, read)
	return records, nil
}

// jsonlEntry mirrors the subset of the transcript format the adapter needs.
type jsonlEntry struct {
	Type      string        `json:"type"`
	Subtype   string        `json:"subtype,omitempty"`
	Timestamp string        `json:"timestamp,omitempty"`
	SessionID string        `json:"sessionId,omitempty"`
	Cwd       string        `json:"cwd,omitempty"`
	Message   *jsonlMessage `json:"message,omitempty"`
	ToolUse   *jsonlToolUse `json:"toolUse,omitempty"`
	Task      string        `json:"task,omitempty"`
}

type jsonlMessage struct {
	ID    string      `json:"id"`
	Role  string      `json:"role"`
	Model string      `json:"model,omitempty"`
	Usage *jsonlUsage `json:"usage,omitempty"`
}

type jsonlUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type jsonlToolUse struct {
	Name       string            `json:"name"`
	Input      map[string]string `json:"input,omitempty"`
	DurationMs int64             `json:"durationMs,omitempty"`
	Success    *bool             `json:"success,omitempty"`
	IsError    bool              `json:"is_error,omitempty"`
}

// fileTools maps transcript tool names to file operations.
var fileTools = map[string]string{
	"Read":   "read",
	"Write":  "write",
	"Edit":   "edit",
	"Delete": "delete",
}

// parseLine converts one transcript line into a raw record. A line that is
// not valid JSON becomes a malformed record rather than being dropped; lines
// of kinds the pipeline does not track (summaries, progress) are skipped.
func (a *jsonlAdapter) parseLine(line []byte, fileExternalID string) (RawRecord, bool) {
	rec := RawRecord{
		Agent:      a.agent,
		Source:     a.manifest.Name,
		ExternalID: fileExternalID,
		Raw:        append([]byte(nil), line...),
		Confidence: 1,
	}

	var entry jsonlEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		rec.Kind = KindError
		rec.ErrKind = "malformed_record"
		rec.ErrMessage = err.Error()
		rec.Confidence = 0.1
		rec.Malformed = true
		return rec, true
	}

	if entry.SessionID != "" {
		rec.ExternalID = entry.SessionID
	}
	rec.ProjectPath = entry.Cwd
	if entry.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err == nil {
			rec.Timestamp = ts
		}
	}
	if entry.Task != "" {
		rec.Task = entry.Task
	}

	switch entry.Type {
	case "user":
		rec.Kind = KindMessage

	case "assistant":
		rec.Kind = KindMessage
		if entry.Message != nil {
			rec.Model = entry.Message.Model
			if entry.Message.Usage != nil {
				rec.TokensIn = entry.Message.Usage.InputTokens
				rec.TokensOut = entry.Message.Usage.OutputTokens
			}
		}

	case "system":
		if entry.ToolUse == nil {
			return rec, false
		}
		tu := entry.ToolUse
		if op, ok := fileTools[tu.Name]; ok {
			rec.Kind = KindFileOp
			rec.File = &model.FilePayload{Path: tu.Input["file_path"], Operation: op}
		} else {
			rec.Kind = KindToolCall
			rec.Tool = &model.ToolPayload{
				Name:       tu.Name,
				DurationMs: tu.DurationMs,
				Success:    tu.Success,
			}
		}
		if tu.IsError {
			rec.Kind = KindError
			rec.ErrKind = "tool_error"
			rec.ErrMessage = tu.Name
		}

	case "subagent":
		rec.Kind = KindSubagent

	case "result":
		rec.Kind = KindTerminate
		if strings.Contains(entry.Subtype, "error") {
			rec.Terminal = model.StatusCrashed
		} else {
			rec.Terminal = model.StatusCompleted
		}

	default:
		// Summary/progress lines carry nothing the session model tracks.
		return rec, false
	}

	return rec, true
}
