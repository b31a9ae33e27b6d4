// Package adapter defines the contract between agent-specific event sources
// and the normalization pipeline. An adapter turns one tool's native log or
// hook output into RawRecords; a manifest-driven registry picks the adapter
// implementation, and a runner isolates each adapter behind its own goroutine,
// poll timeout, and error backoff so one stalled source never affects another.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/theirongolddev/agentmon/internal/model"
)

// RecordKind is the adapter-level classification of a raw record. The
// normalizer maps kinds onto canonical event types.
type RecordKind string

const (
	KindMessage    RecordKind = "message"
	KindToolCall   RecordKind = "tool_call"
	KindFileOp     RecordKind = "file_op"
	KindTokenUsage RecordKind = "token_usage"
	KindError      RecordKind = "error"
	KindTerminate  RecordKind = "terminate"
	KindSubagent   RecordKind = "subagent"
)

// RawRecord is one observation extracted from an agent source, before
// normalization. Malformed source data still produces a record (with
// Malformed set) so that nothing is silently discarded.
type RawRecord struct {
	Agent       model.AgentType
	Source      string // adapter name
	ExternalID  string // tool-specific session identifier
	ProjectPath string
	Kind        RecordKind
	Timestamp   time.Time // zero when the source had none

	// Payload fields, populated per kind.
	Tool       *model.ToolPayload
	File       *model.FilePayload
	ErrKind    string
	ErrMessage string
	Terminal   model.SessionStatus // for KindTerminate
	Model      string
	TokensIn   int64
	TokensOut  int64
	Task       string // current task text, when the source exposes one

	Raw        []byte // original source line/record, kept for audit
	Confidence float64
	Malformed  bool
}

// Adapter produces raw records from one agent tool's source.
//
// PollNext returns the records that appeared since the previous poll; an
// empty slice means no new activity. Implementations must honor ctx
// cancellation since the runner bounds each poll with a timeout.
type Adapter interface {
	Name() string
	Agent() model.AgentType
	PollNext(ctx context.Context) ([]RawRecord, error)
	Close() error
}

// OffsetStore persists per-file read offsets across daemon restarts so
// adapters re-read as little history as possible. Replays are still
// tolerated downstream (at-least-once).
type OffsetStore interface {
	Offset(path string) (int64, bool)
	SetOffset(path string, offset int64) error
}

// MemOffsets is an in-memory OffsetStore for tests and cache-less runs.
type MemOffsets map[string]int64

func (m MemOffsets) Offset(path string) (int64, bool) {
	off, ok := m[path]
	return off, ok
}

func (m MemOffsets) SetOffset(path string, offset int64) error {
	m[path] = offset
	return nil
}

// Constructor builds an adapter from its manifest.
type Constructor func(m Manifest, offsets OffsetStore) (Adapter, error)

var registry = map[string]Constructor{}

// Register associates a parse mode with an adapter constructor. Called from
// init funcs of the built-in adapters; custom modes can be added the same way.
func Register(parseMode string, ctor Constructor) {
	registry[parseMode] = ctor
}

// FromManifest instantiates the adapter declared by a manifest.
func FromManifest(m Manifest, offsets OffsetStore) (Adapter, error) {
	ctor, ok := registry[m.ParseMode]
	if ok {
		return ctor(m, offsets)
	}
	return nil, fmt.Errorf("adapter %q: unknown parse mode %q", m.Name, m.ParseMode)
}
