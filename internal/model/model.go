// Package model defines the canonical entities shared by the agentmon pipeline:
// sessions, events, and the enumerations describing them. Adapters translate
// tool-specific records into these types; everything downstream (bus, tracker,
// store, rollups, IPC) speaks only this schema.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentType identifies which coding-agent tool a session belongs to.
type AgentType string

// Known agent types. Custom manifest-driven adapters report AgentCustom.
const (
	AgentClaudeCode AgentType = "claude_code"
	AgentCursor     AgentType = "cursor"
	AgentAider      AgentType = "aider"
	AgentGeminiCLI  AgentType = "gemini_cli"
	AgentCodex      AgentType = "openai_codex"
	AgentCustom     AgentType = "custom"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusStarting  SessionStatus = "starting"
	StatusActive    SessionStatus = "active"
	StatusIdle      SessionStatus = "idle"
	StatusCompleted SessionStatus = "completed"
	StatusCrashed   SessionStatus = "crashed"
	StatusUnknown   SessionStatus = "unknown"
)

// Terminal reports whether no further status transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCrashed
}

// EventType classifies an observed occurrence within a session.
type EventType string

const (
	EventMessage       EventType = "message"
	EventToolCall      EventType = "tool_call"
	EventFileOp        EventType = "file_operation"
	EventError         EventType = "error"
	EventLifecycle     EventType = "lifecycle_transition"
	EventCostUpdate    EventType = "cost_update"
	EventSubagentSpawn EventType = "subagent_spawn"
)

// TransitionCause records why a lifecycle transition happened. Explicit
// transitions come from a termination event in the source; timeout transitions
// are inferred by the tracker's inactivity sweep. The two are deliberately
// distinguishable in stored history.
type TransitionCause string

const (
	CauseExplicit TransitionCause = "explicit"
	CauseTimeout  TransitionCause = "timeout"
)

// SessionKey is the globally unique identity of a session: the agent type plus
// the tool's own session identifier.
type SessionKey struct {
	Agent      AgentType `json:"agent_type"`
	ExternalID string    `json:"external_id"`
}

func (k SessionKey) String() string {
	return string(k.Agent) + "/" + k.ExternalID
}

// Session is one monitored run of an agent tool, unified across agent types.
type Session struct {
	ID          string    `json:"id"`
	Agent       AgentType `json:"agent_type"`
	ExternalID  string    `json:"external_id"`
	ProjectPath string    `json:"project_path"`

	Status SessionStatus `json:"status"`

	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`

	// Cumulative counters; monotonically non-decreasing while non-terminal.
	MessageCount  int     `json:"message_count"`
	ToolCallCount int     `json:"tool_call_count"`
	FileOpCount   int     `json:"file_op_count"`
	TokensInput   int64   `json:"tokens_input"`
	TokensOutput  int64   `json:"tokens_output"`
	EstimatedCost float64 `json:"estimated_cost"`

	// Per-model usage within the session.
	ModelUsage map[string]*ModelUsage `json:"model_usage,omitempty"`

	CurrentTask    string `json:"current_task,omitempty"`
	TasksCompleted int    `json:"tasks_completed"`
	TasksTotal     int    `json:"tasks_total"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// ModelUsage tracks per-model activity within a session.
type ModelUsage struct {
	Calls         int     `json:"calls"`
	TokensInput   int64   `json:"tokens_input"`
	TokensOutput  int64   `json:"tokens_output"`
	EstimatedCost float64 `json:"estimated_cost"`
}

// NewSession creates a session in the starting state. The internal ID is a
// fresh UUID; identity for dedup purposes is always Key(), never ID.
func NewSession(agent AgentType, externalID, projectPath string, at time.Time) *Session {
	return &Session{
		ID:             uuid.NewString(),
		Agent:          agent,
		ExternalID:     externalID,
		ProjectPath:    projectPath,
		Status:         StatusStarting,
		StartedAt:      at,
		LastActivityAt: at,
		ModelUsage:     make(map[string]*ModelUsage),
		Metadata:       make(map[string]string),
	}
}

// Key returns the session's unique (agent type, external id) identity.
func (s *Session) Key() SessionKey {
	return SessionKey{Agent: s.Agent, ExternalID: s.ExternalID}
}

// Duration is the observed length of the session so far.
func (s *Session) Duration() time.Duration {
	end := s.LastActivityAt
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

// Clone returns a deep copy, used when handing live state across goroutines.
func (s *Session) Clone() *Session {
	cp := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	cp.ModelUsage = make(map[string]*ModelUsage, len(s.ModelUsage))
	for m, u := range s.ModelUsage {
		uc := *u
		cp.ModelUsage[m] = &uc
	}
	cp.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// Event is one immutable observation within a session. Ordering within a
// session is by Timestamp with ID as tie-break; IDs are assigned monotonically
// by the normalizer so replays of batch-read logs keep a stable order.
type Event struct {
	ID        int64      `json:"id"`
	SessionID string     `json:"session_id"`
	Key       SessionKey `json:"key"`
	Type      EventType  `json:"type"`
	Timestamp time.Time  `json:"timestamp"`

	Tool      *ToolPayload      `json:"tool,omitempty"`
	File      *FilePayload      `json:"file,omitempty"`
	Tokens    *TokenDelta       `json:"tokens,omitempty"`
	Error     *ErrorPayload     `json:"error,omitempty"`
	Lifecycle *LifecyclePayload `json:"lifecycle,omitempty"`

	Model string `json:"model,omitempty"`

	// Task is the human-readable task the agent reported working on when
	// this event was observed; the tracker folds it into the session's
	// progress fields.
	Task string `json:"task,omitempty"`

	// Cost is the incremental estimated USD cost attached to this event.
	Cost float64 `json:"cost,omitempty"`

	// Raw holds the source record for audit; never interpreted downstream.
	Raw json.RawMessage `json:"raw,omitempty"`

	// Confidence in [0,1]: how certain the normalizer is that the source
	// record was interpreted correctly. Regex-matched plain-text sources
	// yield confidence below 1.
	Confidence float64 `json:"confidence"`
}

// ToolPayload describes a tool invocation.
type ToolPayload struct {
	Name       string `json:"name"`
	Input      string `json:"input,omitempty"`
	Output     string `json:"output,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Success    *bool  `json:"success,omitempty"`
}

// FilePayload describes a file operation.
type FilePayload struct {
	Path      string `json:"path"`
	Operation string `json:"operation"` // read, write, edit, delete
}

// TokenDelta carries incremental token usage attached to an event.
type TokenDelta struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// ErrorPayload describes an error observed in the session, including
// normalization failures recorded as low-confidence error events.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// LifecyclePayload records a status transition. Terminate-typed source events
// carry only the target status; the tracker fills in From when applying it and
// emits the derived transition event.
type LifecyclePayload struct {
	From  SessionStatus   `json:"from,omitempty"`
	To    SessionStatus   `json:"to"`
	Cause TransitionCause `json:"cause,omitempty"`
}

// Validate checks structural invariants before an event enters the pipeline.
func (e *Event) Validate() error {
	if e.Key.ExternalID == "" {
		return fmt.Errorf("event %d: empty external id", e.ID)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("event %d: zero timestamp", e.ID)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("event %d: confidence %v out of range", e.ID, e.Confidence)
	}
	return nil
}

// Before orders events within a session: timestamp first, ID as tie-break.
func (e *Event) Before(other *Event) bool {
	if e.Timestamp.Equal(other.Timestamp) {
		return e.ID < other.ID
	}
	return e.Timestamp.Before(other.Timestamp)
}
