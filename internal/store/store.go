// Package store persists sessions, events, and metric rollups in SQLite.
// It is the system of record: live tracker state is rebuilt from here on
// restart, and every query surface reads from here.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/theirongolddev/agentmon/internal/model"

	_ "modernc.org/sqlite" // register sqlite driver
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at the given path and applies the
// schema. A database written by a newer schema version is refused rather
// than silently misread.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("writing schema version: %w", err)
		}
	case err != nil:
		_ = db.Close()
		return nil, fmt.Errorf("reading schema version: %w", err)
	case version > schemaVersion:
		_ = db.Close()
		return nil, fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// UpsertSession writes a session's current state, replacing its per-model
// breakdown. Identity for conflict purposes is (agent_type, external_id):
// a second insert for the same key updates the existing row and keeps its id.
func (s *Store) UpsertSession(sess *model.Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertSessionTx(tx, sess); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertSessionTx(tx *sql.Tx, sess *model.Session) error {
	var endedAt any
	if sess.EndedAt != nil {
		endedAt = fmtTime(*sess.EndedAt)
	}
	metadata, _ := json.Marshal(sess.Metadata)

	_, err := tx.Exec(`INSERT INTO sessions
		(id, agent_type, external_id, project_path, status,
		 started_at, last_activity_at, ended_at,
		 message_count, tool_call_count, file_op_count,
		 tokens_input, tokens_output, estimated_cost,
		 current_task, tasks_completed, tasks_total, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_type, external_id) DO UPDATE SET
		 project_path = excluded.project_path,
		 status = excluded.status,
		 started_at = excluded.started_at,
		 last_activity_at = excluded.last_activity_at,
		 ended_at = excluded.ended_at,
		 message_count = excluded.message_count,
		 tool_call_count = excluded.tool_call_count,
		 file_op_count = excluded.file_op_count,
		 tokens_input = excluded.tokens_input,
		 tokens_output = excluded.tokens_output,
		 estimated_cost = excluded.estimated_cost,
		 current_task = excluded.current_task,
		 tasks_completed = excluded.tasks_completed,
		 tasks_total = excluded.tasks_total,
		 metadata = excluded.metadata`,
		sess.ID, sess.Agent, sess.ExternalID, sess.ProjectPath, sess.Status,
		fmtTime(sess.StartedAt), fmtTime(sess.LastActivityAt), endedAt,
		sess.MessageCount, sess.ToolCallCount, sess.FileOpCount,
		sess.TokensInput, sess.TokensOutput, sess.EstimatedCost,
		sess.CurrentTask, sess.TasksCompleted, sess.TasksTotal, string(metadata),
	)
	if err != nil {
		return err
	}

	// The stored id may differ from sess.ID when the key already existed.
	var storedID string
	err = tx.QueryRow("SELECT id FROM sessions WHERE agent_type = ? AND external_id = ?",
		sess.Agent, sess.ExternalID).Scan(&storedID)
	if err != nil {
		return err
	}

	if _, err := tx.Exec("DELETE FROM session_models WHERE session_id = ?", storedID); err != nil {
		return err
	}
	for name, mu := range sess.ModelUsage {
		_, err := tx.Exec(`INSERT INTO session_models
			(session_id, model, calls, tokens_input, tokens_output, estimated_cost)
			VALUES (?, ?, ?, ?, ?, ?)`,
			storedID, name, mu.Calls, mu.TokensInput, mu.TokensOutput, mu.EstimatedCost)
		if err != nil {
			return err
		}
	}
	return nil
}

const sessionColumns = `id, agent_type, external_id, project_path, status,
	started_at, last_activity_at, ended_at,
	message_count, tool_call_count, file_op_count,
	tokens_input, tokens_output, estimated_cost,
	current_task, tasks_completed, tasks_total, metadata`

func scanSession(row interface{ Scan(...any) error }) (*model.Session, error) {
	var sess model.Session
	var projectPath, endedAt, currentTask, metadata sql.NullString
	var startedAt, lastActivity string

	err := row.Scan(
		&sess.ID, &sess.Agent, &sess.ExternalID, &projectPath, &sess.Status,
		&startedAt, &lastActivity, &endedAt,
		&sess.MessageCount, &sess.ToolCallCount, &sess.FileOpCount,
		&sess.TokensInput, &sess.TokensOutput, &sess.EstimatedCost,
		&currentTask, &sess.TasksCompleted, &sess.TasksTotal, &metadata,
	)
	if err != nil {
		return nil, err
	}

	sess.ProjectPath = projectPath.String
	sess.CurrentTask = currentTask.String
	sess.StartedAt = parseTime(startedAt)
	sess.LastActivityAt = parseTime(lastActivity)
	if endedAt.Valid && endedAt.String != "" {
		t := parseTime(endedAt.String)
		sess.EndedAt = &t
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &sess.Metadata)
	}
	sess.ModelUsage = make(map[string]*model.ModelUsage)
	return &sess, nil
}

func (s *Store) loadModelUsage(sess *model.Session) error {
	rows, err := s.db.Query(`SELECT model, calls, tokens_input, tokens_output, estimated_cost
		FROM session_models WHERE session_id = ?`, sess.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name string
		var mu model.ModelUsage
		if err := rows.Scan(&name, &mu.Calls, &mu.TokensInput, &mu.TokensOutput, &mu.EstimatedCost); err != nil {
			return err
		}
		sess.ModelUsage[name] = &mu
	}
	return rows.Err()
}

// GetSession loads one session by internal id.
func (s *Store) GetSession(id string) (*model.Session, error) {
	sess, err := scanSession(s.db.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadModelUsage(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSessionByKey loads one session by its (agent type, external id) key.
func (s *Store) GetSessionByKey(key model.SessionKey) (*model.Session, error) {
	sess, err := scanSession(s.db.QueryRow(
		"SELECT "+sessionColumns+" FROM sessions WHERE agent_type = ? AND external_id = ?",
		key.Agent, key.ExternalID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadModelUsage(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// ListOptions filter ListSessions. Zero values mean no constraint.
type ListOptions struct {
	Agent       model.AgentType
	Status      model.SessionStatus
	ProjectPath string
	Since       time.Time
	Limit       int
}

// ListSessions returns sessions newest-first.
func (s *Store) ListSessions(opts ListOptions) ([]*model.Session, error) {
	var conds []string
	var args []any
	if opts.Agent != "" {
		conds = append(conds, "agent_type = ?")
		args = append(args, opts.Agent)
	}
	if opts.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, opts.Status)
	}
	if opts.ProjectPath != "" {
		conds = append(conds, "project_path LIKE ?")
		args = append(args, opts.ProjectPath+"%")
	}
	if !opts.Since.IsZero() {
		conds = append(conds, "last_activity_at >= ?")
		args = append(args, fmtTime(opts.Since))
	}

	query := "SELECT " + sessionColumns + " FROM sessions"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if err := s.loadModelUsage(sess); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// OpenSessions returns every non-terminal session, used to rebuild tracker
// state after a restart.
func (s *Store) OpenSessions() ([]*model.Session, error) {
	rows, err := s.db.Query("SELECT "+sessionColumns+" FROM sessions WHERE status NOT IN (?, ?)",
		model.StatusCompleted, model.StatusCrashed)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// eventPayload is the JSON shape of the events.payload column.
type eventPayload struct {
	Tool      *model.ToolPayload      `json:"tool,omitempty"`
	File      *model.FilePayload      `json:"file,omitempty"`
	Tokens    *model.TokenDelta       `json:"tokens,omitempty"`
	Error     *model.ErrorPayload     `json:"error,omitempty"`
	Lifecycle *model.LifecyclePayload `json:"lifecycle,omitempty"`
	Task      string                  `json:"task,omitempty"`
}

func insertEventTx(tx *sql.Tx, ev *model.Event) error {
	payload, err := json.Marshal(eventPayload{
		Tool: ev.Tool, File: ev.File, Tokens: ev.Tokens,
		Error: ev.Error, Lifecycle: ev.Lifecycle, Task: ev.Task,
	})
	if err != nil {
		return err
	}
	var tokIn, tokOut int64
	if ev.Tokens != nil {
		tokIn, tokOut = ev.Tokens.Input, ev.Tokens.Output
	}

	// OR IGNORE: a retried batch may re-insert ids that already landed.
	_, err = tx.Exec(`INSERT OR IGNORE INTO events
		(id, session_id, agent_type, type, ts_ns, payload, model,
		 tokens_input, tokens_output, cost, raw, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.Key.Agent, ev.Type, ev.Timestamp.UnixNano(),
		string(payload), ev.Model, tokIn, tokOut, ev.Cost, string(ev.Raw), ev.Confidence)
	return err
}

const eventColumns = `id, session_id, agent_type, type, ts_ns, payload, model,
	tokens_input, tokens_output, cost, raw, confidence`

func scanEvent(row interface{ Scan(...any) error }) (*model.Event, error) {
	var ev model.Event
	var tsNs int64
	var payload, eventModel, raw sql.NullString
	var tokIn, tokOut int64

	err := row.Scan(&ev.ID, &ev.SessionID, &ev.Key.Agent, &ev.Type, &tsNs,
		&payload, &eventModel, &tokIn, &tokOut, &ev.Cost, &raw, &ev.Confidence)
	if err != nil {
		return nil, err
	}

	ev.Timestamp = time.Unix(0, tsNs).UTC()
	ev.Model = eventModel.String
	if raw.Valid && raw.String != "" {
		ev.Raw = json.RawMessage(raw.String)
	}
	if payload.Valid && payload.String != "" {
		var p eventPayload
		if err := json.Unmarshal([]byte(payload.String), &p); err == nil {
			ev.Tool, ev.File, ev.Tokens, ev.Error, ev.Lifecycle =
				p.Tool, p.File, p.Tokens, p.Error, p.Lifecycle
			ev.Task = p.Task
		}
	}
	if ev.Tokens == nil && (tokIn > 0 || tokOut > 0) {
		ev.Tokens = &model.TokenDelta{Input: tokIn, Output: tokOut}
	}
	return &ev, nil
}

// SessionEvents returns a session's events in canonical order (timestamp,
// then id).
func (s *Store) SessionEvents(sessionID string, limit int) ([]*model.Event, error) {
	query := "SELECT " + eventColumns + " FROM events WHERE session_id = ? ORDER BY ts_ns, id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryEvents(query, sessionID)
}

// RecentEvents returns the newest events matching the filter, newest-first.
func (s *Store) RecentEvents(filter model.EventFilter, limit int) ([]*model.Event, error) {
	var conds []string
	var args []any
	if len(filter.AgentTypes) > 0 {
		conds = append(conds, "agent_type IN (?"+strings.Repeat(", ?", len(filter.AgentTypes)-1)+")")
		for _, a := range filter.AgentTypes {
			args = append(args, a)
		}
	}
	if len(filter.EventTypes) > 0 {
		conds = append(conds, "type IN (?"+strings.Repeat(", ?", len(filter.EventTypes)-1)+")")
		for _, t := range filter.EventTypes {
			args = append(args, t)
		}
	}
	if len(filter.SessionIDs) > 0 {
		conds = append(conds, "session_id IN (?"+strings.Repeat(", ?", len(filter.SessionIDs)-1)+")")
		for _, id := range filter.SessionIDs {
			args = append(args, id)
		}
	}

	query := "SELECT " + eventColumns + " FROM events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts_ns DESC, id DESC"
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	return s.queryEvents(query, args...)
}

func (s *Store) queryEvents(query string, args ...any) ([]*model.Event, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MaxEventID returns the highest persisted event id, seeding the normalizer's
// sequence across restarts.
func (s *Store) MaxEventID() (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRow("SELECT MAX(id) FROM events").Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// EventCount returns the number of stored events.
func (s *Store) EventCount() (int64, error) {
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n)
	return n, err
}

// SessionCount returns the number of stored sessions.
func (s *Store) SessionCount() (int64, error) {
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&n)
	return n, err
}
