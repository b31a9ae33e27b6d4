package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/theirongolddev/agentmon/internal/model"
)

// RollupCursor returns the id of the last event folded into rollups.
func (s *Store) RollupCursor() (int64, error) {
	var id int64
	err := s.db.QueryRow("SELECT last_event_id FROM rollup_cursor WHERE id = 1").Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// SetRollupCursor advances the rollup cursor.
func (s *Store) SetRollupCursor(lastEventID int64) error {
	_, err := s.db.Exec(`INSERT INTO rollup_cursor (id, last_event_id) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET last_event_id = excluded.last_event_id`, lastEventID)
	return err
}

// DirtyBucket identifies an (agent, hour) pair touched by events past the
// rollup cursor.
type DirtyBucket struct {
	Agent     model.AgentType
	HourStart time.Time
}

// DirtyHourBuckets returns the hour buckets touched by events with id greater
// than afterID, plus the highest event id seen.
func (s *Store) DirtyHourBuckets(afterID int64) ([]DirtyBucket, int64, error) {
	const hourNs = int64(time.Hour)
	rows, err := s.db.Query(`SELECT agent_type, (ts_ns / ?) * ?, MAX(id)
		FROM events WHERE id > ? GROUP BY agent_type, ts_ns / ?`,
		hourNs, hourNs, afterID, hourNs)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var buckets []DirtyBucket
	var maxID int64
	for rows.Next() {
		var b DirtyBucket
		var hourNsStart, id int64
		if err := rows.Scan(&b.Agent, &hourNsStart, &id); err != nil {
			return nil, 0, err
		}
		b.HourStart = time.Unix(0, hourNsStart).UTC()
		buckets = append(buckets, b)
		if id > maxID {
			maxID = id
		}
	}
	return buckets, maxID, rows.Err()
}

// ComputeHourly recomputes one hour bucket from stored events. The fold is a
// pure function of the events table, so recomputing a bucket any number of
// times yields identical rows.
func (s *Store) ComputeHourly(agent model.AgentType, hourStart time.Time) (*model.HourlyMetrics, error) {
	from := hourStart.UTC().UnixNano()
	to := hourStart.UTC().Add(time.Hour).UnixNano()

	m := &model.HourlyMetrics{
		Agent:      agent,
		HourStart:  hourStart.UTC(),
		ModelUsage: make(map[string]int64),
	}
	err := s.db.QueryRow(`SELECT
		COUNT(DISTINCT session_id),
		COALESCE(SUM(CASE WHEN type = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN type = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN type = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN type = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(tokens_input), 0),
		COALESCE(SUM(tokens_output), 0),
		COALESCE(SUM(cost), 0)
		FROM events WHERE agent_type = ? AND ts_ns >= ? AND ts_ns < ?`,
		model.EventMessage, model.EventToolCall, model.EventFileOp, model.EventError,
		agent, from, to,
	).Scan(&m.SessionCount, &m.MessageCount, &m.ToolCallCount, &m.FileOpCount,
		&m.ErrorCount, &m.TokensInput, &m.TokensOutput, &m.EstimatedCost)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT model, SUM(tokens_input + tokens_output)
		FROM events WHERE agent_type = ? AND ts_ns >= ? AND ts_ns < ? AND model != ''
		GROUP BY model`, agent, from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name string
		var tokens int64
		if err := rows.Scan(&name, &tokens); err != nil {
			return nil, err
		}
		m.ModelUsage[name] = tokens
	}
	return m, rows.Err()
}

// UpsertHourly writes an hour bucket, replacing any existing row for the same
// (agent, hour) key.
func (s *Store) UpsertHourly(m *model.HourlyMetrics) error {
	usage, _ := json.Marshal(m.ModelUsage)
	_, err := s.db.Exec(`INSERT INTO hourly_metrics
		(agent_type, hour_start, session_count, message_count, tool_call_count,
		 file_op_count, error_count, tokens_input, tokens_output, estimated_cost, model_usage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_type, hour_start) DO UPDATE SET
		 session_count = excluded.session_count,
		 message_count = excluded.message_count,
		 tool_call_count = excluded.tool_call_count,
		 file_op_count = excluded.file_op_count,
		 error_count = excluded.error_count,
		 tokens_input = excluded.tokens_input,
		 tokens_output = excluded.tokens_output,
		 estimated_cost = excluded.estimated_cost,
		 model_usage = excluded.model_usage`,
		m.Agent, fmtTime(m.HourStart), m.SessionCount, m.MessageCount, m.ToolCallCount,
		m.FileOpCount, m.ErrorCount, m.TokensInput, m.TokensOutput, m.EstimatedCost, string(usage))
	return err
}

// ComputeDaily folds one day bucket from its hourly rows plus the sessions
// table (terminal outcomes and durations).
func (s *Store) ComputeDaily(agent model.AgentType, dayStart time.Time) (*model.DailyMetrics, error) {
	day := dayStart.UTC()
	from := fmtTime(day)
	to := fmtTime(day.Add(24 * time.Hour))

	m := &model.DailyMetrics{Agent: agent, DayStart: day, PeakHour: -1}

	rows, err := s.db.Query(`SELECT hour_start, session_count, message_count,
		tool_call_count, file_op_count, error_count, tokens_input, tokens_output, estimated_cost
		FROM hourly_metrics
		WHERE agent_type = ? AND hour_start >= ? AND hour_start < ?`, agent, from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	peakActivity := -1
	for rows.Next() {
		var hourStart string
		var sessions, messages, tools, fileOps, errs int
		var tokIn, tokOut int64
		var cost float64
		if err := rows.Scan(&hourStart, &sessions, &messages, &tools, &fileOps, &errs, &tokIn, &tokOut, &cost); err != nil {
			return nil, err
		}
		m.MessageCount += messages
		m.ToolCallCount += tools
		m.FileOpCount += fileOps
		m.ErrorCount += errs
		m.TokensInput += tokIn
		m.TokensOutput += tokOut
		m.EstimatedCost += cost

		if activity := messages + tools + fileOps; activity > peakActivity {
			peakActivity = activity
			m.PeakHour = parseTime(hourStart).Hour()
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Distinct sessions per day come from events directly: summing hourly
	// session counts would double-count sessions spanning hours.
	err = s.db.QueryRow(`SELECT COUNT(DISTINCT session_id) FROM events
		WHERE agent_type = ? AND ts_ns >= ? AND ts_ns < ?`,
		agent, day.UnixNano(), day.Add(24*time.Hour).UnixNano()).Scan(&m.SessionCount)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRow(`SELECT
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(CASE WHEN ended_at IS NOT NULL
			THEN (julianday(ended_at) - julianday(started_at)) * 86400.0 END), 0)
		FROM sessions
		WHERE agent_type = ? AND ended_at >= ? AND ended_at < ?`,
		model.StatusCompleted, model.StatusCrashed, agent, from, to,
	).Scan(&m.CompletedCount, &m.CrashedCount, &m.AvgSessionDurationSecs)
	return m, err
}

// UpsertDaily writes a day bucket.
func (s *Store) UpsertDaily(m *model.DailyMetrics) error {
	_, err := s.db.Exec(`INSERT INTO daily_metrics
		(agent_type, day_start, session_count, completed_count, crashed_count,
		 message_count, tool_call_count, file_op_count, error_count,
		 tokens_input, tokens_output, estimated_cost, avg_duration_secs, peak_hour)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_type, day_start) DO UPDATE SET
		 session_count = excluded.session_count,
		 completed_count = excluded.completed_count,
		 crashed_count = excluded.crashed_count,
		 message_count = excluded.message_count,
		 tool_call_count = excluded.tool_call_count,
		 file_op_count = excluded.file_op_count,
		 error_count = excluded.error_count,
		 tokens_input = excluded.tokens_input,
		 tokens_output = excluded.tokens_output,
		 estimated_cost = excluded.estimated_cost,
		 avg_duration_secs = excluded.avg_duration_secs,
		 peak_hour = excluded.peak_hour`,
		m.Agent, fmtTime(m.DayStart), m.SessionCount, m.CompletedCount, m.CrashedCount,
		m.MessageCount, m.ToolCallCount, m.FileOpCount, m.ErrorCount,
		m.TokensInput, m.TokensOutput, m.EstimatedCost, m.AvgSessionDurationSecs, m.PeakHour)
	return err
}

// HourlyRange returns hourly buckets within [from, to), oldest first. Empty
// agent means all agents.
func (s *Store) HourlyRange(agent model.AgentType, from, to time.Time) ([]*model.HourlyMetrics, error) {
	query := `SELECT agent_type, hour_start, session_count, message_count, tool_call_count,
		file_op_count, error_count, tokens_input, tokens_output, estimated_cost, model_usage
		FROM hourly_metrics WHERE hour_start >= ? AND hour_start < ?`
	args := []any{fmtTime(from), fmtTime(to)}
	if agent != "" {
		query += " AND agent_type = ?"
		args = append(args, agent)
	}
	query += " ORDER BY hour_start, agent_type"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.HourlyMetrics
	for rows.Next() {
		var m model.HourlyMetrics
		var hourStart string
		var usage sql.NullString
		err := rows.Scan(&m.Agent, &hourStart, &m.SessionCount, &m.MessageCount, &m.ToolCallCount,
			&m.FileOpCount, &m.ErrorCount, &m.TokensInput, &m.TokensOutput, &m.EstimatedCost, &usage)
		if err != nil {
			return nil, err
		}
		m.HourStart = parseTime(hourStart)
		m.ModelUsage = make(map[string]int64)
		if usage.Valid && usage.String != "" {
			_ = json.Unmarshal([]byte(usage.String), &m.ModelUsage)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// DailyRange returns daily buckets within [from, to), oldest first.
func (s *Store) DailyRange(agent model.AgentType, from, to time.Time) ([]*model.DailyMetrics, error) {
	query := `SELECT agent_type, day_start, session_count, completed_count, crashed_count,
		message_count, tool_call_count, file_op_count, error_count,
		tokens_input, tokens_output, estimated_cost, avg_duration_secs, peak_hour
		FROM daily_metrics WHERE day_start >= ? AND day_start < ?`
	args := []any{fmtTime(from), fmtTime(to)}
	if agent != "" {
		query += " AND agent_type = ?"
		args = append(args, agent)
	}
	query += " ORDER BY day_start, agent_type"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.DailyMetrics
	for rows.Next() {
		var m model.DailyMetrics
		var dayStart string
		err := rows.Scan(&m.Agent, &dayStart, &m.SessionCount, &m.CompletedCount, &m.CrashedCount,
			&m.MessageCount, &m.ToolCallCount, &m.FileOpCount, &m.ErrorCount,
			&m.TokensInput, &m.TokensOutput, &m.EstimatedCost, &m.AvgSessionDurationSecs, &m.PeakHour)
		if err != nil {
			return nil, err
		}
		m.DayStart = parseTime(dayStart)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ClearRollups deletes all rollup rows and resets the cursor, for full
// rebuilds.
func (s *Store) ClearRollups() error {
	for _, stmt := range []string{
		"DELETE FROM hourly_metrics",
		"DELETE FROM daily_metrics",
		"DELETE FROM rollup_cursor",
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("clearing rollups: %w", err)
		}
	}
	return nil
}
