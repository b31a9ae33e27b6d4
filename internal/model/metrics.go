package model

import "time"

// HourlyMetrics is the rollup row for one (agent type, hour) bucket. Rows are
// derived state: recomputing a bucket from the authoritative session/event
// records always produces the same row (idempotent upsert, never increment).
type HourlyMetrics struct {
	Agent     AgentType `json:"agent_type"`
	HourStart time.Time `json:"hour_start"`

	SessionCount  int     `json:"session_count"`
	MessageCount  int     `json:"message_count"`
	ToolCallCount int     `json:"tool_call_count"`
	FileOpCount   int     `json:"file_op_count"`
	ErrorCount    int     `json:"error_count"`
	TokensInput   int64   `json:"tokens_input"`
	TokensOutput  int64   `json:"tokens_output"`
	EstimatedCost float64 `json:"estimated_cost"`

	// ModelUsage maps model id to event count within the bucket.
	ModelUsage map[string]int64 `json:"model_usage,omitempty"`
}

// DailyMetrics is the rollup row for one (agent type, day) bucket.
type DailyMetrics struct {
	Agent    AgentType `json:"agent_type"`
	DayStart time.Time `json:"day_start"`

	SessionCount  int     `json:"session_count"`
	MessageCount  int     `json:"message_count"`
	ToolCallCount int     `json:"tool_call_count"`
	FileOpCount   int     `json:"file_op_count"`
	ErrorCount    int     `json:"error_count"`
	TokensInput   int64   `json:"tokens_input"`
	TokensOutput  int64   `json:"tokens_output"`
	EstimatedCost float64 `json:"estimated_cost"`

	CompletedCount int `json:"completed_count"`
	CrashedCount   int `json:"crashed_count"`

	AvgSessionDurationSecs float64 `json:"avg_session_duration_secs"`

	// PeakHour is the hour of day (0-23) with the most events; -1 when the
	// bucket is empty.
	PeakHour int `json:"peak_hour"`
}

// HourBucket truncates t to the start of its UTC hour.
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// DayBucket truncates t to the start of its UTC day.
func DayBucket(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
