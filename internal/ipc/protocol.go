// Package ipc exposes the daemon's query surface over a unix domain socket.
// The protocol is newline-delimited JSON: one request object per line, one
// response object per line, except subscribe-events which streams event
// frames until the client disconnects.
package ipc

import (
	"time"

	"github.com/theirongolddev/agentmon/internal/adapter"
	"github.com/theirongolddev/agentmon/internal/model"
)

// Request ops.
const (
	OpStatus       = "status"
	OpListSessions = "list-sessions"
	OpGetSession   = "get-session"
	OpGetEvents    = "get-events"
	OpGetMetrics   = "get-metrics"
	OpSubscribe    = "subscribe-events"
)

// Metric granularities for OpGetMetrics.
const (
	GranularityHourly = "hourly"
	GranularityDaily  = "daily"
)

// Request is one client query.
type Request struct {
	Op string `json:"op"`

	// Session selectors.
	SessionID   string              `json:"session_id,omitempty"`
	Agent       model.AgentType     `json:"agent_type,omitempty"`
	Status      model.SessionStatus `json:"status,omitempty"`
	ProjectPath string              `json:"project_path,omitempty"`
	Limit       int                 `json:"limit,omitempty"`

	// Metric range.
	Granularity string    `json:"granularity,omitempty"`
	From        time.Time `json:"from,omitempty"`
	To          time.Time `json:"to,omitempty"`

	// Event filtering for get-events and subscribe-events.
	Filter *model.EventFilter `json:"filter,omitempty"`
}

// Response answers one request.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	// Stale marks metric responses whose rollups have not yet caught up
	// with the newest stored events.
	Stale bool `json:"stale,omitempty"`

	Status   *DaemonStatus          `json:"status,omitempty"`
	Session  *model.Session         `json:"session,omitempty"`
	Sessions []*model.Session       `json:"sessions,omitempty"`
	Events   []*model.Event         `json:"events,omitempty"`
	Hourly   []*model.HourlyMetrics `json:"hourly,omitempty"`
	Daily    []*model.DailyMetrics  `json:"daily,omitempty"`
}

// Frame is one element of a subscribe-events stream. Dropped carries the
// subscriber's cumulative overflow count so clients can tell when they fell
// behind.
type Frame struct {
	Event   *model.Event `json:"event,omitempty"`
	Dropped uint64       `json:"dropped,omitempty"`
}

// DaemonStatus is the OpStatus payload.
type DaemonStatus struct {
	PID       int       `json:"pid"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`

	LiveSessions   int   `json:"live_sessions"`
	StoredSessions int64 `json:"stored_sessions"`
	StoredEvents   int64 `json:"stored_events"`

	BusPublished   uint64 `json:"bus_published"`
	BusDropped     uint64 `json:"bus_dropped"`
	BusSubscribers int    `json:"bus_subscribers"`

	EventsWritten uint64 `json:"events_written"`
	EventsLost    uint64 `json:"events_lost"`
	PendingWrites int    `json:"pending_writes"`

	RollupCursor int64 `json:"rollup_cursor"`

	Adapters []adapter.RunnerStatus `json:"adapters,omitempty"`
}
