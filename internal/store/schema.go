package store

// schemaVersion is bumped whenever schemaSQL changes shape. The daemon
// refuses to open a newer database than it understands.
const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version              INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    id                   TEXT PRIMARY KEY,
    agent_type           TEXT NOT NULL,
    external_id          TEXT NOT NULL,
    project_path         TEXT,
    status               TEXT NOT NULL,
    started_at           TEXT NOT NULL,
    last_activity_at     TEXT NOT NULL,
    ended_at             TEXT,
    message_count        INTEGER NOT NULL DEFAULT 0,
    tool_call_count      INTEGER NOT NULL DEFAULT 0,
    file_op_count        INTEGER NOT NULL DEFAULT 0,
    tokens_input         INTEGER NOT NULL DEFAULT 0,
    tokens_output        INTEGER NOT NULL DEFAULT 0,
    estimated_cost       REAL NOT NULL DEFAULT 0,
    current_task         TEXT,
    tasks_completed      INTEGER NOT NULL DEFAULT 0,
    tasks_total          INTEGER NOT NULL DEFAULT 0,
    metadata             TEXT,
    UNIQUE (agent_type, external_id)
);

CREATE TABLE IF NOT EXISTS session_models (
    session_id           TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    model                TEXT NOT NULL,
    calls                INTEGER NOT NULL DEFAULT 0,
    tokens_input         INTEGER NOT NULL DEFAULT 0,
    tokens_output        INTEGER NOT NULL DEFAULT 0,
    estimated_cost       REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, model)
);

CREATE TABLE IF NOT EXISTS events (
    id                   INTEGER PRIMARY KEY,
    session_id           TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    agent_type           TEXT NOT NULL,
    type                 TEXT NOT NULL,
    ts_ns                INTEGER NOT NULL,
    payload              TEXT,
    model                TEXT,
    tokens_input         INTEGER NOT NULL DEFAULT 0,
    tokens_output        INTEGER NOT NULL DEFAULT 0,
    cost                 REAL NOT NULL DEFAULT 0,
    raw                  TEXT,
    confidence           REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS hourly_metrics (
    agent_type           TEXT NOT NULL,
    hour_start           TEXT NOT NULL,
    session_count        INTEGER NOT NULL DEFAULT 0,
    message_count        INTEGER NOT NULL DEFAULT 0,
    tool_call_count      INTEGER NOT NULL DEFAULT 0,
    file_op_count        INTEGER NOT NULL DEFAULT 0,
    error_count          INTEGER NOT NULL DEFAULT 0,
    tokens_input         INTEGER NOT NULL DEFAULT 0,
    tokens_output        INTEGER NOT NULL DEFAULT 0,
    estimated_cost       REAL NOT NULL DEFAULT 0,
    model_usage          TEXT,
    PRIMARY KEY (agent_type, hour_start)
);

CREATE TABLE IF NOT EXISTS daily_metrics (
    agent_type           TEXT NOT NULL,
    day_start            TEXT NOT NULL,
    session_count        INTEGER NOT NULL DEFAULT 0,
    completed_count      INTEGER NOT NULL DEFAULT 0,
    crashed_count        INTEGER NOT NULL DEFAULT 0,
    message_count        INTEGER NOT NULL DEFAULT 0,
    tool_call_count      INTEGER NOT NULL DEFAULT 0,
    file_op_count        INTEGER NOT NULL DEFAULT 0,
    error_count          INTEGER NOT NULL DEFAULT 0,
    tokens_input         INTEGER NOT NULL DEFAULT 0,
    tokens_output        INTEGER NOT NULL DEFAULT 0,
    estimated_cost       REAL NOT NULL DEFAULT 0,
    avg_duration_secs    REAL NOT NULL DEFAULT 0,
    peak_hour            INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (agent_type, day_start)
);

CREATE TABLE IF NOT EXISTS rollup_cursor (
    id                   INTEGER PRIMARY KEY CHECK (id = 1),
    last_event_id        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS adapter_offsets (
    source               TEXT NOT NULL,
    file_path            TEXT NOT NULL,
    offset_bytes         INTEGER NOT NULL,
    PRIMARY KEY (source, file_path)
);

CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, ts_ns);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_ns);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
`
