package store

const schema = `
CREATE TABLE IF NOT EXISTS cases (
	case_id        TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	current_step   TEXT NOT NULL DEFAULT '',
	resource_index INTEGER,
	progress       INTEGER NOT NULL DEFAULT 0,
	correlation_id TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	terminal_at    TEXT,
	error_kind     TEXT NOT NULL DEFAULT '',
	error_message  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS case_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	case_id     TEXT NOT NULL REFERENCES cases(case_id),
	ts          TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	step        TEXT NOT NULL DEFAULT '',
	cause       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_case_history_case_id ON case_history(case_id);

CREATE TABLE IF NOT EXISTS gpu_resources (
	gpu_index     INTEGER PRIMARY KEY,
	gpu_id        TEXT NOT NULL,
	state         TEXT NOT NULL,
	owner_case_id TEXT,
	utilization   REAL NOT NULL DEFAULT 0,
	memory_used   INTEGER NOT NULL DEFAULT 0,
	memory_total  INTEGER NOT NULL DEFAULT 0,
	temperature   REAL NOT NULL DEFAULT 0,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scanned_cases (
	case_id      TEXT PRIMARY KEY,
	discovered_at TEXT NOT NULL
);

-- Parked cases are derived from cases.status = 'PENDING_RESOURCE'; the park
-- timestamp is that row's cases.updated_at, oldest first.
`
