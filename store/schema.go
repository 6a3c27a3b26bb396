package store

// schemaSQL is executed on every boot. Every statement is idempotent
// (CREATE TABLE/INDEX/TRIGGER IF NOT EXISTS); structural evolution past
// this baseline happens only through runMigrations' additive ADD COLUMN
// statements (spec.md §4.1).
const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at TEXT NOT NULL,
	ended_at TEXT,
	cwd TEXT,
	project TEXT,
	remote TEXT,
	branch TEXT,
	user TEXT,
	tool_version TEXT,
	metadata_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project);

CREATE TABLE IF NOT EXISTS opencode_sessions (
	opencode_session_id TEXT PRIMARY KEY,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_opencode_sessions_session ON opencode_sessions(session_id);

CREATE TABLE IF NOT EXISTS artifacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	kind TEXT NOT NULL,
	path TEXT,
	content TEXT NOT NULL,
	content_sha256 TEXT NOT NULL,
	created_at TEXT NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id, kind);

CREATE TABLE IF NOT EXISTS memory_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	kind TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	body_text TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0.7,
	tags_text TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	subtitle TEXT NOT NULL DEFAULT '',
	facts_json TEXT NOT NULL DEFAULT '[]',
	narrative TEXT NOT NULL DEFAULT '',
	concepts_json TEXT NOT NULL DEFAULT '[]',
	files_read_json TEXT NOT NULL DEFAULT '[]',
	files_modified_json TEXT NOT NULL DEFAULT '[]',
	prompt_number INTEGER,
	discovery_group TEXT,
	discovery_tokens INTEGER NOT NULL DEFAULT 0,
	discovery_source TEXT,
	discovery_backfill_version INTEGER NOT NULL DEFAULT 0,
	import_key TEXT NOT NULL UNIQUE,
	deleted_at TEXT,
	rev INTEGER NOT NULL DEFAULT 1,
	metadata_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_memory_items_session ON memory_items(session_id);
CREATE INDEX IF NOT EXISTS idx_memory_items_kind ON memory_items(kind);
CREATE INDEX IF NOT EXISTS idx_memory_items_active ON memory_items(active);
CREATE INDEX IF NOT EXISTS idx_memory_items_created ON memory_items(created_at);
CREATE INDEX IF NOT EXISTS idx_memory_items_discovery_group ON memory_items(discovery_group);

CREATE VIRTUAL TABLE IF NOT EXISTS memory_items_fts USING fts5(
	title, body_text, tags_text, content='memory_items', content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS memory_items_ai AFTER INSERT ON memory_items BEGIN
	INSERT INTO memory_items_fts(rowid, title, body_text, tags_text)
	VALUES (new.id, new.title, new.body_text, new.tags_text);
END;
CREATE TRIGGER IF NOT EXISTS memory_items_ad AFTER DELETE ON memory_items BEGIN
	INSERT INTO memory_items_fts(memory_items_fts, rowid, title, body_text, tags_text)
	VALUES ('delete', old.id, old.title, old.body_text, old.tags_text);
END;
CREATE TRIGGER IF NOT EXISTS memory_items_au AFTER UPDATE ON memory_items BEGIN
	INSERT INTO memory_items_fts(memory_items_fts, rowid, title, body_text, tags_text)
	VALUES ('delete', old.id, old.title, old.body_text, old.tags_text);
	INSERT INTO memory_items_fts(rowid, title, body_text, tags_text)
	VALUES (new.id, new.title, new.body_text, new.tags_text);
END;

CREATE TABLE IF NOT EXISTS memory_vectors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	memory_id INTEGER NOT NULL REFERENCES memory_items(id),
	chunk_index INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	model TEXT NOT NULL,
	embedding BLOB NOT NULL,
	created_at TEXT NOT NULL,
	UNIQUE(memory_id, chunk_index, model)
);
CREATE INDEX IF NOT EXISTS idx_memory_vectors_memory ON memory_vectors(memory_id);

CREATE TABLE IF NOT EXISTS session_summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	summary_text TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	import_key TEXT NOT NULL UNIQUE,
	deleted_at TEXT,
	rev INTEGER NOT NULL DEFAULT 1,
	metadata_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_session_summaries_session ON session_summaries(session_id);

CREATE TABLE IF NOT EXISTS user_prompts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	prompt_number INTEGER NOT NULL,
	prompt_text TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	import_key TEXT NOT NULL UNIQUE,
	deleted_at TEXT,
	rev INTEGER NOT NULL DEFAULT 1,
	metadata_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_user_prompts_session ON user_prompts(session_id, prompt_number);

CREATE TABLE IF NOT EXISTS raw_event_sessions (
	opencode_session_id TEXT PRIMARY KEY,
	cwd TEXT,
	project TEXT,
	started_at TEXT NOT NULL,
	last_seen_ts_wall_ms INTEGER NOT NULL DEFAULT 0,
	last_received_event_seq INTEGER NOT NULL DEFAULT -1,
	last_flushed_event_seq INTEGER NOT NULL DEFAULT -1
);

CREATE TABLE IF NOT EXISTS raw_events (
	opencode_session_id TEXT NOT NULL REFERENCES raw_event_sessions(opencode_session_id),
	event_id TEXT NOT NULL,
	event_seq INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	ts_wall_ms INTEGER NOT NULL,
	ts_mono_ms INTEGER,
	payload_json TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (opencode_session_id, event_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_raw_events_seq ON raw_events(opencode_session_id, event_seq);
CREATE INDEX IF NOT EXISTS idx_raw_events_wall ON raw_events(ts_wall_ms);

CREATE TABLE IF NOT EXISTS flush_batches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	opencode_session_id TEXT NOT NULL REFERENCES raw_event_sessions(opencode_session_id),
	start_seq INTEGER NOT NULL,
	end_seq INTEGER NOT NULL,
	extractor_version TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'started',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(opencode_session_id, start_seq, end_seq, extractor_version)
);
CREATE INDEX IF NOT EXISTS idx_flush_batches_status ON flush_batches(status, updated_at);

CREATE TABLE IF NOT EXISTS replication_ops (
	op_id TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	op_type TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	clock_rev INTEGER NOT NULL,
	clock_updated_at TEXT NOT NULL,
	clock_device_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_replication_ops_cursor ON replication_ops(created_at, op_id);
CREATE INDEX IF NOT EXISTS idx_replication_ops_device ON replication_ops(device_id, created_at, op_id);
CREATE INDEX IF NOT EXISTS idx_replication_ops_entity ON replication_ops(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS replication_cursors (
	peer_device_id TEXT PRIMARY KEY,
	last_applied_cursor TEXT,
	last_acked_cursor TEXT
);

CREATE TABLE IF NOT EXISTS sync_device (
	device_id TEXT PRIMARY KEY,
	public_key TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_peers (
	peer_device_id TEXT PRIMARY KEY,
	name TEXT,
	pinned_fingerprint TEXT,
	public_key TEXT,
	addresses_json TEXT NOT NULL DEFAULT '[]',
	projects_include_json TEXT,
	projects_exclude_json TEXT,
	last_success_at TEXT,
	last_error TEXT,
	last_error_at TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_nonces (
	nonce TEXT NOT NULL,
	device_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (nonce, device_id)
);
CREATE INDEX IF NOT EXISTS idx_sync_nonces_created ON sync_nonces(created_at);

CREATE TABLE IF NOT EXISTS usage_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_name TEXT NOT NULL,
	session_id INTEGER,
	tokens_read INTEGER NOT NULL DEFAULT 0,
	tokens_saved INTEGER NOT NULL DEFAULT 0,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_events_name ON usage_events(event_name, created_at);
`
