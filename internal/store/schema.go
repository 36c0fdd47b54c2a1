package store

const schemaVersion = 1

// schema implements the persistence layout table from §6: a keyed store
// with five logical tables plus an append-only audit log. Rows in
// learner_models carry encrypted static/dynamic profile blobs; every
// table's JSON payload column is opaque to SQL so migrations to new
// profile/weight shapes don't require a schema change.
const schema = `
CREATE TABLE IF NOT EXISTS learning_sessions (
	session_id      TEXT PRIMARY KEY,
	learner_id      TEXT NOT NULL,
	started_at_ms   INTEGER NOT NULL,
	ended_at_ms     INTEGER,
	config_json     TEXT NOT NULL,
	counters_json   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_learning_sessions_learner ON learning_sessions(learner_id);

CREATE TABLE IF NOT EXISTS learner_models (
	learner_id              TEXT PRIMARY KEY,
	static_profile_sealed   BLOB NOT NULL,
	static_profile_meta     TEXT NOT NULL,
	dynamic_profile_sealed  BLOB NOT NULL,
	dynamic_profile_meta    TEXT NOT NULL,
	weights_json            TEXT NOT NULL,
	last_updated_ms         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS assessment_results (
	assessment_id   TEXT PRIMARY KEY,
	learner_id      TEXT NOT NULL,
	session_id      TEXT NOT NULL,
	type            TEXT NOT NULL,
	result_json     TEXT NOT NULL,
	recorded_at_ms  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assessment_results_learner ON assessment_results(learner_id);
CREATE INDEX IF NOT EXISTS idx_assessment_results_session ON assessment_results(session_id);

CREATE TABLE IF NOT EXISTS engagement_data (
	engagement_id     TEXT PRIMARY KEY,
	learner_id        TEXT NOT NULL,
	session_id        TEXT NOT NULL,
	interaction_json  TEXT NOT NULL,
	engagement_score  REAL NOT NULL,
	recorded_at_ms    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_engagement_data_learner ON engagement_data(learner_id);
CREATE INDEX IF NOT EXISTS idx_engagement_data_session ON engagement_data(session_id);

CREATE TABLE IF NOT EXISTS performance_metrics (
	metric_id       TEXT PRIMARY KEY,
	server_id       TEXT NOT NULL,
	metric_type     TEXT NOT NULL,
	value           REAL NOT NULL,
	recorded_at_ms  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_performance_metrics_type ON performance_metrics(metric_type);

CREATE TABLE IF NOT EXISTS audit_log (
	sequence        INTEGER PRIMARY KEY,
	session_id      TEXT,
	learner_id      TEXT,
	kind            TEXT NOT NULL,
	success         INTEGER NOT NULL,
	recorded_at_ms  INTEGER NOT NULL,
	metadata_json   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_log_learner ON audit_log(learner_id);
`
