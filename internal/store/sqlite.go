package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver

	"github.com/arclight-learning/adaptcore/internal/apperr"
	"github.com/arclight-learning/adaptcore/internal/domain/learner"
	"github.com/arclight-learning/adaptcore/internal/domain/session"
	"github.com/arclight-learning/adaptcore/internal/security"
)

// SQLConfig mirrors the teacher's persistence/sqlite.Config: WAL mode and a
// bounded connection pool, enforced through PRAGMAs baked into the DSN so
// every pooled connection inherits them.
type SQLConfig struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultSQLConfig mirrors the teacher's DefaultConfig.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{BusyTimeout: 5 * time.Second, MaxOpenConns: 25}
}

// OpenSQL opens a WAL-mode SQLite database at path and applies the schema.
func OpenSQL(path string, cfg SQLConfig) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, cfg.BusyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperr.Persistence("sqlite_open_failed", "failed to open sqlite database", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, apperr.Persistence("sqlite_ping_failed", "failed to reach sqlite database", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, apperr.Persistence("sqlite_schema_failed", "failed to apply schema", err)
	}
	return db, nil
}

// RelStore is the SQLite-backed relational store for §6's cold tables:
// learner_models (encrypted), assessment_results, engagement_data,
// performance_metrics, audit_log, plus a cold mirror of learning_sessions
// written at session close for historical queries. Grounded on the
// teacher's internal/persistence/sqlite (WAL/busy_timeout DSN) and
// internal/domain/session/store/sqlite_store.go (JSON-payload columns with
// a narrow typed surface on top).
type RelStore struct {
	db            *sql.DB
	staticBox     *security.Box
	dynamicBox    *security.Box
	serverID      string
}

// NewRelStore wires db with the two AEAD boxes used to seal learner
// profile rows (§6: "all learner-identifying rows are encrypted-at-rest").
func NewRelStore(db *sql.DB, staticBox, dynamicBox *security.Box, serverID string) *RelStore {
	return &RelStore{db: db, staticBox: staticBox, dynamicBox: dynamicBox, serverID: serverID}
}

func (r *RelStore) Close() error { return r.db.Close() }

// LoadLearner reconstructs a learner.Record, decrypting its profile blobs.
func (r *RelStore) LoadLearner(ctx context.Context, learnerID string) (learner.Record, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT static_profile_sealed, static_profile_meta, dynamic_profile_sealed, dynamic_profile_meta, last_updated_ms
		FROM learner_models WHERE learner_id = ?`, learnerID)

	var staticCT, dynamicCT []byte
	var staticMeta, dynamicMeta string
	var updatedMS int64
	err := row.Scan(&staticCT, &staticMeta, &dynamicCT, &dynamicMeta, &updatedMS)
	if err == sql.ErrNoRows {
		return learner.Record{}, false, nil
	}
	if err != nil {
		return learner.Record{}, false, apperr.Persistence("learner_load_failed", "failed to load learner model row", err)
	}

	var sMeta, dMeta security.Metadata
	if err := json.Unmarshal([]byte(staticMeta), &sMeta); err != nil {
		return learner.Record{}, false, apperr.Internal("learner_meta_decode_failed", "failed to decode static metadata", err)
	}
	if err := json.Unmarshal([]byte(dynamicMeta), &dMeta); err != nil {
		return learner.Record{}, false, apperr.Internal("learner_meta_decode_failed", "failed to decode dynamic metadata", err)
	}

	var profile learner.Profile
	if err := r.staticBox.OpenJSON(security.Sealed{Ciphertext: staticCT, Metadata: sMeta}, &profile); err != nil {
		return learner.Record{}, false, apperr.Wrap(apperr.KindInternal, "learner_decrypt_failed", "failed to decrypt static profile", err)
	}
	var dynamic learner.DynamicStats
	if err := r.dynamicBox.OpenJSON(security.Sealed{Ciphertext: dynamicCT, Metadata: dMeta}, &dynamic); err != nil {
		return learner.Record{}, false, apperr.Wrap(apperr.KindInternal, "learner_decrypt_failed", "failed to decrypt dynamic profile", err)
	}

	return learner.Record{
		LearnerID: learnerID,
		Profile:   profile,
		Dynamic:   dynamic,
		CreatedAt: time.UnixMilli(updatedMS),
	}, true, nil
}

// SaveLearner upserts a learner.Record, sealing its profile blobs.
func (r *RelStore) SaveLearner(ctx context.Context, rec learner.Record) error {
	staticMeta := security.Metadata{DataType: "learner_static_profile", AccessLevel: security.AccessRestricted}
	dynamicMeta := security.Metadata{DataType: "learner_dynamic_profile", AccessLevel: security.AccessEducational}

	sealedStatic, err := r.staticBox.SealJSON(rec.Profile, staticMeta)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "learner_encrypt_failed", "failed to encrypt static profile", err)
	}
	sealedDynamic, err := r.dynamicBox.SealJSON(rec.Dynamic, dynamicMeta)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "learner_encrypt_failed", "failed to encrypt dynamic profile", err)
	}
	sMetaJSON, _ := json.Marshal(sealedStatic.Metadata)
	dMetaJSON, _ := json.Marshal(sealedDynamic.Metadata)
	weightsJSON, _ := json.Marshal(map[string]float64{
		"environmental_sensitivity": rec.Profile.EnvironmentalSensitivity,
	})

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO learner_models (learner_id, static_profile_sealed, static_profile_meta, dynamic_profile_sealed, dynamic_profile_meta, weights_json, last_updated_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(learner_id) DO UPDATE SET
			static_profile_sealed = excluded.static_profile_sealed,
			static_profile_meta = excluded.static_profile_meta,
			dynamic_profile_sealed = excluded.dynamic_profile_sealed,
			dynamic_profile_meta = excluded.dynamic_profile_meta,
			weights_json = excluded.weights_json,
			last_updated_ms = excluded.last_updated_ms`,
		rec.LearnerID, sealedStatic.Ciphertext, string(sMetaJSON), sealedDynamic.Ciphertext, string(dMetaJSON), string(weightsJSON), time.Now().UnixMilli(),
	)
	if err != nil {
		return apperr.Persistence("learner_save_failed", "failed to upsert learner model row", err)
	}
	return nil
}

// DeleteLearner removes a learner_models row (Registry.Purge).
func (r *RelStore) DeleteLearner(ctx context.Context, learnerID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM learner_models WHERE learner_id = ?`, learnerID)
	if err != nil {
		return apperr.Persistence("learner_delete_failed", "failed to delete learner model row", err)
	}
	return nil
}

// AppendAudit inserts one append-only audit_log row.
func (r *RelStore) AppendAudit(ctx context.Context, rec session.AuditRecord) error {
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}
	successInt := 0
	if rec.Success {
		successInt = 1
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_log (sequence, session_id, learner_id, kind, success, recorded_at_ms, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Sequence, nullableString(rec.SessionID), nullableString(rec.LearnerID), string(rec.Kind), successInt, rec.Timestamp.UnixMilli(), string(metaJSON),
	)
	if err != nil {
		return apperr.Persistence("audit_append_failed", "failed to append audit record", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SaveSessionCold writes the closing snapshot of a SessionRecord to the
// cold learning_sessions table for historical/reporting queries; the hot
// copy lives in HotStore for the session's active lifetime.
func (r *RelStore) SaveSessionCold(ctx context.Context, rec session.Record) error {
	cfgJSON, _ := json.Marshal(rec.Configuration)
	countersJSON, _ := json.Marshal(rec.Counters)
	var endedAt any
	if rec.State == session.Closed {
		endedAt = rec.LastEventAt.UnixMilli()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO learning_sessions (session_id, learner_id, started_at_ms, ended_at_ms, config_json, counters_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			ended_at_ms = excluded.ended_at_ms,
			counters_json = excluded.counters_json`,
		rec.SessionID, rec.LearnerID, rec.CreatedAt.UnixMilli(), endedAt, string(cfgJSON), string(countersJSON),
	)
	if err != nil {
		return apperr.Persistence("session_cold_save_failed", "failed to write cold session row", err)
	}
	return nil
}

// RecordAssessment appends one evaluate_assessment tool result.
func (r *RelStore) RecordAssessment(ctx context.Context, assessmentID, learnerID, sessionID, kind string, result any, ts time.Time) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return apperr.Internal("assessment_marshal_failed", "failed to marshal assessment result", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO assessment_results (assessment_id, learner_id, session_id, type, result_json, recorded_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		assessmentID, learnerID, sessionID, kind, string(resultJSON), ts.UnixMilli(),
	)
	if err != nil {
		return apperr.Persistence("assessment_save_failed", "failed to save assessment result", err)
	}
	return nil
}

// RecordEngagement appends one track_engagement tool result.
func (r *RelStore) RecordEngagement(ctx context.Context, engagementID, learnerID, sessionID string, interaction any, score float64, ts time.Time) error {
	interactionJSON, err := json.Marshal(interaction)
	if err != nil {
		return apperr.Internal("engagement_marshal_failed", "failed to marshal engagement interaction", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO engagement_data (engagement_id, learner_id, session_id, interaction_json, engagement_score, recorded_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		engagementID, learnerID, sessionID, string(interactionJSON), score, ts.UnixMilli(),
	)
	if err != nil {
		return apperr.Persistence("engagement_save_failed", "failed to save engagement record", err)
	}
	return nil
}

// RecordPerformanceMetric appends one server-level performance sample
// (e.g. calculator/end-to-end percentile snapshots emitted periodically).
func (r *RelStore) RecordPerformanceMetric(ctx context.Context, metricID, metricType string, value float64, ts time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO performance_metrics (metric_id, server_id, metric_type, value, recorded_at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		metricID, r.serverID, metricType, value, ts.UnixMilli(),
	)
	if err != nil {
		return apperr.Persistence("performance_metric_save_failed", "failed to save performance metric", err)
	}
	return nil
}
