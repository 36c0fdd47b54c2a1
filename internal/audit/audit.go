// Package audit implements the AuditRecord sink (§3, §8 invariant 4):
// append-only, monotonically sequenced, never mutated after it is written.
package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/arclight-learning/adaptcore/internal/domain/session"
	"github.com/arclight-learning/adaptcore/internal/log"
)

// Sink persists an AuditRecord. internal/store provides the durable
// implementation; tests use an in-memory fake.
type Sink interface {
	AppendAudit(ctx context.Context, rec session.AuditRecord) error
}

// Recorder assigns the monotonic sequence number and fans each record out
// to the durable Sink and the structured log's audit trail (which bypasses
// the global level filter, per internal/log.AuditInfo).
type Recorder struct {
	sink Sink
	seq  atomic.Uint64
}

// New builds a Recorder writing through sink.
func New(sink Sink) *Recorder {
	return &Recorder{sink: sink}
}

// Record assigns the next sequence number, persists the record, and emits
// it to the audit log trail. It returns the persisted record (with its
// sequence number filled in) so callers can attach it to a command or
// response if needed.
func (r *Recorder) Record(ctx context.Context, sessionID, learnerID string, kind session.AuditEventKind, success bool, metadata map[string]any) (session.AuditRecord, error) {
	rec := session.AuditRecord{
		Sequence:  r.seq.Add(1),
		SessionID: sessionID,
		LearnerID: learnerID,
		Kind:      kind,
		Success:   success,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}

	if err := r.sink.AppendAudit(ctx, rec); err != nil {
		return rec, err
	}

	log.AuditInfo(ctx, string(kind), "audit record", map[string]any{
		log.FieldSequence:  rec.Sequence,
		log.FieldSessionID: rec.SessionID,
		log.FieldLearnerID: rec.LearnerID,
		"success":          rec.Success,
	})

	return rec, nil
}

// Access, Modify, Encrypt, Decrypt, Anonymise, Auth, and Error are thin
// convenience wrappers naming the event kind at the call site.
func (r *Recorder) Access(ctx context.Context, sessionID, learnerID string, success bool, meta map[string]any) (session.AuditRecord, error) {
	return r.Record(ctx, sessionID, learnerID, session.AuditAccess, success, meta)
}

func (r *Recorder) Modify(ctx context.Context, sessionID, learnerID string, success bool, meta map[string]any) (session.AuditRecord, error) {
	return r.Record(ctx, sessionID, learnerID, session.AuditModify, success, meta)
}

func (r *Recorder) Encrypt(ctx context.Context, sessionID, learnerID string, success bool, meta map[string]any) (session.AuditRecord, error) {
	return r.Record(ctx, sessionID, learnerID, session.AuditEncrypt, success, meta)
}

func (r *Recorder) Decrypt(ctx context.Context, sessionID, learnerID string, success bool, meta map[string]any) (session.AuditRecord, error) {
	return r.Record(ctx, sessionID, learnerID, session.AuditDecrypt, success, meta)
}

func (r *Recorder) Anonymise(ctx context.Context, sessionID, learnerID string, success bool, meta map[string]any) (session.AuditRecord, error) {
	return r.Record(ctx, sessionID, learnerID, session.AuditAnonymise, success, meta)
}

func (r *Recorder) Auth(ctx context.Context, sessionID, learnerID string, success bool, meta map[string]any) (session.AuditRecord, error) {
	return r.Record(ctx, sessionID, learnerID, session.AuditAuth, success, meta)
}

func (r *Recorder) Error(ctx context.Context, sessionID, learnerID string, meta map[string]any) (session.AuditRecord, error) {
	return r.Record(ctx, sessionID, learnerID, session.AuditError, false, meta)
}
