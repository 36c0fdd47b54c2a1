// Package pipeline implements the Session Pipeline (§4.6) and Adaptation
// Fan-out (§4.7): the per-session, single-consumer event loop that runs
// extraction, calculation, decision, persistence, and outbound delivery
// under the end-to-end latency budget, plus the supporting startup guard
// lease, idle sweeper, crash recovery, and per-session heartbeat (§D of
// SPEC_FULL.md) that a complete server needs beyond the bare event loop.
package pipeline

import (
	"context"
	"time"

	"github.com/arclight-learning/adaptcore/internal/domain/session"
	"github.com/arclight-learning/adaptcore/internal/store"
)

// Persister is the pipeline's persistence boundary: session/transition hot
// state plus the cold finalisation write. internal/store.Store satisfies
// this directly; tests substitute an in-memory fake.
type Persister interface {
	SaveSession(ctx context.Context, rec session.Record) error
	LoadSession(ctx context.Context, sessionID string) (session.Record, bool, error)
	DeleteSession(ctx context.Context, sessionID string) error
	ScanSessions(ctx context.Context, fn func(session.Record) error) error
	SaveTransition(ctx context.Context, st session.TransitionState) error
	LoadTransition(ctx context.Context, sessionID string) (session.TransitionState, bool, error)
	FinalizeSession(ctx context.Context, rec session.Record) error
}

// LeaseStore backs the startup single-writer guard lease and the
// per-session heartbeat. internal/store.HotStore satisfies this directly.
type LeaseStore interface {
	TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (store.Lease, bool, error)
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (store.Lease, bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
	DeleteAllLeases(ctx context.Context) error
}

// IdempotencyStore backs the (learner_id, channel) connect dedupe that
// survives a process restart. internal/store.HotStore satisfies this
// directly.
type IdempotencyStore interface {
	PutIdempotency(ctx context.Context, key, sessionID string, ttl time.Duration) (string, error)
	DeleteIdempotency(ctx context.Context, key string) error
}
