package store

import (
	"context"
	"time"

	"github.com/arclight-learning/adaptcore/internal/apperr"
	"github.com/arclight-learning/adaptcore/internal/domain/learner"
	"github.com/arclight-learning/adaptcore/internal/domain/session"
	"github.com/arclight-learning/adaptcore/internal/security"
)

// Store is the facade the rest of the core depends on: registry.Store,
// audit.Sink, and the pipeline's session/transition persistence port, all
// backed by one HotStore (Badger) plus one RelStore (SQLite). Splitting the
// two is the same division the teacher makes between its v3 Badger state
// store (hot, frequently-mutated) and its SQLite persistence layer (cold,
// relational, encrypted-at-rest).
type Store struct {
	Hot *HotStore
	Rel *RelStore
}

// Open opens both backing stores at the given directory/paths.
func Open(badgerDir, sqlitePath string, staticBox, dynamicBox *security.Box, serverID string) (*Store, error) {
	hot, err := OpenHotStore(badgerDir)
	if err != nil {
		return nil, err
	}
	db, err := OpenSQL(sqlitePath, DefaultSQLConfig())
	if err != nil {
		_ = hot.Close()
		return nil, err
	}
	rel := NewRelStore(db, staticBox, dynamicBox, serverID)
	return &Store{Hot: hot, Rel: rel}, nil
}

// Close releases both backing stores.
func (s *Store) Close() error {
	relErr := s.Rel.Close()
	hotErr := s.Hot.Close()
	if relErr != nil {
		return relErr
	}
	return hotErr
}

// registry.Store

func (s *Store) LoadLearner(ctx context.Context, learnerID string) (learner.Record, bool, error) {
	return s.Rel.LoadLearner(ctx, learnerID)
}

func (s *Store) SaveLearner(ctx context.Context, rec learner.Record) error {
	return s.Rel.SaveLearner(ctx, rec)
}

func (s *Store) DeleteLearner(ctx context.Context, learnerID string) error {
	return s.Rel.DeleteLearner(ctx, learnerID)
}

// audit.Sink

func (s *Store) AppendAudit(ctx context.Context, rec session.AuditRecord) error {
	return s.Rel.AppendAudit(ctx, rec)
}

// Session/transition hot state, used by internal/pipeline.

func (s *Store) SaveSession(ctx context.Context, rec session.Record) error {
	return s.Hot.SaveSession(ctx, rec)
}

func (s *Store) LoadSession(ctx context.Context, sessionID string) (session.Record, bool, error) {
	return s.Hot.LoadSession(ctx, sessionID)
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.Hot.DeleteSession(ctx, sessionID)
}

func (s *Store) ScanSessions(ctx context.Context, fn func(session.Record) error) error {
	return s.Hot.ScanSessions(ctx, fn)
}

func (s *Store) SaveTransition(ctx context.Context, st session.TransitionState) error {
	return s.Hot.SaveTransition(ctx, st)
}

func (s *Store) LoadTransition(ctx context.Context, sessionID string) (session.TransitionState, bool, error) {
	return s.Hot.LoadTransition(ctx, sessionID)
}

// FinalizeSession persists the session's closing state to both the hot
// store (so recovery sees it as terminal) and the cold relational mirror
// (so it survives the hot store's own retention sweep).
func (s *Store) FinalizeSession(ctx context.Context, rec session.Record) error {
	if err := s.Hot.SaveSession(ctx, rec); err != nil {
		return err
	}
	return s.Rel.SaveSessionCold(ctx, rec)
}

// RetryBudget is the bounded exponential backoff schedule §4.6 mandates
// for persistence faults: 3 attempts at 10ms / 40ms / 160ms.
var RetryBudget = []time.Duration{10 * time.Millisecond, 40 * time.Millisecond, 160 * time.Millisecond}

// WithRetry runs fn up to len(RetryBudget) times, sleeping the configured
// backoff between attempts, and returns a classified PersistenceError if
// every attempt fails. onRetry, if non-nil, is invoked after each failed
// attempt (the pipeline uses it to bump the persistence_retries_total
// metric and log the retry).
func WithRetry(ctx context.Context, onRetry func(attempt int, err error), fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt, backoff := range RetryBudget {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if onRetry != nil {
			onRetry(attempt+1, lastErr)
		}
		if attempt == len(RetryBudget)-1 {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindPersistence, "persistence_retry_canceled", "persistence retry cancelled", ctx.Err())
		}
	}
	return apperr.Wrap(apperr.KindPersistence, "persistence_exhausted", "persistence failed after exhausting retries", lastErr)
}
