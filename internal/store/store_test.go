package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arclight-learning/adaptcore/internal/domain/learner"
	"github.com/arclight-learning/adaptcore/internal/domain/session"
	"github.com/arclight-learning/adaptcore/internal/security"
)

func TestHotStoreSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	hot, err := OpenHotStore(t.TempDir())
	require.NoError(t, err)
	defer hot.Close()

	rec := session.Record{SessionID: "s1", LearnerID: "l1", State: session.Active}
	require.NoError(t, hot.SaveSession(ctx, rec))

	got, ok, err := hot.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.LearnerID, got.LearnerID)

	_, ok, err = hot.LoadSession(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, hot.DeleteSession(ctx, "s1"))
	_, ok, err = hot.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHotStoreScanSessions(t *testing.T) {
	ctx := context.Background()
	hot, err := OpenHotStore(t.TempDir())
	require.NoError(t, err)
	defer hot.Close()

	require.NoError(t, hot.SaveSession(ctx, session.Record{SessionID: "a", LearnerID: "l1"}))
	require.NoError(t, hot.SaveSession(ctx, session.Record{SessionID: "b", LearnerID: "l2"}))

	seen := map[string]bool{}
	require.NoError(t, hot.ScanSessions(ctx, func(rec session.Record) error {
		seen[rec.SessionID] = true
		return nil
	}))
	require.True(t, seen["a"])
	require.True(t, seen["b"])
}

func TestHotStoreLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	hot, err := OpenHotStore(t.TempDir())
	require.NoError(t, err)
	defer hot.Close()

	_, ok, err := hot.TryAcquireLease(ctx, "guard", "owner-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = hot.TryAcquireLease(ctx, "guard", "owner-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second owner must not acquire a held lease")

	_, ok, err = hot.RenewLease(ctx, "guard", "owner-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "non-owner must not renew")

	_, ok, err = hot.RenewLease(ctx, "guard", "owner-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, hot.ReleaseLease(ctx, "guard", "owner-a"))

	_, ok, err = hot.TryAcquireLease(ctx, "guard", "owner-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "lease must be free after release")
}

func TestHotStoreIdempotency(t *testing.T) {
	ctx := context.Background()
	hot, err := OpenHotStore(t.TempDir())
	require.NoError(t, err)
	defer hot.Close()

	existing, err := hot.PutIdempotency(ctx, "l1|ws", "sess-1", time.Minute)
	require.NoError(t, err)
	require.Empty(t, existing)

	existing, err = hot.PutIdempotency(ctx, "l1|ws", "sess-2", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "sess-1", existing, "second connect for the same pair must observe the first session_id")
}

func newTestRelStore(t *testing.T) *RelStore {
	t.Helper()
	db, err := OpenSQL(filepath.Join(t.TempDir(), "test.db"), DefaultSQLConfig())
	require.NoError(t, err)
	secret, err := security.NewBox([]byte("test-master-secret-not-for-prod"), "test")
	require.NoError(t, err)
	return NewRelStore(db, secret, secret, "test-server")
}

func TestRelStoreLearnerRoundTrip(t *testing.T) {
	ctx := context.Background()
	rel := newTestRelStore(t)
	defer rel.Close()

	rec := learner.Record{
		LearnerID: "l1",
		Profile: learner.Profile{
			AgeBand:                  learner.AgeBand25to34,
			Region:                   "eu-west",
			PriorKnowledge:           learner.PriorKnowledgeIntermediate,
			EnvironmentalSensitivity: 0.5,
		},
		Dynamic: learner.DynamicStats{MovingReadiness: 0.7},
	}
	require.NoError(t, rel.SaveLearner(ctx, rec))

	got, ok, err := rel.LoadLearner(ctx, "l1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.Profile.Region, got.Profile.Region)
	require.Equal(t, rec.Profile.EnvironmentalSensitivity, got.Profile.EnvironmentalSensitivity)
	require.Equal(t, rec.Dynamic.MovingReadiness, got.Dynamic.MovingReadiness)

	require.NoError(t, rel.DeleteLearner(ctx, "l1"))
	_, ok, err = rel.LoadLearner(ctx, "l1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRelStoreAuditAppendOnly(t *testing.T) {
	ctx := context.Background()
	rel := newTestRelStore(t)
	defer rel.Close()

	rec := session.AuditRecord{
		Sequence:  1,
		SessionID: "s1",
		LearnerID: "l1",
		Kind:      session.AuditAccess,
		Success:   true,
		Timestamp: time.Now(),
		Metadata:  map[string]any{"reason": "connect"},
	}
	require.NoError(t, rel.AppendAudit(ctx, rec))
}

func TestWithRetryExhaustsAfterThreeAttempts(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	err := WithRetry(ctx, nil, func(ctx context.Context) error {
		attempts++
		return assertAlwaysFails()
	})
	require.Error(t, err)
	require.Equal(t, len(RetryBudget), attempts)
}

func TestWithRetrySucceedsOnSecondAttempt(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	err := WithRetry(ctx, nil, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return assertAlwaysFails()
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}

func assertAlwaysFails() error {
	return context.DeadlineExceeded
}
