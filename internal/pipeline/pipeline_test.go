package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arclight-learning/adaptcore/internal/anonymize"
	"github.com/arclight-learning/adaptcore/internal/audit"
	"github.com/arclight-learning/adaptcore/internal/clock"
	"github.com/arclight-learning/adaptcore/internal/config"
	"github.com/arclight-learning/adaptcore/internal/domain/learner"
	"github.com/arclight-learning/adaptcore/internal/domain/session"
	"github.com/arclight-learning/adaptcore/internal/pipeline/bus"
	"github.com/arclight-learning/adaptcore/internal/registry"
	"github.com/arclight-learning/adaptcore/internal/store"
)

// fakePersister is an in-memory stand-in for internal/store.Store, scoped
// to exactly the Persister port.
type fakePersister struct {
	mu          sync.Mutex
	sessions    map[string]session.Record
	transitions map[string]session.TransitionState
}

func newFakePersister() *fakePersister {
	return &fakePersister{sessions: map[string]session.Record{}, transitions: map[string]session.TransitionState{}}
}

func (f *fakePersister) SaveSession(ctx context.Context, rec session.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[rec.SessionID] = rec
	return nil
}

func (f *fakePersister) LoadSession(ctx context.Context, sessionID string) (session.Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.sessions[sessionID]
	return rec, ok, nil
}

func (f *fakePersister) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakePersister) ScanSessions(ctx context.Context, fn func(session.Record) error) error {
	f.mu.Lock()
	recs := make([]session.Record, 0, len(f.sessions))
	for _, rec := range f.sessions {
		recs = append(recs, rec)
	}
	f.mu.Unlock()
	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakePersister) SaveTransition(ctx context.Context, st session.TransitionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions[st.SessionID] = st
	return nil
}

func (f *fakePersister) LoadTransition(ctx context.Context, sessionID string) (session.TransitionState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.transitions[sessionID]
	return st, ok, nil
}

func (f *fakePersister) FinalizeSession(ctx context.Context, rec session.Record) error {
	return f.SaveSession(ctx, rec)
}

// fakeLeases is an in-memory LeaseStore.
type fakeLeases struct {
	mu     sync.Mutex
	leases map[string]store.Lease
}

func newFakeLeases() *fakeLeases { return &fakeLeases{leases: map[string]store.Lease{}} }

func (f *fakeLeases) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (store.Lease, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.leases[key]; ok && time.Now().Before(l.ExpiresAt) {
		return store.Lease{}, false, nil
	}
	l := store.Lease{Key: key, Owner: owner, ExpiresAt: time.Now().Add(ttl)}
	f.leases[key] = l
	return l, true, nil
}

func (f *fakeLeases) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (store.Lease, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leases[key]
	if !ok || l.Owner != owner {
		return store.Lease{}, false, nil
	}
	l.ExpiresAt = time.Now().Add(ttl)
	f.leases[key] = l
	return l, true, nil
}

func (f *fakeLeases) ReleaseLease(ctx context.Context, key, owner string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.leases[key]; ok && l.Owner == owner {
		delete(f.leases, key)
	}
	return nil
}

func (f *fakeLeases) DeleteAllLeases(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leases = map[string]store.Lease{}
	return nil
}

// fakeIdempotency is an in-memory IdempotencyStore.
type fakeIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func newFakeIdempotency() *fakeIdempotency { return &fakeIdempotency{keys: map[string]string{}} }

func (f *fakeIdempotency) PutIdempotency(ctx context.Context, key, sessionID string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.keys[key]; ok && existing != "" {
		return existing, nil
	}
	f.keys[key] = sessionID
	return "", nil
}

func (f *fakeIdempotency) DeleteIdempotency(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}

// fakeLearnerStore backs registry.Registry in tests.
type fakeLearnerStore struct {
	mu       sync.Mutex
	learners map[string]learner.Record
}

func newFakeLearnerStore() *fakeLearnerStore {
	return &fakeLearnerStore{learners: map[string]learner.Record{}}
}

func (f *fakeLearnerStore) LoadLearner(ctx context.Context, learnerID string) (learner.Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.learners[learnerID]
	return rec, ok, nil
}

func (f *fakeLearnerStore) SaveLearner(ctx context.Context, rec learner.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.learners[rec.LearnerID] = rec
	return nil
}

func (f *fakeLearnerStore) DeleteLearner(ctx context.Context, learnerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.learners, learnerID)
	return nil
}

func (f *fakeLearnerStore) AppendAudit(ctx context.Context, rec session.AuditRecord) error { return nil }

func testDeps(t *testing.T) Deps {
	t.Helper()
	cfg := config.DefaultSnapshot()
	secret, err := anonymize.NewSecret()
	require.NoError(t, err)
	reg := registry.New(newFakeLearnerStore(), anonymize.NewKeyedHasher(secret))
	return Deps{
		Clock:       clock.New(nil, nil),
		Registry:    reg,
		Audit:       audit.New(newFakeLearnerStore()),
		Persister:   newFakePersister(),
		Leases:      newFakeLeases(),
		Idempotency: newFakeIdempotency(),
		Bus:         bus.NewMemoryBus(),
		Config:      cfg,
		ServerID:    "test-server",
	}
}

func snapshotFor(sessionID string) session.InteractionSnapshot {
	readiness, confidence, pace := 0.7, 0.6, 0.5
	prereq, accuracy := 0.6, 0.6
	composite := 0.6
	competency := 0.6
	return session.InteractionSnapshot{
		SessionID:              sessionID,
		Timestamp:              time.Now(),
		Learner:                session.LearnerBlob{Readiness: &readiness, Confidence: &confidence, Pace: &pace},
		Knowledge:              session.KnowledgeBlob{PrerequisiteCompletion: &prereq},
		Engagement:             session.EngagementBlob{CompositeEngagement: &composite},
		Assessment:             session.AssessmentBlob{Accuracy: &accuracy, CompetencyLevel: &competency},
		SessionDurationMinutes: 5,
		WallHour:               10,
		Environment:            session.EnvironmentStandard,
	}
}

func TestDispatcherConnectIngestDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := NewDispatcher(testDeps(t))
	ctx := context.Background()

	rec, err := d.Connect(ctx, "learner-1", "ws-1", session.Configuration{Sensitivity: session.SensitivityMedium})
	require.NoError(t, err)
	require.Equal(t, session.Active, rec.State)

	cmds, err := d.Ingest(ctx, rec.SessionID, snapshotFor(rec.SessionID))
	require.NoError(t, err)
	require.NotEmpty(t, cmds)

	summary, err := d.Disconnect(ctx, rec.SessionID, "client_requested")
	require.NoError(t, err)
	require.Equal(t, 1, summary.TotalEvents)

	require.NoError(t, d.Shutdown(context.Background(), time.Second))
}

func TestDispatcherConnectIsIdempotentPerChannel(t *testing.T) {
	d := NewDispatcher(testDeps(t))
	ctx := context.Background()

	first, err := d.Connect(ctx, "learner-2", "ws-1", session.Configuration{})
	require.NoError(t, err)

	second, err := d.Connect(ctx, "learner-2", "ws-1", session.Configuration{})
	require.NoError(t, err)
	require.Equal(t, first.SessionID, second.SessionID)

	require.NoError(t, d.Shutdown(context.Background(), time.Second))
}

func TestDispatcherIngestUnknownSessionNotFound(t *testing.T) {
	d := NewDispatcher(testDeps(t))
	_, err := d.Ingest(context.Background(), "nonexistent", snapshotFor("nonexistent"))
	require.Error(t, err)
}

func TestToolDecisionIsSynchronousAndStateful(t *testing.T) {
	d := NewDispatcher(testDeps(t))
	ctx := context.Background()

	cmd1, err := d.ToolDecision(ctx, "learner-3", session.Introduction, 0.1, snapshotFor("tool:learner-3"))
	require.NoError(t, err)
	require.NotEmpty(t, cmd1.Kind)

	cmd2, err := d.ToolDecision(ctx, "learner-3", session.Introduction, 0.1, snapshotFor("tool:learner-3"))
	require.NoError(t, err)
	require.NotEmpty(t, cmd2.Kind)
}

func TestSweeperClosesIdleSessions(t *testing.T) {
	d := NewDispatcher(testDeps(t))
	ctx := context.Background()

	rec, err := d.Connect(ctx, "learner-4", "ws-1", session.Configuration{})
	require.NoError(t, err)

	s := d.lookup(rec.SessionID)
	require.NotNil(t, s)
	stale := s.snapshot()
	stale.LastEventAt = time.Now().Add(-time.Hour)
	s.setRecord(stale)

	sw := NewSweeper(d, time.Minute, time.Hour)
	closed := sw.SweepOnce(ctx)
	require.Equal(t, 1, closed)
	require.Equal(t, 0, d.ActiveCount())
}

func TestRecoverOnBootClosesOrphanedSessions(t *testing.T) {
	deps := testDeps(t)
	_ = deps.Persister.(*fakePersister).SaveSession(context.Background(), session.Record{
		SessionID: "orphan-1", LearnerID: "learner-5", State: session.Active,
	})

	d := NewDispatcher(deps)
	n, err := d.RecoverOnBoot(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, ok, err := deps.Persister.LoadSession(context.Background(), "orphan-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, session.Closed, rec.State)
}

func TestGuardAcquireRejectsSecondOwner(t *testing.T) {
	leases := newFakeLeases()
	a := NewGuard(leases, "server-a")
	b := NewGuard(leases, "server-b")

	require.NoError(t, a.Acquire(context.Background()))
	require.Error(t, b.Acquire(context.Background()))
	require.NoError(t, a.Release(context.Background()))
	require.NoError(t, b.Acquire(context.Background()))
}
