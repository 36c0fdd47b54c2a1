package toolapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arclight-learning/adaptcore/internal/anonymize"
	"github.com/arclight-learning/adaptcore/internal/audit"
	"github.com/arclight-learning/adaptcore/internal/clock"
	"github.com/arclight-learning/adaptcore/internal/config"
	"github.com/arclight-learning/adaptcore/internal/domain/learner"
	"github.com/arclight-learning/adaptcore/internal/domain/session"
	"github.com/arclight-learning/adaptcore/internal/pipeline"
	"github.com/arclight-learning/adaptcore/internal/pipeline/bus"
	"github.com/arclight-learning/adaptcore/internal/registry"
)

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
func (f *fakePersister) DeleteSession(ctx context.Context, sessionID string) error { return nil }
func (f *fakePersister) ScanSessions(ctx context.Context, fn func(session.Record) error) error {
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

type fakeLeases struct{}

func (fakeLeases) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (interface {
}, bool, error) {
	return nil, true, nil
}

// fakeRel records what it was asked to persist, for assertions.
type fakeRel struct {
	mu         sync.Mutex
	engagement int
	assessment int
}

func (f *fakeRel) RecordAssessment(ctx context.Context, assessmentID, learnerID, sessionID, kind string, result any, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assessment++
	return nil
}

func (f *fakeRel) RecordEngagement(ctx context.Context, engagementID, learnerID, sessionID string, interaction any, score float64, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.engagement++
	return nil
}

func testRouter(t *testing.T) (http.Handler, *fakeRel) {
	t.Helper()
	cfg := config.DefaultSnapshot()
	secret, err := anonymize.NewSecret()
	require.NoError(t, err)
	reg := registry.New(newFakeLearnerStore(), anonymize.NewKeyedHasher(secret))

	d := pipeline.NewDispatcher(pipeline.Deps{
		Clock:     clock.New(nil, nil),
		Registry:  reg,
		Audit:     audit.New(newFakeLearnerStore()),
		Persister: newFakePersister(),
		Bus:       bus.NewMemoryBus(),
		Config:    cfg,
		ServerID:  "test-server",
	})

	rel := &fakeRel{}
	router := NewRouter(Deps{
		Clock:      clock.New(nil, nil),
		Registry:   reg,
		Dispatcher: d,
		Rel:        rel,
		Config:     cfg,
	})
	return router, rel
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestProcessLearnerModelUpdatesRegistryAndReturnsSignal(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodPost, "/tools/process_learner_model", map[string]any{
		"learner_id": "learner-1",
		"static_profile": map[string]any{
			"age_years":       20,
			"location":        "New York, NY",
			"prior_knowledge": "novice",
		},
		"dynamic_profile": map[string]any{
			"moving_readiness":  0.8,
			"moving_engagement": 0.6,
			"moving_accuracy":   0.7,
		},
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "success", resp.Status)
}

func TestProcessLearnerModelRejectsMissingLearnerID(t *testing.T) {
	router, _ := testRouter(t)
	w := doJSON(t, router, http.MethodPost, "/tools/process_learner_model", map[string]any{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcessKnowledgeModelReturnsSignal(t *testing.T) {
	router, _ := testRouter(t)
	w := doJSON(t, router, http.MethodPost, "/tools/process_knowledge_model", map[string]any{
		"domain_id": "algebra-1",
		"content_architecture": map[string]any{
			"prerequisite_completion": 0.4,
			"path_complexity":         0.3,
			"competency_gaps":         2,
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestTrackEngagementPersistsThroughRel(t *testing.T) {
	router, rel := testRouter(t)
	w := doJSON(t, router, http.MethodPost, "/tools/track_engagement", map[string]any{
		"session_id": "sess-1",
		"learner_id": "learner-2",
		"interaction_data": map[string]any{
			"composite_engagement": 0.7,
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, rel.engagement)
}

func TestEvaluateAssessmentRejectsUnknownType(t *testing.T) {
	router, _ := testRouter(t)
	w := doJSON(t, router, http.MethodPost, "/tools/evaluate_assessment", map[string]any{
		"checkpoint_id":    "cp-1",
		"assessment_type":  "summative",
		"performance_data": map[string]any{},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvaluateAssessmentPersistsThroughRel(t *testing.T) {
	router, rel := testRouter(t)
	w := doJSON(t, router, http.MethodPost, "/tools/evaluate_assessment", map[string]any{
		"checkpoint_id":   "cp-2",
		"learner_id":      "learner-3",
		"assessment_type": "formative",
		"performance_data": map[string]any{
			"accuracy": 0.9,
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, rel.assessment)
}

func TestMakeTransitionDecisionIsStatefulPerLearner(t *testing.T) {
	router, _ := testRouter(t)

	body := map[string]any{
		"learner_id": "learner-4",
		"current_state": map[string]any{
			"current_event": "introduction",
			"progress":      0.2,
		},
		"model_inputs": map[string]any{
			"learner":    map[string]any{"readiness": 0.7},
			"knowledge":  map[string]any{"prerequisite_completion": 0.6},
			"engagement": map[string]any{"composite_engagement": 0.6},
			"assessment": map[string]any{"accuracy": 0.6},
		},
	}

	w1 := doJSON(t, router, http.MethodPost, "/tools/make_transition_decision", body)
	require.Equal(t, http.StatusOK, w1.Code)

	w2 := doJSON(t, router, http.MethodPost, "/tools/make_transition_decision", body)
	require.Equal(t, http.StatusOK, w2.Code)
}
