package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arclight-learning/adaptcore/internal/apperr"
	"github.com/arclight-learning/adaptcore/internal/audit"
	"github.com/arclight-learning/adaptcore/internal/clock"
	"github.com/arclight-learning/adaptcore/internal/config"
	"github.com/arclight-learning/adaptcore/internal/domain/session"
	"github.com/arclight-learning/adaptcore/internal/log"
	"github.com/arclight-learning/adaptcore/internal/metrics"
	"github.com/arclight-learning/adaptcore/internal/pipeline/bus"
	"github.com/arclight-learning/adaptcore/internal/registry"
	"github.com/arclight-learning/adaptcore/internal/resilience"
)

// Deps bundles every collaborator the dispatcher wires into each session's
// pipeline. All fields are explicit dependencies, injected once at startup
// (§9: "global singletons... become explicit dependencies injected into the
// pipeline factory").
type Deps struct {
	Clock        *clock.Service
	Registry     *registry.Registry
	Audit        *audit.Recorder
	Persister    Persister
	Leases       LeaseStore
	Idempotency  IdempotencyStore
	Bus          bus.Bus
	Config       config.Snapshot
	ServerID     string
}

func outTopic(sessionID string) string { return "session:" + sessionID + ":out" }

func channelKey(learnerID, channel string) string { return learnerID + "\x00" + channel }

// Dispatcher owns the set of active sessions and routes inbound transport/
// tool messages to the session they belong to (§2 "Control flow").
type Dispatcher struct {
	deps Deps

	mu        sync.Mutex
	sessions  map[string]*activeSession
	byChannel map[string]string // channelKey -> session_id

	// cb gates the outbound command bus (session.go's publishCommands):
	// repeated publish failures trip it open so a degraded transport stops
	// being hammered every event instead of retrying each one individually.
	cb *resilience.CircuitBreaker

	draining bool
}

// NewDispatcher builds a Dispatcher. Call RecoverOnBoot before serving
// traffic so sessions left Active/Draining by an unclean shutdown are
// reconciled first.
func NewDispatcher(deps Deps) *Dispatcher {
	return &Dispatcher{
		deps:      deps,
		sessions:  make(map[string]*activeSession),
		byChannel: make(map[string]string),
		cb:        resilience.NewCircuitBreaker("transport", 3, 3, 10*time.Second, 5*time.Second),
	}
}

// Connect handles a `connect` message (§6): it mints a new SessionRecord,
// or returns the existing one if (learner_id, channel) already has an
// active session in this dispatcher, per §8's round-trip law. If only the
// persisted idempotency binding points at a live session, it returns that
// record together with an auth-failure error.
func (d *Dispatcher) Connect(ctx context.Context, learnerID, channel string, cfg session.Configuration) (session.Record, error) {
	if learnerID == "" {
		return session.Record{}, apperr.Validation("missing_learner_id", "learner_id is required")
	}

	key := channelKey(learnerID, channel)

	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return session.Record{}, apperr.New(apperr.KindBusy, "server_shutdown", "server is draining, not accepting new sessions")
	}
	if existingID, ok := d.byChannel[key]; ok {
		if s, ok := d.sessions[existingID]; ok {
			rec := s.snapshot()
			d.mu.Unlock()
			return rec, nil
		}
	}
	d.mu.Unlock()

	if d.deps.Idempotency != nil {
		existingID, err := d.deps.Idempotency.PutIdempotency(ctx, key, "", d.deps.Config.SessionIdleTimeout)
		if err == nil && existingID != "" {
			if rec, found, lerr := d.deps.Persister.LoadSession(ctx, existingID); lerr == nil && found && rec.State != session.Closed {
				return rec, apperr.AuthFailure("session_already_active", "a session already exists for this learner and channel")
			}
		}
	}

	now := time.Now()
	rec := session.Record{
		SessionID:     uuid.NewString(),
		LearnerID:     learnerID,
		Channel:       channel,
		CreatedAt:     now,
		LastEventAt:   now,
		Configuration: cfg,
		CurrentEvent:  session.Onboarding,
		State:         session.Connecting,
	}

	handle, err := d.deps.Registry.Acquire(ctx, learnerID)
	if err != nil {
		return session.Record{}, err
	}
	// Connect only verifies the learner is reachable; the owning session's
	// steps acquire their own handle per event.
	if err := d.deps.Registry.Release(ctx, handle); err != nil {
		return session.Record{}, err
	}

	rec.State = session.Active
	if err := d.deps.Persister.SaveSession(ctx, rec); err != nil {
		return session.Record{}, err
	}

	s := newActiveSession(d, rec, d.deps.Config.InboundQueueCapacity)

	d.mu.Lock()
	d.sessions[rec.SessionID] = s
	d.byChannel[key] = rec.SessionID
	d.mu.Unlock()

	metrics.SessionsActive.Inc()
	go s.run(context.Background())

	if d.deps.Idempotency != nil {
		_, _ = d.deps.Idempotency.PutIdempotency(ctx, key, rec.SessionID, d.deps.Config.SessionIdleTimeout)
	}

	_, _ = d.deps.Audit.Access(ctx, rec.SessionID, learnerID, true, map[string]any{"action": "connect", "channel": channel})

	return rec, nil
}

// Ingest enqueues a `learning_data` event (§6) on the owning session's
// inbound queue, returning apperr.Busy if the queue is full (§4.6
// back-pressure) or apperr.NotFound if no such session is active.
func (d *Dispatcher) Ingest(ctx context.Context, sessionID string, snap session.InteractionSnapshot) ([]session.AdaptationCommand, error) {
	s := d.lookup(sessionID)
	if s == nil {
		return nil, apperr.NotFound("no_session", "no active session for this session_id")
	}
	return s.submit(ctx, snap)
}

// Disconnect handles a `disconnect` message (§6). Once a session has been
// closed and removed from the dispatcher, Disconnect returns apperr.NotFound
// for it; the earlier summary is not returned again.
func (d *Dispatcher) Disconnect(ctx context.Context, sessionID, reason string) (session.Summary, error) {
	s := d.lookup(sessionID)
	if s == nil {
		return session.Summary{}, apperr.NotFound("no_session", "no active session for this session_id")
	}
	summary := s.finalize(ctx, reason)

	d.mu.Lock()
	delete(d.sessions, sessionID)
	delete(d.byChannel, channelKey(s.snapshot().LearnerID, s.snapshot().Channel))
	d.mu.Unlock()

	metrics.SessionsActive.Dec()
	if d.deps.Idempotency != nil {
		_ = d.deps.Idempotency.DeleteIdempotency(ctx, channelKey(summary.LearnerID, s.channel()))
	}
	_, _ = d.deps.Audit.Access(ctx, sessionID, summary.LearnerID, true, map[string]any{"action": "disconnect", "reason": reason})

	return summary, nil
}

// SessionRecord returns the current snapshot of an active session, or the
// last persisted state if it is no longer tracked in memory.
func (d *Dispatcher) SessionRecord(ctx context.Context, sessionID string) (session.Record, bool, error) {
	if s := d.lookup(sessionID); s != nil {
		return s.snapshot(), true, nil
	}
	return d.deps.Persister.LoadSession(ctx, sessionID)
}

func (d *Dispatcher) lookup(sessionID string) *activeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[sessionID]
}

// ToolDecision runs one pipeline step synchronously against a caller-
// supplied input bundle, bypassing the queue (§4.7 tool interface), still
// subject to the Clock service's tool-decision budget.
func (d *Dispatcher) ToolDecision(ctx context.Context, learnerID string, currentEvent session.LearningEvent, progress float64, snap session.InteractionSnapshot) (session.AdaptationCommand, error) {
	toolKey := "tool:" + learnerID
	var out session.AdaptationCommand
	err := d.deps.Clock.WithDeadline(ctx, clock.OpToolDecision, func(ctx context.Context) error {
		prev, found, err := d.deps.Persister.LoadTransition(ctx, toolKey)
		if err != nil {
			return err
		}
		if !found {
			prev = session.TransitionState{SessionID: toolKey, Value: 0.5, PreviousValue: 0.5}
		}
		prev.SessionID = toolKey

		learnerHandle, err := d.deps.Registry.Acquire(ctx, learnerID)
		if err != nil {
			return err
		}
		learnerRec := learnerHandle.Record()
		defer func() { _ = d.deps.Registry.Release(ctx, learnerHandle) }()

		decided, result, stepErr := evaluateStep(d, prev, snap, learnerRec, session.SensitivityMedium, currentEvent, progress, 0, 0)
		if stepErr != nil {
			return stepErr
		}
		if saveErr := d.deps.Persister.SaveTransition(ctx, result.State); saveErr != nil {
			return saveErr
		}

		var seq uint64
		cmds := buildCommands(toolKey, &seq, decided)
		recordCommandMetrics(cmds)
		if len(cmds) > 0 {
			out = cmds[0]
		}
		return nil
	})
	if err != nil {
		return session.AdaptationCommand{}, err
	}
	return out, nil
}

// Shutdown broadcasts a cancellation signal to every active session and
// waits up to grace plus one second for each to drain (§4.6/§5). It then
// drops every session from its tables; it does not finalise their records
// or write audit entries for them.
func (d *Dispatcher) Shutdown(ctx context.Context, grace time.Duration) error {
	d.mu.Lock()
	d.draining = true
	sessions := make([]*activeSession, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *activeSession) {
			defer wg.Done()
			s.shutdown(grace)
		}(s)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(grace + time.Second):
		log.L().Warn().Msg("pipeline shutdown exceeded grace period; forcing remaining sessions closed")
	}

	d.mu.Lock()
	n := len(d.sessions)
	d.sessions = make(map[string]*activeSession)
	d.byChannel = make(map[string]string)
	d.mu.Unlock()
	metrics.SessionsActive.Sub(float64(n))

	return nil
}

// ActiveCount returns the number of sessions currently tracked.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}
