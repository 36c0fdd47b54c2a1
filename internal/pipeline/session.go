package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/arclight-learning/adaptcore/internal/apperr"
	"github.com/arclight-learning/adaptcore/internal/clock"
	"github.com/arclight-learning/adaptcore/internal/config"
	"github.com/arclight-learning/adaptcore/internal/decision"
	"github.com/arclight-learning/adaptcore/internal/domain/learner"
	"github.com/arclight-learning/adaptcore/internal/domain/session"
	"github.com/arclight-learning/adaptcore/internal/log"
	"github.com/arclight-learning/adaptcore/internal/metrics"
	"github.com/arclight-learning/adaptcore/internal/resilience"
	"github.com/arclight-learning/adaptcore/internal/store"
	"github.com/arclight-learning/adaptcore/internal/transition"
)

const helpWindowSize = 20

type inboundRequest struct {
	ctx   context.Context
	snap  session.InteractionSnapshot
	reply chan inboundReply
}

type inboundReply struct {
	cmds []session.AdaptationCommand
	err  error
}

// activeSession is the single-consumer event loop owning one SessionRecord
// for its lifetime. Only its own run goroutine mutates rec and the streak
// counters; every other access goes through the mutex-guarded accessors.
type activeSession struct {
	d *Dispatcher

	inbound    chan *inboundRequest
	shutdownCh chan struct{}
	closeOnce  sync.Once

	mu  sync.Mutex
	rec session.Record

	cmdSeq         uint64
	helpWindow     [helpWindowSize]bool
	helpWindowLen  int
	helpWindowNext int
	lowDeltaStreak int
}

func newActiveSession(d *Dispatcher, rec session.Record, queueCap int) *activeSession {
	if queueCap <= 0 {
		queueCap = 64
	}
	return &activeSession{
		d:          d,
		rec:        rec,
		inbound:    make(chan *inboundRequest, queueCap),
		shutdownCh: make(chan struct{}),
	}
}

func (s *activeSession) snapshot() session.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

func (s *activeSession) channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Channel
}

func (s *activeSession) setRecord(rec session.Record) {
	s.mu.Lock()
	s.rec = rec
	s.mu.Unlock()
}

// submit enqueues snap on the session's inbound queue, rejecting with
// apperr.Busy when the bounded queue is full (§4.6 back-pressure) rather
// than blocking the caller indefinitely.
func (s *activeSession) submit(ctx context.Context, snap session.InteractionSnapshot) ([]session.AdaptationCommand, error) {
	reply := make(chan inboundReply, 1)
	req := &inboundRequest{ctx: ctx, snap: snap, reply: reply}

	select {
	case s.inbound <- req:
	default:
		metrics.QueueRejectedTotal.Inc()
		return nil, apperr.Busy("queue_full", "session inbound queue is full")
	}

	select {
	case r := <-reply:
		return r.cmds, r.err
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.KindDeadlineExceeded, "ingest_canceled", "ingest cancelled waiting for the session pipeline", ctx.Err())
	}
}

// run is the session's sole consumer goroutine: every event is processed
// strictly in arrival order until shutdown is signalled.
func (s *activeSession) run(ctx context.Context) {
	for {
		select {
		case req, ok := <-s.inbound:
			if !ok {
				return
			}
			cmds, err := s.step(req.ctx, req.snap)
			req.reply <- inboundReply{cmds: cmds, err: err}
		case <-s.shutdownCh:
			s.drain()
			return
		}
	}
}

// drain answers every request still queued with a server_shutdown Busy
// error. Queued events are not processed, and no audit entry records them.
func (s *activeSession) drain() {
	for {
		select {
		case req, ok := <-s.inbound:
			if !ok {
				return
			}
			req.reply <- inboundReply{err: apperr.New(apperr.KindBusy, "server_shutdown", "server is shutting down")}
		default:
			return
		}
	}
}

func (s *activeSession) recordHelp(requested bool) {
	s.helpWindow[s.helpWindowNext] = requested
	s.helpWindowNext = (s.helpWindowNext + 1) % helpWindowSize
	if s.helpWindowLen < helpWindowSize {
		s.helpWindowLen++
	}
}

func (s *activeSession) helpRequestRate() float64 {
	if s.helpWindowLen == 0 {
		return 0
	}
	n := 0
	for i := 0; i < s.helpWindowLen; i++ {
		if s.helpWindow[i] {
			n++
		}
	}
	return float64(n) / float64(s.helpWindowLen)
}

// step runs one full pipeline pass for snap: acquire the learner handle,
// extract, calculate and decide, release the handle, then persist and
// publish, all under the end-to-end latency budget (§4.6).
func (s *activeSession) step(ctx context.Context, snap session.InteractionSnapshot) ([]session.AdaptationCommand, error) {
	d := s.d
	var cmds []session.AdaptationCommand

	err := d.deps.Clock.WithDeadline(ctx, clock.OpEndToEnd, func(ctx context.Context) error {
		rec := s.snapshot()
		snap.SessionID = rec.SessionID

		prev, found, err := d.deps.Persister.LoadTransition(ctx, rec.SessionID)
		if err != nil {
			return err
		}
		if !found {
			prev = session.TransitionState{SessionID: rec.SessionID, Value: 0.5, PreviousValue: 0.5}
		}

		handle, err := d.deps.Registry.Acquire(ctx, rec.LearnerID)
		if err != nil {
			return err
		}
		learnerRec := handle.Record()
		releaseErr := func() error { return d.deps.Registry.Release(ctx, handle) }

		if snap.HelpRequested {
			s.recordHelp(true)
		} else {
			s.recordHelp(false)
		}

		out, result, stepErr := evaluateStep(d, prev, snap, learnerRec, rec.Configuration.Sensitivity, rec.CurrentEvent, rec.Progress, s.helpRequestRate(), s.lowDeltaStreak)
		_ = releaseErr()

		rec.LastEventAt = time.Now()
		rec.Counters.EventsIn++
		if snap.HelpRequested {
			rec.Counters.HelpRequests++
		}

		if stepErr != nil {
			_, _ = d.deps.Audit.Error(ctx, rec.SessionID, rec.LearnerID, map[string]any{
				"fault": stepErr.Error(),
				"op":    "calculator_step",
			})
			cmds = buildCommands(rec.SessionID, &s.cmdSeq, out)
			recordCommandMetrics(cmds)
			s.setRecord(rec)
			return saveSessionWithRetry(ctx, d, rec)
		}

		if result.State.Integration != 0 && abs(result.State.Integration) < 0.05 {
			s.lowDeltaStreak++
		} else {
			s.lowDeltaStreak = 0
		}

		retryErr := store.WithRetry(ctx, onPersistenceRetry, func(ctx context.Context) error {
			return d.deps.Persister.SaveTransition(ctx, result.State)
		})
		if retryErr != nil {
			rec.State = session.Draining
			_, _ = d.deps.Audit.Error(ctx, rec.SessionID, rec.LearnerID, map[string]any{"fault": retryErr.Error(), "op": "save_transition"})
			s.setRecord(rec)
			return retryErr
		}

		rec.Progress = nextProgress(rec.Progress, out, result.State.Value, result.State.Stability)
		if out.Primary == session.CommandAdvanceEvent || out.Primary == session.CommandTerminate {
			rec.CurrentEvent = out.TargetEvent
		}
		if out.Primary == session.CommandRemediate {
			rec.CurrentEvent = out.TargetEvent
		}
		if out.Primary == session.CommandTerminate {
			rec.State = session.Draining
		}

		cmds = buildCommands(rec.SessionID, &s.cmdSeq, out)
		recordCommandMetrics(cmds)

		if err := publishCommands(ctx, d, rec.SessionID, cmds); err != nil {
			if d.cb.GetState() == resilience.StateOpen {
				rec.State = session.Draining
			}
		}
		rec.Counters.AdaptationsOut += len(cmds)

		s.setRecord(rec)
		return d.deps.Persister.SaveSession(ctx, rec)
	})

	return cmds, err
}

func saveSessionWithRetry(ctx context.Context, d *Dispatcher, rec session.Record) error {
	return store.WithRetry(ctx, onPersistenceRetry, func(ctx context.Context) error {
		return d.deps.Persister.SaveSession(ctx, rec)
	})
}

func onPersistenceRetry(attempt int, err error) {
	metrics.PersistenceRetries.WithLabelValues("retry").Inc()
	log.L().Warn().Int("attempt", attempt).Err(err).Msg("persistence write retry")
}

// publishCommands fans adaptation commands out over the bus through the
// dispatcher's circuit breaker: repeated publish failures trip it open,
// short-circuiting further writes until the cooldown window passes instead
// of hammering a degraded transport on every subsequent event.
func publishCommands(ctx context.Context, d *Dispatcher, sessionID string, cmds []session.AdaptationCommand) error {
	if d.deps.Bus == nil {
		return nil
	}
	if !d.cb.AllowRequest() {
		return apperr.Transport("circuit_open", "outbound command transport circuit is open", resilience.ErrCircuitOpen)
	}
	topic := outTopic(sessionID)
	d.cb.RecordAttempt()
	for _, cmd := range cmds {
		if err := d.deps.Bus.Publish(ctx, topic, cmd); err != nil {
			d.cb.RecordTechnicalFailure()
			return apperr.Transport("publish_failed", "failed to publish adaptation command", err)
		}
	}
	d.cb.RecordSuccess()
	return nil
}

func recordCommandMetrics(cmds []session.AdaptationCommand) {
	for _, cmd := range cmds {
		metrics.CommandsEmitted.WithLabelValues(string(cmd.Kind)).Inc()
	}
}

// nextProgress evolves Progress heuristically: advancing resets it for the
// next event, remediation decays it by half, and every other outcome nudges
// it by the observed value scaled by stability (Open Question O3).
func nextProgress(progress float64, out decision.Output, value, stability float64) float64 {
	switch out.Primary {
	case session.CommandAdvanceEvent:
		return 0
	case session.CommandTerminate:
		return 1
	case session.CommandRemediate:
		return clampFloat(progress*0.5, 0, 1)
	default:
		return clampFloat(progress+0.15*value*stability, 0, 1)
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// alphaFromSensitivity maps a session's configured Sensitivity onto the
// configured alpha band: low sensitivity takes the conservative (slow)
// end, high sensitivity the reactive end, medium the midpoint (Open
// Question O1).
func alphaFromSensitivity(sensitivity session.Sensitivity, band config.ParamBand) float64 {
	switch sensitivity {
	case session.SensitivityLow:
		return band.Min
	case session.SensitivityHigh:
		return band.Max
	default:
		return bandMidpoint(band)
	}
}

func bandMidpoint(band config.ParamBand) float64 {
	return (band.Min + band.Max) / 2
}

// evaluateStep runs the extract -> calculate -> decide chain for one event,
// shared by the per-session event loop and the synchronous tool interface's
// ToolDecision path (§4.7).
func evaluateStep(d *Dispatcher, prev session.TransitionState, snap session.InteractionSnapshot, learnerRec learner.Record, sensitivity session.Sensitivity, currentEvent session.LearningEvent, progress, helpRequestRate float64, lowDeltaStreak int) (decision.Output, transition.Result, error) {
	l, k, e, a := transition.FromExtractors(snap, d.deps.Config.WeightBands)

	alpha := alphaFromSensitivity(sensitivity, d.deps.Config.AlphaBand)
	beta := bandMidpoint(d.deps.Config.BetaBand)

	result, err := transition.Step(transition.Inputs{
		Previous:                 prev,
		Snapshot:                 snap,
		Learner:                  l,
		Knowledge:                k,
		Engagement:               e,
		Assessment:               a,
		Alpha:                    alpha,
		Beta:                     beta,
		EnvironmentalSensitivity: learnerRec.Profile.EnvironmentalSensitivity,
	})
	if err != nil {
		return decision.Output{Primary: session.CommandHoldEvent, Reason: "numeric_fault", TargetEvent: currentEvent}, result, err
	}

	out := decision.Decide(decision.Input{
		CurrentEvent:    currentEvent,
		Progress:        progress,
		PreviousValue:   result.State.PreviousValue,
		Value:           result.State.Value,
		Confidence:      result.State.Confidence,
		Stability:       result.State.Stability,
		Delta:           result.State.Integration,
		HelpRequestRate: helpRequestRate,
		LowDeltaStreak:  lowDeltaStreak,
	})
	return out, result, nil
}

// buildCommands assigns strictly increasing sequence numbers to out's
// primary and auxiliary commands (§3 total-order invariant).
func buildCommands(sessionID string, seq *uint64, out decision.Output) []session.AdaptationCommand {
	now := time.Now()
	next := func() uint64 {
		*seq++
		return *seq
	}

	cmds := []session.AdaptationCommand{{
		SessionID: sessionID,
		Sequence:  next(),
		Kind:      out.Primary,
		Reason:    out.Reason,
		Direction: out.Direction,
		IssuedAt:  now,
	}}
	for _, aux := range out.Auxiliary {
		cmds = append(cmds, session.AdaptationCommand{
			SessionID: sessionID,
			Sequence:  next(),
			Kind:      aux,
			IssuedAt:  now,
		})
	}
	return cmds
}

// finalize transitions the session to Closed, persists the closing record
// through FinalizeSession, and returns its Summary. It is the common path
// for an explicit disconnect and the idle sweeper; callers write the audit
// entry.
func (s *activeSession) finalize(ctx context.Context, reason string) session.Summary {
	s.closeOnce.Do(func() { close(s.shutdownCh) })

	rec := s.snapshot()
	rec.State = session.Closed
	s.setRecord(rec)

	_ = s.d.deps.Persister.FinalizeSession(ctx, rec)

	return session.Summary{
		SessionID:      rec.SessionID,
		LearnerID:      rec.LearnerID,
		FinalEvent:     rec.CurrentEvent,
		Progress:       rec.Progress,
		TotalEvents:    rec.Counters.EventsIn,
		AdaptationsOut: rec.Counters.AdaptationsOut,
		HelpRequests:   rec.Counters.HelpRequests,
		Reason:         reason,
		ClosedAt:       time.Now(),
	}
}

// shutdown signals the event loop to drain and then sleeps for the full
// grace period; it does not block on run() returning.
func (s *activeSession) shutdown(grace time.Duration) {
	s.closeOnce.Do(func() { close(s.shutdownCh) })
	time.Sleep(grace)
}
