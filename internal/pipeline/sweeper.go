package pipeline

import (
	"context"
	"time"

	"github.com/arclight-learning/adaptcore/internal/log"
	"github.com/arclight-learning/adaptcore/internal/metrics"
)

// Sweeper periodically finalises sessions that have gone idle past the
// configured timeout (§D "Idle Sweeper"), the same ticker-driven sweep
// shape as the teacher's session manager sweeper, re-targeted at
// SessionRecord.LastEventAt instead of a media-session's stall clock.
type Sweeper struct {
	d           *Dispatcher
	idleTimeout time.Duration
	interval    time.Duration
}

// NewSweeper builds a Sweeper that checks for idle sessions every interval.
func NewSweeper(d *Dispatcher, idleTimeout, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = idleTimeout / 4
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{d: d, idleTimeout: idleTimeout, interval: interval}
}

// Run ticks until ctx is cancelled, calling SweepOnce on each tick.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.SweepOnce(ctx)
		}
	}
}

// SweepOnce finalises every tracked session whose LastEventAt predates the
// idle timeout, returning how many it closed.
func (sw *Sweeper) SweepOnce(ctx context.Context) int {
	sw.d.mu.Lock()
	candidates := make([]*activeSession, 0)
	for _, s := range sw.d.sessions {
		if time.Since(s.snapshot().LastEventAt) > sw.idleTimeout {
			candidates = append(candidates, s)
		}
	}
	sw.d.mu.Unlock()

	closed := 0
	for _, s := range candidates {
		rec := s.snapshot()
		summary := s.finalize(ctx, "idle_timeout")

		sw.d.mu.Lock()
		delete(sw.d.sessions, rec.SessionID)
		delete(sw.d.byChannel, channelKey(rec.LearnerID, rec.Channel))
		sw.d.mu.Unlock()

		metrics.SessionsActive.Dec()
		if sw.d.deps.Idempotency != nil {
			_ = sw.d.deps.Idempotency.DeleteIdempotency(ctx, channelKey(rec.LearnerID, rec.Channel))
		}
		_, _ = sw.d.deps.Audit.Access(ctx, rec.SessionID, rec.LearnerID, true, map[string]any{"action": "idle_sweep", "total_events": summary.TotalEvents})
		log.L().Info().Str("session_id", rec.SessionID).Msg("idle session swept")
		closed++
	}
	return closed
}
