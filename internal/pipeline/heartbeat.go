package pipeline

import (
	"context"
	"time"

	"github.com/arclight-learning/adaptcore/internal/log"
)

const sessionLeaseTTL = 2 * time.Minute

func sessionLeaseKey(sessionID string) string { return "session:" + sessionID }

// Heartbeat periodically renews a short-lived lease per active session
// (§D "Heartbeat"): a session whose owning process dies stops renewing,
// so its lease expires well before the idle sweeper would otherwise notice,
// giving a future multi-writer deployment an early crash signal per
// session rather than only at the process-wide guard lease.
type Heartbeat struct {
	d        *Dispatcher
	interval time.Duration
}

// NewHeartbeat builds a Heartbeat renewing every interval (typically a
// fraction of sessionLeaseTTL).
func NewHeartbeat(d *Dispatcher, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = sessionLeaseTTL / 3
	}
	return &Heartbeat{d: d, interval: interval}
}

// Run ticks until ctx is cancelled, renewing (or acquiring) a lease for
// every session currently tracked by the dispatcher.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beatOnce(ctx)
		}
	}
}

func (h *Heartbeat) beatOnce(ctx context.Context) {
	if h.d.deps.Leases == nil {
		return
	}

	h.d.mu.Lock()
	ids := make([]string, 0, len(h.d.sessions))
	for id := range h.d.sessions {
		ids = append(ids, id)
	}
	h.d.mu.Unlock()

	for _, id := range ids {
		key := sessionLeaseKey(id)
		_, ok, err := h.d.deps.Leases.RenewLease(ctx, key, h.d.deps.ServerID, sessionLeaseTTL)
		if err != nil {
			log.L().Warn().Err(err).Str("session_id", id).Msg("session heartbeat renewal failed")
			continue
		}
		if !ok {
			_, _, err := h.d.deps.Leases.TryAcquireLease(ctx, key, h.d.deps.ServerID, sessionLeaseTTL)
			if err != nil {
				log.L().Warn().Err(err).Str("session_id", id).Msg("session heartbeat re-acquire failed")
			}
		}
	}
}
