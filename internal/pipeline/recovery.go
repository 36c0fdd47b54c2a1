package pipeline

import (
	"context"

	"github.com/arclight-learning/adaptcore/internal/domain/session"
	"github.com/arclight-learning/adaptcore/internal/log"
)

// RecoverOnBoot scans the hot store for sessions an earlier, uncleanly
// terminated process left in Connecting, Active or Draining (§D "Crash Recovery"): a
// SessionRecord only ever moves forward from those states through a live
// event loop, and no such loop can have survived this process's own start.
// Each orphan is reconciled to Closed with an audit entry before the
// dispatcher accepts any new connections.
func (d *Dispatcher) RecoverOnBoot(ctx context.Context) (int, error) {
	var orphans []session.Record

	err := d.deps.Persister.ScanSessions(ctx, func(rec session.Record) error {
		if rec.State == session.Active || rec.State == session.Draining || rec.State == session.Connecting {
			orphans = append(orphans, rec)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, rec := range orphans {
		rec.State = session.Closed
		if err := d.deps.Persister.FinalizeSession(ctx, rec); err != nil {
			log.L().Error().Err(err).Str("session_id", rec.SessionID).Msg("crash recovery failed to finalise session")
			continue
		}
		_, _ = d.deps.Audit.Modify(ctx, rec.SessionID, rec.LearnerID, true, map[string]any{"action": "crash_recovery"})
		log.L().Warn().Str("session_id", rec.SessionID).Msg("recovered orphaned session from unclean shutdown")
	}

	return len(orphans), nil
}
