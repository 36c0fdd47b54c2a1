package pipeline

import (
	"context"
	"time"

	"github.com/arclight-learning/adaptcore/internal/apperr"
	"github.com/arclight-learning/adaptcore/internal/log"
)

const guardLeaseKey = "pipeline-writer"

// defaultGuardTTL bounds how long a crashed owner's lease blocks a fresh
// process from starting; renewed well inside this window by Guard.Run.
const defaultGuardTTL = 30 * time.Second

// Guard is the single-writer startup lease (§D "Startup Guard Lease"): only
// one adaptserver process may own the hot store for a given ServerID at a
// time, the same exclusive-ownership shape the teacher applies per-session
// via sessionRegistry, raised here to the whole process.
type Guard struct {
	leases LeaseStore
	owner  string
	ttl    time.Duration
}

// NewGuard builds a Guard for owner (typically the server's ServerID),
// renewing its lease every ttl/3 once acquired.
func NewGuard(leases LeaseStore, owner string) *Guard {
	return &Guard{leases: leases, owner: owner, ttl: defaultGuardTTL}
}

// Acquire makes a single attempt to take the guard lease, returning
// apperr.Busy at once if another owner holds a live lease.
func (g *Guard) Acquire(ctx context.Context) error {
	_, ok, err := g.leases.TryAcquireLease(ctx, guardLeaseKey, g.owner, g.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Busy("guard_lease_held", "another adaptserver process holds the startup lease")
	}
	return nil
}

// Run renews the guard lease until ctx is cancelled, logging and returning
// if renewal is ever lost to another owner (a split-brain condition). Run
// returning does not stop the process; it keeps serving without a lease.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = g.leases.ReleaseLease(context.Background(), guardLeaseKey, g.owner)
			return
		case <-ticker.C:
			_, ok, err := g.leases.RenewLease(ctx, guardLeaseKey, g.owner, g.ttl)
			if err != nil {
				log.L().Error().Err(err).Msg("guard lease renewal failed")
				continue
			}
			if !ok {
				log.L().Error().Str("owner", g.owner).Msg("guard lease lost to another owner; stopping")
				return
			}
		}
	}
}

// Release gives up the guard lease immediately, used on a clean shutdown so
// the next process doesn't wait out the full TTL.
func (g *Guard) Release(ctx context.Context) error {
	return g.leases.ReleaseLease(ctx, guardLeaseKey, g.owner)
}
