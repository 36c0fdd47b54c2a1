// Package registry implements the Learner Registry (§4.2): the exclusive-
// access owner of every LearnerRecord, plus anonymisation and purge.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arclight-learning/adaptcore/internal/anonymize"
	"github.com/arclight-learning/adaptcore/internal/apperr"
	"github.com/arclight-learning/adaptcore/internal/domain/learner"
	"github.com/arclight-learning/adaptcore/internal/domain/session"
)

// Store is the persistence boundary the Registry needs: load/save a
// LearnerRecord and append an AuditRecord. internal/store provides the real
// implementation; tests use an in-memory fake.
type Store interface {
	LoadLearner(ctx context.Context, learnerID string) (learner.Record, bool, error)
	SaveLearner(ctx context.Context, rec learner.Record) error
	DeleteLearner(ctx context.Context, learnerID string) error
	AppendAudit(ctx context.Context, rec session.AuditRecord) error
}

type entry struct {
	mu     chan struct{} // capacity 1, held == acquired
	record learner.Record
}

// Registry owns the set of active LearnerRecords and serialises all
// mutation of each one through a per-learner exclusive handle.
type Registry struct {
	store  Store
	hasher *anonymize.KeyedHasher

	mu      sync.Mutex
	entries map[string]*entry

	auditSeq uint64

	// Go/CloseAndWait track background work spawned on behalf of handles
	// (e.g. a caller's own lease-renewal goroutine), draining them on
	// shutdown the way xg2g's sessionRegistry does for orchestrator workers.
	wgMu    sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// New builds a Registry backed by store, anonymising with hasher.
func New(store Store, hasher *anonymize.KeyedHasher) *Registry {
	return &Registry{
		store:   store,
		hasher:  hasher,
		entries: make(map[string]*entry),
	}
}

// Handle is an exclusive, single-owner view of one LearnerRecord. Only the
// goroutine that acquired it may read or mutate Record; Release returns
// ownership.
type Handle struct {
	reg       *Registry
	learnerID string
	e         *entry
	released  bool
}

// Record returns the current in-memory record. Valid only between Acquire
// and Release.
func (h *Handle) Record() learner.Record { return h.e.record }

// Update replaces the in-memory record; it is persisted on Release.
func (h *Handle) Update(rec learner.Record) { h.e.record = rec }

// Acquire returns an exclusive handle for learner_id, creating the record on
// first sighting. It blocks until the handle is free or ctx is done; if ctx
// ends first it returns an apperr.KindBusy error.
func (r *Registry) Acquire(ctx context.Context, learnerID string) (*Handle, error) {
	if learnerID == "" {
		return nil, apperr.Validation("missing_learner_id", "learner_id is required")
	}

	r.mu.Lock()
	e, ok := r.entries[learnerID]
	if !ok {
		e = &entry{mu: make(chan struct{}, 1)}
		r.entries[learnerID] = e
	}
	r.mu.Unlock()

	select {
	case e.mu <- struct{}{}:
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.KindBusy, "acquire_canceled", "acquire cancelled before lock obtained", ctx.Err())
	}

	if e.record.LearnerID == "" {
		rec, found, err := r.store.LoadLearner(ctx, learnerID)
		if err != nil {
			<-e.mu
			return nil, apperr.Wrap(apperr.KindPersistence, "learner_load_failed", "failed to load learner record", err)
		}
		if !found {
			rec = learner.Record{
				LearnerID:    learnerID,
				AnonymisedID: r.hasher.Token(learnerID),
				CreatedAt:    time.Now(),
			}
		}
		e.record = rec
	}

	return &Handle{reg: r, learnerID: learnerID, e: e}, nil
}

// Release persists the handle's record and returns ownership.
func (r *Registry) Release(ctx context.Context, h *Handle) error {
	if h == nil || h.released {
		return nil
	}
	h.released = true
	defer func() { <-h.e.mu }()

	if err := r.store.SaveLearner(ctx, h.e.record); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "learner_save_failed", "failed to persist learner record", err)
	}
	return nil
}

// Anonymise returns learner_id's stable opaque token without acquiring the
// full record lock (the token itself never changes for a given secret).
func (r *Registry) Anonymise(learnerID string) string {
	return r.hasher.Token(learnerID)
}

// Purge removes a learner's record after writing a final audit entry. It
// acquires the handle itself so no concurrent mutation can race the delete.
func (r *Registry) Purge(ctx context.Context, learnerID string) error {
	h, err := r.Acquire(ctx, learnerID)
	if err != nil {
		return err
	}
	defer func() { _ = h.finalize() }()

	if err := r.store.DeleteLearner(ctx, learnerID); err != nil {
		return apperr.Wrap(apperr.KindPersistence, "learner_purge_failed", "failed to delete learner record", err)
	}

	r.mu.Lock()
	delete(r.entries, learnerID)
	r.mu.Unlock()

	seq := r.nextAuditSeq()
	return r.store.AppendAudit(ctx, session.AuditRecord{
		Sequence:  seq,
		LearnerID: learnerID,
		Kind:      session.AuditModify,
		Success:   true,
		Timestamp: time.Now(),
		Metadata:  map[string]any{"action": "purge"},
	})
}

// finalize releases h without persisting (used by Purge, whose record is
// being deleted rather than saved).
func (h *Handle) finalize() error {
	if h.released {
		return nil
	}
	h.released = true
	<-h.e.mu
	return nil
}

func (r *Registry) nextAuditSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auditSeq++
	return r.auditSeq
}

// Go spawns fn as a tracked background goroutine (e.g. a lease-renewal
// heartbeat for a long-lived handle), refusing new work once CloseAndWait
// has begun draining.
func (r *Registry) Go(fn func()) bool {
	r.wgMu.Lock()
	if r.closing {
		r.wgMu.Unlock()
		return false
	}
	r.wg.Add(1)
	r.wgMu.Unlock()

	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

// CloseAndWait drains all Go-spawned background work within ctx's deadline.
func (r *Registry) CloseAndWait(ctx context.Context) error {
	r.wgMu.Lock()
	r.closing = true
	r.wgMu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("registry drain timeout: %w", ctx.Err())
	}
}
