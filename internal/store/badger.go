// Package store implements the persistence layout of §6: a Badger-backed
// keyed store for hot session/transition state, leases, and idempotency
// keys, plus a SQLite-backed relational store for the colder tables
// (learner_models, assessment_results, engagement_data,
// performance_metrics, audit_log).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/arclight-learning/adaptcore/internal/apperr"
	"github.com/arclight-learning/adaptcore/internal/domain/session"
)

// ErrLeaseHeld is returned by TryAcquireLease when another owner already
// holds the key.
var ErrLeaseHeld = errors.New("store: lease already held")

// Lease is a held, renewable, TTL-bound claim on a key.
type Lease struct {
	Key       string
	Owner     string
	ExpiresAt time.Time
}

// HotStore is the Badger-backed keyed store for state the pipeline touches
// on every event: session hot-state, transition state, leases, and
// idempotency keys. Grounded on the teacher's internal/v3/store.BadgerStore
// (sess:/idem:/lease: key prefixes, TTL-bearing entries for leases and
// idempotency, create-only lease acquisition via Get-then-Set).
type HotStore struct {
	db *badger.DB
}

// OpenHotStore opens (creating if absent) a Badger database at path.
func OpenHotStore(path string) (*HotStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, apperr.Persistence("hot_store_open_failed", "failed to open badger store", err)
	}
	return &HotStore{db: db}, nil
}

func (s *HotStore) Close() error { return s.db.Close() }

func sessKey(id string) []byte  { return []byte("sess:" + id) }
func transKey(id string) []byte { return []byte("trans:" + id) }
func idemKey(key string) []byte { return []byte("idem:" + key) }
func leaseKey(key string) []byte { return []byte("lease:" + key) }

// SaveSession upserts a SessionRecord's hot state.
func (s *HotStore) SaveSession(ctx context.Context, rec session.Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return apperr.Internal("session_marshal_failed", "failed to marshal session record", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessKey(rec.SessionID), buf)
	})
	if err != nil {
		return apperr.Persistence("session_save_failed", "failed to persist session record", err)
	}
	return nil
}

// LoadSession returns a session's hot state, or ok=false if absent.
func (s *HotStore) LoadSession(ctx context.Context, sessionID string) (session.Record, bool, error) {
	var out session.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessKey(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return session.Record{}, false, nil
	}
	if err != nil {
		return session.Record{}, false, apperr.Persistence("session_load_failed", "failed to load session record", err)
	}
	return out, true, nil
}

// DeleteSession removes a session's hot state (final sweep/purge).
func (s *HotStore) DeleteSession(ctx context.Context, sessionID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessKey(sessionID))
	})
	if err != nil {
		return apperr.Persistence("session_delete_failed", "failed to delete session record", err)
	}
	return nil
}

// ScanSessions invokes fn for every hot session record, stopping on the
// first error or context cancellation. Used by the sweeper and by
// crash-recovery on boot.
func (s *HotStore) ScanSessions(ctx context.Context, fn func(session.Record) error) error {
	prefix := []byte("sess:")
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var rec session.Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveTransition upserts a session's TransitionState hot-state.
func (s *HotStore) SaveTransition(ctx context.Context, st session.TransitionState) error {
	buf, err := json.Marshal(st)
	if err != nil {
		return apperr.Internal("transition_marshal_failed", "failed to marshal transition state", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(transKey(st.SessionID), buf)
	})
	if err != nil {
		return apperr.Persistence("transition_save_failed", "failed to persist transition state", err)
	}
	return nil
}

// LoadTransition returns a session's TransitionState, or ok=false if absent
// (a brand-new session starts from the zero value).
func (s *HotStore) LoadTransition(ctx context.Context, sessionID string) (session.TransitionState, bool, error) {
	var out session.TransitionState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(transKey(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return session.TransitionState{}, false, nil
	}
	if err != nil {
		return session.TransitionState{}, false, apperr.Persistence("transition_load_failed", "failed to load transition state", err)
	}
	return out, true, nil
}

// PutIdempotency records that (learnerID, channel) maps to sessionID for
// ttl, enforcing §8's "connect never creates two active sessions for the
// same pair" round-trip law across process restarts. If the key is already
// bound it is left unchanged and the bound session ID is returned;
// otherwise sessionID is bound and "" is returned.
func (s *HotStore) PutIdempotency(ctx context.Context, key, sessionID string, ttl time.Duration) (string, error) {
	k := idemKey(key)
	var existing string
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err == nil {
			return item.Value(func(val []byte) error {
				existing = string(val)
				return nil
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		entry := badger.NewEntry(k, []byte(sessionID)).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return "", apperr.Persistence("idempotency_write_failed", "failed to write idempotency key", err)
	}
	return existing, nil
}

// DeleteIdempotency releases the (learnerID, channel) binding, e.g. on
// disconnect, so a subsequent connect is free to mint a new session.
func (s *HotStore) DeleteIdempotency(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(idemKey(key))
	})
	if err != nil {
		return apperr.Persistence("idempotency_delete_failed", "failed to delete idempotency key", err)
	}
	return nil
}

type leaseEnvelope struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TryAcquireLease claims key for owner for ttl, create-only. Used for the
// single-writer startup guard and per-session heartbeat leases.
func (s *HotStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	k := leaseKey(key)
	exp := time.Now().Add(ttl)
	buf, _ := json.Marshal(leaseEnvelope{Owner: owner, ExpiresAt: exp})

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(k); err == nil {
			return ErrLeaseHeld
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		entry := badger.NewEntry(k, buf).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if errors.Is(err, ErrLeaseHeld) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, apperr.Persistence("lease_acquire_failed", "failed to acquire lease", err)
	}
	return Lease{Key: key, Owner: owner, ExpiresAt: exp}, true, nil
}

// RenewLease extends an owned lease's TTL, failing closed (ok=false) if the
// lease has expired or is held by a different owner.
func (s *HotStore) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	k := leaseKey(key)
	exp := time.Now().Add(ttl)
	buf, _ := json.Marshal(leaseEnvelope{Owner: owner, ExpiresAt: exp})

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		var cur leaseEnvelope
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &cur) }); err != nil {
			return err
		}
		if cur.Owner != owner {
			return ErrLeaseHeld
		}
		entry := badger.NewEntry(k, buf).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if errors.Is(err, badger.ErrKeyNotFound) || errors.Is(err, ErrLeaseHeld) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, apperr.Persistence("lease_renew_failed", "failed to renew lease", err)
	}
	return Lease{Key: key, Owner: owner, ExpiresAt: exp}, true, nil
}

// ReleaseLease drops an owned lease early (e.g. clean shutdown).
func (s *HotStore) ReleaseLease(ctx context.Context, key, owner string) error {
	k := leaseKey(key)
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var cur leaseEnvelope
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &cur) }); err != nil {
			return err
		}
		if cur.Owner != owner {
			return nil
		}
		return txn.Delete(k)
	})
	if err != nil {
		return apperr.Persistence("lease_release_failed", "failed to release lease", err)
	}
	return nil
}

// DeleteAllLeases drops every lease key, used during a clean restart so a
// fresh guard lease can be acquired without waiting out stale TTLs.
func (s *HotStore) DeleteAllLeases(ctx context.Context) error {
	if err := s.db.DropPrefix([]byte("lease:")); err != nil {
		return apperr.Persistence("lease_drop_failed", "failed to drop leases", err)
	}
	return nil
}
