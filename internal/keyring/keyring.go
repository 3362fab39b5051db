// Package keyring implements the persistent AE identity and trust-state
// store: upsert, get, set_state, list, backed by an embedded badger
// database with serialized writes and every mutation audited.
package keyring

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/atomic-mesh/abi-gateway/internal/audit"
)

// State is an AE's trust state.
type State string

const (
	Untrusted State = "untrusted"
	Trusted   State = "trusted"
	Revoked   State = "revoked"
)

const keyPrefix = "keyring:"

// ErrNotFound signals that no record exists for a given ae_id.
var ErrNotFound = errors.New("keyring: record not found")

// ErrWouldLowerTrust signals a Conflict-class upsert refusal.
var ErrWouldLowerTrust = errors.New("keyring: upsert would lower trust state")

// ErrRevoked signals a refused attempt to move a revoked record to any
// other state. Revocation is terminal.
var ErrRevoked = errors.New("keyring: ae_id is revoked")

// Record is one keyring entry.
type Record struct {
	AEID      string    `json:"ae_id"`
	PublicKey []byte    `json:"public_key"` // 32-byte Ed25519
	Roles     []string  `json:"roles"`
	State     State     `json:"state"`
	Expiry    time.Time `json:"expiry,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Usable reports whether the record may be used for admission/emit
// verification: state is Trusted (so neither untrusted nor revoked), and not
// past an expiry if one is set.
func (r Record) Usable() bool {
	if r.State != Trusted {
		return false
	}
	if !r.Expiry.IsZero() && time.Now().After(r.Expiry) {
		return false
	}
	return true
}

// Store is the badger-backed keyring.
type Store struct {
	db  *badger.DB
	mu  sync.Mutex // serializes writers; badger gives consistent concurrent reads
	log *audit.Log
}

// Open opens (creating if necessary) the keyring database under dataDir.
func Open(dataDir string, log *audit.Log) (*Store, error) {
	opts := badger.DefaultOptions(path.Join(dataDir, "badger"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open keyring badger db: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func recordKey(aeID string) []byte { return []byte(keyPrefix + aeID) }

// Get returns the keyring record for ae_id, or ErrNotFound.
func (s *Store) Get(aeID string) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(aeID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Upsert creates or updates an AE's public key/roles/expiry. If a record
// already exists and privileged is false, the existing trust state is
// preserved rather than reset; privileged callers (admin routes) may
// overwrite state via SetState separately. Every mutation writes an audit
// record.
func (s *Store) Upsert(aeID string, pubkey ed25519.PublicKey, roles []string, expiry time.Time, privileged bool) (Record, error) {
	if len(pubkey) != ed25519.PublicKeySize {
		return Record{}, fmt.Errorf("keyring: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pubkey))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, err := s.Get(aeID)
	var rec Record
	switch {
	case errors.Is(err, ErrNotFound):
		rec = Record{
			AEID:      aeID,
			PublicKey: append([]byte(nil), pubkey...),
			Roles:     roles,
			State:     Untrusted,
			Expiry:    expiry,
			CreatedAt: now,
			UpdatedAt: now,
		}
	case err != nil:
		return Record{}, err
	default:
		if !privileged && existing.State == Revoked {
			return Record{}, fmt.Errorf("%w: ae_id %s is revoked", ErrWouldLowerTrust, aeID)
		}
		rec = existing
		rec.PublicKey = append([]byte(nil), pubkey...)
		if roles != nil {
			rec.Roles = roles
		}
		rec.Expiry = expiry
		rec.UpdatedAt = now
	}

	if err := s.write(rec); err != nil {
		return Record{}, err
	}
	s.audit(aeID, "keyring.upsert", "Accepted", "")
	return rec, nil
}

// SetState transitions an AE's trust state. Revocation is terminal: once a
// record is Revoked, no subsequent SetState call can move it to any other
// state (revoking an already-revoked record is a no-op, not an error).
func (s *Store) SetState(aeID string, state State) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(aeID)
	if err != nil {
		return Record{}, err
	}
	if rec.State == Revoked && state != Revoked {
		return Record{}, fmt.Errorf("%w: ae_id %s", ErrRevoked, aeID)
	}
	rec.State = state
	rec.UpdatedAt = time.Now().UTC()
	if err := s.write(rec); err != nil {
		return Record{}, err
	}
	s.audit(aeID, "keyring.set_state", "Accepted", string(state))
	return rec, nil
}

// List returns every keyring record.
func (s *Store) List() ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *Store) write(rec Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal keyring record: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.AEID), val)
	})
}

func (s *Store) audit(aeID, action, decision, reason string) {
	if s.log == nil {
		return
	}
	_ = s.log.Append(audit.Record{
		Actor:    aeID,
		Action:   action,
		Decision: decision,
		Reason:   reason,
	})
}
