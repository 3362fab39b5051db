// Package capability implements the per-AE dynamic pub/sub declaration
// store: put/get/list, authenticated writes only, encrypted opaque meta,
// badger-backed alongside the keyring database.
package capability

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/chacha20poly1305"
)

const keyPrefix = "capability:"

// ErrNotFound signals no declaration exists for the given ae_id.
var ErrNotFound = errors.New("capability: not found")

// Declaration is one AE's latest dynamic pub/sub declaration. Meta is an
// opaque caller-supplied value, encrypted at rest.
type Declaration struct {
	AEID       string         `json:"ae_id"`
	Publishes  []string       `json:"publishes"`
	Subscribes []string       `json:"subscribes"`
	Meta       map[string]any `json:"meta,omitempty"`
}

type storedRecord struct {
	AEID       string   `json:"ae_id"`
	Publishes  []string `json:"publishes"`
	Subscribes []string `json:"subscribes"`
	MetaNonce  string   `json:"meta_nonce,omitempty"`
	MetaCipher string   `json:"meta_cipher,omitempty"`
}

// OnChange is invoked after every successful Put, triggering the policy
// engine's snapshot rebuild.
type OnChange func(ae_id string)

// Store is the badger-backed dynamic capability store.
type Store struct {
	db       *badger.DB
	mu       sync.Mutex
	aead     cipherAEAD
	onChange OnChange
}

type cipherAEAD interface {
	NonceSize() int
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
}

// Open opens (creating if necessary) the capability database under
// dataDir, keyed by masterSecret for meta-field encryption at rest.
func Open(dataDir string, masterSecret []byte, onChange OnChange) (*Store, error) {
	opts := badger.DefaultOptions(path.Join(dataDir, "badger"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open capability badger db: %w", err)
	}

	derived := sha256.Sum256(masterSecret)
	aead, err := chacha20poly1305.NewX(derived[:])
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init xchacha20poly1305: %w", err)
	}

	return &Store{db: db, aead: aead, onChange: onChange}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func recordKey(aeID string) []byte { return []byte(keyPrefix + aeID) }

// Put creates or replaces ae_id's declaration; the latest declaration
// supersedes any prior one.
func (s *Store) Put(d Declaration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := storedRecord{
		AEID:       d.AEID,
		Publishes:  d.Publishes,
		Subscribes: d.Subscribes,
	}
	if len(d.Meta) > 0 {
		plaintext, err := json.Marshal(d.Meta)
		if err != nil {
			return fmt.Errorf("capability: marshal meta: %w", err)
		}
		nonce := make([]byte, s.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("capability: generate nonce: %w", err)
		}
		aad := []byte("capability:" + d.AEID)
		ciphertext := s.aead.Seal(nil, nonce, plaintext, aad)
		rec.MetaNonce = base64.RawStdEncoding.EncodeToString(nonce)
		rec.MetaCipher = base64.RawStdEncoding.EncodeToString(ciphertext)
	}

	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("capability: marshal record: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(d.AEID), val)
	}); err != nil {
		return err
	}

	if s.onChange != nil {
		s.onChange(d.AEID)
	}
	return nil
}

// Get returns ae_id's latest declaration, or ErrNotFound.
func (s *Store) Get(aeID string) (Declaration, error) {
	var rec storedRecord
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
		return Declaration{}, err
	}
	return s.decode(rec)
}

// List returns every AE's current declaration.
func (s *Store) List() ([]Declaration, error) {
	var out []Declaration
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec storedRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			d, err := s.decode(rec)
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

func (s *Store) decode(rec storedRecord) (Declaration, error) {
	d := Declaration{AEID: rec.AEID, Publishes: rec.Publishes, Subscribes: rec.Subscribes}
	if rec.MetaCipher == "" {
		return d, nil
	}
	nonce, err := base64.RawStdEncoding.DecodeString(rec.MetaNonce)
	if err != nil {
		return Declaration{}, fmt.Errorf("capability: decode nonce: %w", err)
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(rec.MetaCipher)
	if err != nil {
		return Declaration{}, fmt.Errorf("capability: decode cipher: %w", err)
	}
	aad := []byte("capability:" + rec.AEID)
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return Declaration{}, fmt.Errorf("capability: decrypt meta: %w", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(plaintext, &meta); err != nil {
		return Declaration{}, fmt.Errorf("capability: unmarshal meta: %w", err)
	}
	d.Meta = meta
	return d, nil
}
