package engine

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var identityBucket = []byte("identity")

const (
	identityKeyTabID    = "tab_id"
	identityKeyNameSeed = "display_name_seed"
)

// IdentityStore persists the per-tab identifier and the display-name seed in
// a local bbolt database so both survive restarts and reconnects. The tab id
// is what distinguishes this agent's own operations from echoes of them.
type IdentityStore struct {
	db *bolt.DB
}

func OpenIdentityStore(dir string) (*IdentityStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("identity store: %w: empty data dir", ErrInvalidConfig)
	}
	db, err := bolt.Open(filepath.Join(dir, "identity.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("identity store: open: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(identityBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("identity store: init: %w", err)
	}
	return &IdentityStore{db: db}, nil
}

// TabID returns the stored tab identifier, generating and persisting one on
// first use. Repeated calls always return the same value.
func (s *IdentityStore) TabID() (string, error) {
	return s.getOrCreate(identityKeyTabID, func() string {
		return "tab_" + uuid.NewString()
	})
}

// DisplayNameSeed returns the stored seed used to derive a stable default
// display name for this installation.
func (s *IdentityStore) DisplayNameSeed() (string, error) {
	return s.getOrCreate(identityKeyNameSeed, func() string {
		return uuid.NewString()[:8]
	})
}

func (s *IdentityStore) getOrCreate(key string, generate func() string) (string, error) {
	var value string
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(identityBucket)
		if existing := bucket.Get([]byte(key)); len(existing) > 0 {
			value = string(existing)
			return nil
		}
		value = generate()
		return bucket.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return "", fmt.Errorf("identity store: %s: %w", key, err)
	}
	return value, nil
}

func (s *IdentityStore) Close() error {
	return s.db.Close()
}
