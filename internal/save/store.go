// Package save persists the local long-term key share as an opaque
// blob keyed by server identity.
package save

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	log "github.com/sirupsen/logrus"
	"github.com/taurusgroup/multi-party-sig/pkg/math/curve"
	"github.com/taurusgroup/multi-party-sig/protocols/cmp"
)

const shareFileFormat = "local-share-%d.share"

// ErrShareExists is returned when key generation would overwrite an
// already persisted share. Regenerating a share is an explicit operator
// action, never an endpoint side effect.
var ErrShareExists = errors.New("local key share already exists, will not overwrite")

// Store reads and writes the local key share. At most one share exists
// per server identity; writes refuse to replace it. An optional cipher
// seals the blob at rest.
type Store struct {
	dir    string
	cipher *Cipher

	mu sync.RWMutex
}

// NewStore creates a store rooted at dir. cipher may be nil for
// plaintext share files.
func NewStore(dir string, cipher *Cipher) *Store {
	return &Store{dir: dir, cipher: cipher}
}

// SharePath returns the file the share for id lives in.
func (s *Store) SharePath(id uint16) string {
	return filepath.Join(s.dir, fmt.Sprintf(shareFileFormat, id))
}

// Exists reports whether a share is already persisted for id.
func (s *Store) Exists(id uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(s.SharePath(id))
	return err == nil
}

// Save persists the key share for id. It fails with ErrShareExists when
// a share file is already present.
func (s *Store) Save(id uint16, config *cmp.Config) error {
	blob, err := cbor.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal key share: %w", err)
	}
	return s.writeBlob(id, blob)
}

// Load reads the key share for id. A missing share is not an error:
// (nil, nil) means key generation has to run first.
func (s *Store) Load(id uint16) (*cmp.Config, error) {
	blob, err := s.readBlob(id)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}
	config := cmp.EmptyConfig(curve.Secp256k1{})
	if err := cbor.Unmarshal(blob, config); err != nil {
		return nil, fmt.Errorf("unmarshal key share %s: %w", s.SharePath(id), err)
	}
	return config, nil
}

// PublicKey extracts the group public key from a share. Pure accessor,
// no I/O.
func PublicKey(config *cmp.Config) curve.Point {
	return config.PublicPoint()
}

func (s *Store) writeBlob(id uint16, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := s.SharePath(id)
	if _, err := os.Stat(name); err == nil {
		log.Errorf("%s already exists, will not overwrite: delete it explicitly to regenerate", name)
		return ErrShareExists
	}
	if s.cipher != nil {
		sealed, err := s.cipher.Seal(blob)
		if err != nil {
			return fmt.Errorf("seal key share: %w", err)
		}
		blob = sealed
	}
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return fmt.Errorf("create share dir: %w", err)
	}
	if err := os.WriteFile(name, blob, 0o600); err != nil {
		return fmt.Errorf("write key share %s: %w", name, err)
	}
	log.Infof("done wrote key share %s", name)
	return nil
}

func (s *Store) readBlob(id uint16) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name := s.SharePath(id)
	blob, err := os.ReadFile(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key share %s: %w", name, err)
	}
	if s.cipher != nil {
		opened, err := s.cipher.Open(blob)
		if err != nil {
			return nil, fmt.Errorf("unseal key share %s: %w", name, err)
		}
		blob = opened
	}
	return blob, nil
}
