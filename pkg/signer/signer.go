// Package signer owns the local key share's use: participant-set
// validation, the mapping from stable server identities to the dense
// per-ceremony indices, the offline precomputation cache, and the
// two-stage signing orchestration.
package signer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/taurusgroup/multi-party-sig/pkg/ecdsa"
	"github.com/taurusgroup/multi-party-sig/pkg/party"
	"github.com/taurusgroup/multi-party-sig/pkg/pool"
	"github.com/taurusgroup/multi-party-sig/pkg/protocol"
	"github.com/taurusgroup/multi-party-sig/protocols/cmp"

	"github.com/xmaslo/log-signing-mpc/internal/driver"
	"github.com/xmaslo/log-signing-mpc/internal/save"
	"github.com/xmaslo/log-signing-mpc/pkg/identity"
	"github.com/xmaslo/log-signing-mpc/pkg/sigverify"
)

var (
	// ErrQuorumSize rejects participant sets whose size does not match
	// the configured threshold.
	ErrQuorumSize = errors.New("participant set does not match the signing quorum")
	// ErrSelfParticipant rejects sets listing the local server among
	// the other participants.
	ErrSelfParticipant = errors.New("participant set must not contain the local server")
	// ErrDuplicateParticipant rejects sets naming a server twice.
	ErrDuplicateParticipant = errors.New("participant set contains a duplicate identity")
	// ErrMissingShare means key generation has not run on this server.
	ErrMissingShare = errors.New("local key share is missing")
	// ErrOfflineNotComplete means Sign was requested before the
	// offline stage finished for this participant set.
	ErrOfflineNotComplete = errors.New("offline stage not completed")
)

// Signer holds the offline-stage cache for the local server. Offline
// results are keyed by the canonicalized participant set and consumed
// exactly once by the online stage; nothing here survives a restart.
type Signer struct {
	self      uint16
	threshold int
	store     *save.Store
	pool      *pool.Pool

	mu      sync.RWMutex
	offline map[string]*ecdsa.PreSignature
}

// New creates a signer for the local server identity. threshold is t in
// the (t, n) scheme: signing ceremonies run with exactly t other
// participants.
func New(self uint16, threshold int, store *save.Store, pl *pool.Pool) *Signer {
	return &Signer{
		self:      self,
		threshold: threshold,
		store:     store,
		pool:      pl,
		offline:   make(map[string]*ecdsa.PreSignature),
	}
}

// ArbitraryIndex computes the local server's dense 1-based index within
// the ceremony formed by peers and itself: one plus the number of peer
// identities smaller than its own. Identities are unique, so every
// honest member of the set derives the same mutually distinct ranks.
func (s *Signer) ArbitraryIndex(peers []uint16) (uint16, error) {
	if err := s.validatePeers(peers); err != nil {
		return 0, err
	}
	var index uint16 = 1
	for _, id := range peers {
		if s.self > id {
			index++
		}
	}
	return index, nil
}

// IsOfflineStageComplete reports whether the offline stage already ran
// for this participant set. Callers use it to decide whether the
// offline rounds must be (re-)run before requesting a signature.
func (s *Signer) IsOfflineStageComplete(peers []uint16) bool {
	key := identity.Canonical(append([]uint16{s.self}, peers...))
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offline[key] != nil
}

// OfflineStage runs the precomputation rounds of the signing protocol
// with peers and caches the result under the canonicalized participant
// set. A failed run leaves the cache untouched.
func (s *Signer) OfflineStage(ctx context.Context, peers []uint16, in <-chan *protocol.Message, out chan<- *protocol.Message) error {
	signers, key, err := s.participants(peers)
	if err != nil {
		return err
	}
	config, err := s.loadShare()
	if err != nil {
		return err
	}

	index, _ := s.ArbitraryIndex(peers)
	log.Infof("offline stage for set %s: my identity %d, my ceremony index %d", key, s.self, index)

	h, err := protocol.NewMultiHandler(cmp.Presign(config, signers, s.pool), nil)
	if err != nil {
		return fmt.Errorf("start offline stage: %w", err)
	}
	result, err := driver.Run(ctx, h, in, out)
	if err != nil {
		return fmt.Errorf("offline stage: %w", err)
	}
	preSignature := result.(*ecdsa.PreSignature)
	if err := preSignature.Validate(); err != nil {
		return fmt.Errorf("offline stage produced an invalid presignature: %w", err)
	}

	s.mu.Lock()
	s.offline[key] = preSignature
	s.mu.Unlock()

	log.Infof("offline stage for set %s is completed", key)
	return nil
}

// Sign completes a signature over digest using the cached offline
// result for peers. It fails without any network I/O when the offline
// stage has not completed for this exact participant set. The cached
// result is evicted after a successful run: presignature material is
// strictly single-use.
func (s *Signer) Sign(ctx context.Context, digest []byte, peers []uint16, in <-chan *protocol.Message, out chan<- *protocol.Message) (string, error) {
	_, key, err := s.participants(peers)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	preSignature := s.offline[key]
	s.mu.RUnlock()
	if preSignature == nil {
		return "", fmt.Errorf("%w for participant set %s: run the offline stage first", ErrOfflineNotComplete, key)
	}

	config, err := s.loadShare()
	if err != nil {
		return "", err
	}

	h, err := protocol.NewMultiHandler(cmp.PresignOnline(config, preSignature, digest, s.pool), nil)
	if err != nil {
		return "", fmt.Errorf("start online stage: %w", err)
	}
	result, err := driver.Run(ctx, h, in, out)
	if err != nil {
		return "", fmt.Errorf("online stage: %w", err)
	}
	signature := result.(*ecdsa.Signature)
	if !signature.Verify(config.PublicPoint(), digest) {
		return "", errors.New("online stage produced a signature that does not verify")
	}

	serialized, err := sigverify.Serialize(signature)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	delete(s.offline, key)
	s.mu.Unlock()

	log.Infof("signature for set %s is completed", key)
	return serialized, nil
}

// participants validates the peer set and returns the sorted library
// IDs of the full ceremony plus its canonical cache key.
func (s *Signer) participants(peers []uint16) (party.IDSlice, string, error) {
	if err := s.validatePeers(peers); err != nil {
		return nil, "", err
	}
	all := append([]uint16{s.self}, peers...)
	return identity.PartyIDs(all), identity.Canonical(all), nil
}

func (s *Signer) validatePeers(peers []uint16) error {
	if len(peers) != s.threshold {
		return fmt.Errorf("%w: got %d other participants, want %d", ErrQuorumSize, len(peers), s.threshold)
	}
	seen := make(map[uint16]bool, len(peers))
	for _, id := range peers {
		if id == s.self {
			return fmt.Errorf("%w: identity %d is this server", ErrSelfParticipant, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: identity %d listed twice", ErrDuplicateParticipant, id)
		}
		seen[id] = true
	}
	return nil
}

func (s *Signer) loadShare() (*cmp.Config, error) {
	config, err := s.store.Load(s.self)
	if err != nil {
		return nil, err
	}
	if config == nil {
		return nil, fmt.Errorf("%w: %s, generate it with the /key_gen endpoint first", ErrMissingShare, s.store.SharePath(s.self))
	}
	return config, nil
}
