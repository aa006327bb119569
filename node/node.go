// Package node orchestrates the signing service: it ties the room
// transport, the share store and the signer together and exposes them
// over HTTP.
package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/taurusgroup/multi-party-sig/pkg/math/curve"
	"github.com/taurusgroup/multi-party-sig/pkg/pool"
	"github.com/taurusgroup/multi-party-sig/pkg/protocol"
	"github.com/taurusgroup/multi-party-sig/protocols/cmp"

	"github.com/xmaslo/log-signing-mpc/communication"
	"github.com/xmaslo/log-signing-mpc/internal/driver"
	"github.com/xmaslo/log-signing-mpc/internal/save"
	"github.com/xmaslo/log-signing-mpc/internal/timestamp"
	"github.com/xmaslo/log-signing-mpc/pkg/identity"
	"github.com/xmaslo/log-signing-mpc/pkg/signer"
	"github.com/xmaslo/log-signing-mpc/pkg/sigverify"
)

var (
	// ErrStaleTimestamp rejects signing requests whose timestamp falls
	// outside the configured freshness window, past or future.
	ErrStaleTimestamp = errors.New("timestamp outside the accepted window")
	// ErrPeerCount rejects a key generation request that does not name
	// every other party of the group.
	ErrPeerCount = errors.New("wrong number of peer addresses")
	// ErrMalformedInput marks request fields that fail to parse.
	ErrMalformedInput = errors.New("malformed input")
)

// Participant names one other server taking part in a signing ceremony.
type Participant struct {
	ServerID uint16 `json:"server_id"`
	URL      string `json:"url"`
}

// SignRequest is the body of POST /sign/:room. DataToSign is hex,
// Timestamp a decimal unix timestamp in seconds.
type SignRequest struct {
	Participants []Participant `json:"participants"`
	DataToSign   string        `json:"data_to_sign"`
	Timestamp    string        `json:"timestamp"`
}

// Node is one party of the signing group.
type Node struct {
	cfg      *communication.LocalConfig
	registry *communication.Registry
	store    *save.Store
	signer   *signer.Signer
	pool     *pool.Pool
}

func New(cfg *communication.LocalConfig, registry *communication.Registry, store *save.Store, pl *pool.Pool) *Node {
	return &Node{
		cfg:      cfg,
		registry: registry,
		store:    store,
		signer:   signer.New(cfg.ServerID, cfg.Threshold, store, pl),
		pool:     pl,
	}
}

// Keygen runs distributed key generation with every other party of the
// group and persists the resulting share. It refuses to run when a
// share already exists; replacing a share is a manual operation.
func (n *Node) Keygen(ctx context.Context, room string, peerURLs []string) error {
	if n.store.Exists(n.cfg.ServerID) {
		return fmt.Errorf("%w: %s", save.ErrShareExists, n.store.SharePath(n.cfg.ServerID))
	}
	if len(peerURLs) != n.cfg.TotalPartyCount-1 {
		return fmt.Errorf("%w: got %d, want %d", ErrPeerCount, len(peerURLs), n.cfg.TotalPartyCount-1)
	}
	peers := make([]uint16, 0, len(n.cfg.OtherPartyInfo))
	for _, p := range n.cfg.OtherPartyInfo {
		peers = append(peers, p.ID)
	}

	in, out := n.registry.CreateRoom(room, peerURLs)
	defer n.registry.DeleteRoom(room)
	if err := n.registry.Rendezvous(ctx, room+"-barrier", peerURLs, peers); err != nil {
		return err
	}

	start := cmp.Keygen(curve.Secp256k1{}, identity.PartyID(n.cfg.ServerID), identity.PartyIDs(n.cfg.PartyIDs()), n.cfg.Threshold, n.pool)
	h, err := protocol.NewMultiHandler(start, nil)
	if err != nil {
		return fmt.Errorf("start key generation: %w", err)
	}
	result, err := driver.Run(ctx, h, in, out)
	if err != nil {
		return fmt.Errorf("key generation: %w", err)
	}
	config := result.(*cmp.Config)
	if err := n.store.Save(n.cfg.ServerID, config); err != nil {
		return err
	}
	log.Infof("key generation in room %s done, share saved to %s", room, n.store.SharePath(n.cfg.ServerID))
	return nil
}

// Sign runs a signing ceremony for req in the given room and returns
// the serialized signature. All request validation happens before any
// share read or network I/O. The offline stage is skipped when a cached
// precomputation exists for the same participant set.
func (n *Node) Sign(ctx context.Context, room string, req *SignRequest) (string, error) {
	data, err := hex.DecodeString(req.DataToSign)
	if err != nil {
		return "", fmt.Errorf("%w: data_to_sign is not valid hex: %v", ErrMalformedInput, err)
	}
	ts, err := timestamp.Parse(req.Timestamp)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if !timestamp.Fresh(ts, n.cfg.TimestampWindow()) {
		return "", fmt.Errorf("%w: %s", ErrStaleTimestamp, req.Timestamp)
	}
	peers := make([]uint16, 0, len(req.Participants))
	peerURLs := make([]string, 0, len(req.Participants))
	for _, p := range req.Participants {
		peers = append(peers, p.ServerID)
		peerURLs = append(peerURLs, p.URL)
	}
	index, err := n.signer.ArbitraryIndex(peers)
	if err != nil {
		return "", err
	}
	log.Infof("signing in room %s: my identity %d, my ceremony index %d", room, n.cfg.ServerID, index)

	if n.signer.IsOfflineStageComplete(peers) {
		log.Infof("room %s: reusing the completed offline stage", room)
	} else if err := n.offlineStage(ctx, room, peerURLs, peers); err != nil {
		return "", err
	}

	online := room + "-online"
	in, out := n.registry.CreateRoom(online, peerURLs)
	defer n.registry.DeleteRoom(online)
	if err := n.registry.Rendezvous(ctx, online+"-barrier", peerURLs, peers); err != nil {
		return "", err
	}
	digest := sigverify.Digest(data, req.Timestamp)
	return n.signer.Sign(ctx, digest, peers, in, out)
}

func (n *Node) offlineStage(ctx context.Context, room string, peerURLs []string, peers []uint16) error {
	in, out := n.registry.CreateRoom(room, peerURLs)
	defer n.registry.DeleteRoom(room)
	if err := n.registry.Rendezvous(ctx, room+"-barrier", peerURLs, peers); err != nil {
		return err
	}
	return n.signer.OfflineStage(ctx, peers, in, out)
}

// Verify checks a serialized signature against the group public key.
// sigHex is the hex encoding of the signature's JSON form; the digest
// is recomputed from the hex data and the timestamp it was signed with.
func (n *Node) Verify(sigHex, dataHex, ts string) (bool, error) {
	sigRaw, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("%w: signature is not valid hex: %v", ErrMalformedInput, err)
	}
	sig, err := sigverify.Parse(string(sigRaw))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return false, fmt.Errorf("%w: data is not valid hex: %v", ErrMalformedInput, err)
	}
	config, err := n.loadShare()
	if err != nil {
		return false, err
	}
	return sigverify.Verify(sig, sigverify.Digest(data, ts), save.PublicKey(config)), nil
}

// PublicKey returns the hex compressed group public key. A non-empty
// path derives the corresponding unhardened BIP-32 child key.
func (n *Node) PublicKey(path string) (string, error) {
	config, err := n.loadShare()
	if err != nil {
		return "", err
	}
	if path != "" {
		i, err := strconv.ParseUint(path, 10, 32)
		if err != nil {
			return "", fmt.Errorf("%w: derivation index %q: %v", ErrMalformedInput, path, err)
		}
		config, err = config.DeriveBIP32(uint32(i))
		if err != nil {
			return "", fmt.Errorf("derive child key %s: %w", path, err)
		}
	}
	raw, err := save.PublicKey(config).MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func (n *Node) loadShare() (*cmp.Config, error) {
	config, err := n.store.Load(n.cfg.ServerID)
	if err != nil {
		return nil, err
	}
	if config == nil {
		return nil, fmt.Errorf("%w: %s, generate it with the /key_gen endpoint first", signer.ErrMissingShare, n.store.SharePath(n.cfg.ServerID))
	}
	return config, nil
}
