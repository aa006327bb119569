package signer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taurusgroup/multi-party-sig/pkg/ecdsa"

	"github.com/xmaslo/log-signing-mpc/internal/save"
)

func newTestSigner(t *testing.T, self uint16, threshold int) *Signer {
	t.Helper()
	return New(self, threshold, save.NewStore(t.TempDir(), nil), nil)
}

func TestArbitraryIndexPairwise(t *testing.T) {
	s := newTestSigner(t, 2, 1)

	index, err := s.ArbitraryIndex([]uint16{1})
	require.NoError(t, err)
	assert.Equal(t, uint16(2), index, "identity 2 ranks after 1")

	index, err = s.ArbitraryIndex([]uint16{3})
	require.NoError(t, err)
	assert.Equal(t, uint16(1), index, "identity 2 ranks before 3")
}

func TestArbitraryIndexThreeParties(t *testing.T) {
	cases := []struct {
		self  uint16
		peers []uint16
		want  uint16
	}{
		{1, []uint16{2, 3}, 1},
		{2, []uint16{1, 3}, 2},
		{3, []uint16{1, 2}, 3},
		{2, []uint16{3, 1}, 2}, // peer order is irrelevant
	}
	for _, c := range cases {
		s := newTestSigner(t, c.self, 2)
		index, err := s.ArbitraryIndex(c.peers)
		require.NoError(t, err)
		assert.Equal(t, c.want, index, "identity %d in set with %v", c.self, c.peers)
	}
}

// Every member of the same participant set must derive mutually
// distinct indices covering 1..size.
func TestArbitraryIndexSymmetry(t *testing.T) {
	set := []uint16{1, 3, 7}
	seen := make(map[uint16]bool)
	for i, self := range set {
		peers := make([]uint16, 0, len(set)-1)
		for j, id := range set {
			if j != i {
				peers = append(peers, id)
			}
		}
		s := newTestSigner(t, self, 2)
		index, err := s.ArbitraryIndex(peers)
		require.NoError(t, err)
		assert.False(t, seen[index], "identity %d collides on index %d", self, index)
		assert.GreaterOrEqual(t, index, uint16(1))
		assert.LessOrEqual(t, index, uint16(len(set)))
		seen[index] = true
	}
}

func TestValidationRejectsBadSets(t *testing.T) {
	s := newTestSigner(t, 2, 1)

	_, err := s.ArbitraryIndex([]uint16{1, 3})
	assert.ErrorIs(t, err, ErrQuorumSize)

	_, err = s.ArbitraryIndex(nil)
	assert.ErrorIs(t, err, ErrQuorumSize)

	_, err = s.ArbitraryIndex([]uint16{2})
	assert.ErrorIs(t, err, ErrSelfParticipant)

	s3 := newTestSigner(t, 2, 2)
	_, err = s3.ArbitraryIndex([]uint16{1, 1})
	assert.ErrorIs(t, err, ErrDuplicateParticipant)
}

func TestIsOfflineStageCompleteLifecycle(t *testing.T) {
	s := newTestSigner(t, 2, 1)

	assert.False(t, s.IsOfflineStageComplete([]uint16{1}))

	s.offline["1-2"] = &ecdsa.PreSignature{}
	assert.True(t, s.IsOfflineStageComplete([]uint16{1}))
	assert.False(t, s.IsOfflineStageComplete([]uint16{3}), "a different set stays incomplete")
}

// Sign with no cached offline result must fail before touching the
// transport: the nil channels would block forever otherwise.
func TestSignWithoutOfflineStageFailsFast(t *testing.T) {
	s := newTestSigner(t, 2, 1)

	_, err := s.Sign(context.Background(), []byte("digest"), []uint16{1}, nil, nil)
	assert.ErrorIs(t, err, ErrOfflineNotComplete)
}

func TestSignValidatesBeforeCacheLookup(t *testing.T) {
	s := newTestSigner(t, 2, 1)

	_, err := s.Sign(context.Background(), []byte("digest"), []uint16{2}, nil, nil)
	assert.ErrorIs(t, err, ErrSelfParticipant)
}

// The offline stage needs the local share; without one it must fail
// before any protocol traffic.
func TestOfflineStageRequiresShare(t *testing.T) {
	s := newTestSigner(t, 2, 1)

	err := s.OfflineStage(context.Background(), []uint16{1}, nil, nil)
	assert.ErrorIs(t, err, ErrMissingShare)
}
