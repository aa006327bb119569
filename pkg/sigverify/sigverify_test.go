package sigverify

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taurusgroup/multi-party-sig/pkg/ecdsa"
	"github.com/taurusgroup/multi-party-sig/pkg/math/curve"
	"github.com/taurusgroup/multi-party-sig/pkg/party"
)

func TestDigestIsDataConcatTimestamp(t *testing.T) {
	// sha256("hello" + "1700000000")
	want := "282f617a829202f1d2e4a99f35d3baca58f537f0389ef14e75be4f6fc8b42f2b"
	got := Digest([]byte("hello"), "1700000000")
	assert.Equal(t, want, hex.EncodeToString(got))
}

func TestDigestDependsOnTimestamp(t *testing.T) {
	a := Digest([]byte("hello"), "1700000000")
	b := Digest([]byte("hello"), "1700000001")
	assert.NotEqual(t, a, b)
}

func sampleSignature(t *testing.T) *ecdsa.Signature {
	t.Helper()
	group := curve.Secp256k1{}
	s := party.ID("5").Scalar(group)
	return &ecdsa.Signature{R: s.ActOnBase(), S: s}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	sig := sampleSignature(t)
	raw, err := Serialize(sig)
	require.NoError(t, err)

	back, err := Parse(raw)
	require.NoError(t, err)

	wantR, err := sig.R.MarshalBinary()
	require.NoError(t, err)
	gotR, err := back.R.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, wantR, gotR)

	wantS, err := sig.S.MarshalBinary()
	require.NoError(t, err)
	gotS, err := back.S.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, wantS, gotS)
}

func TestParseRejectsMalformedEncodings(t *testing.T) {
	cases := map[string]string{
		"not json":        `r=1,s=2`,
		"bad hex r":       `{"r":"zz","s":""}`,
		"bad hex s":       `{"r":"","s":"zz"}`,
		"not a point":     `{"r":"deadbeef","s":""}`,
		"truncated point": `{"r":"02","s":""}`,
	}
	for name, raw := range cases {
		_, err := Parse(raw)
		assert.Error(t, err, name)
	}
}

func TestVerifyRejectsForgedSignature(t *testing.T) {
	sig := sampleSignature(t)
	digest := Digest([]byte("payload"), "1700000000")

	group := curve.Secp256k1{}
	publicKey := party.ID("9").Scalar(group).ActOnBase()
	assert.False(t, Verify(sig, digest, publicKey),
		"an unrelated (r, s) pair must not verify")
}
