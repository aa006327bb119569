// Package sigverify serializes signatures for the HTTP surface and
// checks them against the group public key.
package sigverify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/taurusgroup/multi-party-sig/pkg/ecdsa"
	"github.com/taurusgroup/multi-party-sig/pkg/math/curve"
)

// Signature is the external (r, s) encoding: hex of the library's
// binary point/scalar marshaling.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
}

// Digest computes the signed digest of a payload: sha256 over the data
// concatenated with its request timestamp. This is the service's wire
// contract; signer and verifier must derive the identical digest.
func Digest(data []byte, timestamp string) []byte {
	h := sha256.New()
	h.Write(data)
	h.Write([]byte(timestamp))
	return h.Sum(nil)
}

// Serialize encodes a signature into its JSON (r, s) form.
func Serialize(sig *ecdsa.Signature) (string, error) {
	r, err := sig.R.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("serialize signature r: %w", err)
	}
	s, err := sig.S.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("serialize signature s: %w", err)
	}
	out, err := json.Marshal(Signature{R: hex.EncodeToString(r), S: hex.EncodeToString(s)})
	if err != nil {
		return "", fmt.Errorf("serialize signature: %w", err)
	}
	return string(out), nil
}

// Parse decodes a JSON (r, s) signature. Malformed encodings fail hard
// here; verification itself only ever answers true or false.
func Parse(raw string) (*ecdsa.Signature, error) {
	var external Signature
	if err := json.Unmarshal([]byte(raw), &external); err != nil {
		return nil, fmt.Errorf("parse signature: %w", err)
	}
	rBytes, err := hex.DecodeString(external.R)
	if err != nil {
		return nil, fmt.Errorf("parse signature r: %w", err)
	}
	sBytes, err := hex.DecodeString(external.S)
	if err != nil {
		return nil, fmt.Errorf("parse signature s: %w", err)
	}

	group := curve.Secp256k1{}
	r := group.NewPoint()
	if err := r.UnmarshalBinary(rBytes); err != nil {
		return nil, fmt.Errorf("parse signature r: %w", err)
	}
	s := group.NewScalar()
	if err := s.UnmarshalBinary(sBytes); err != nil {
		return nil, fmt.Errorf("parse signature s: %w", err)
	}
	return &ecdsa.Signature{R: r, S: s}, nil
}

// Verify checks sig over digest against the group public key.
func Verify(sig *ecdsa.Signature, digest []byte, publicKey curve.Point) bool {
	return sig.Verify(publicKey, digest)
}
