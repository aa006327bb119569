package save

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	bip39 "github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher seals share blobs at rest. The 256-bit key travels to the
// operator as a 24-word BIP-39 mnemonic, so it can be written down and
// re-entered on another machine without handling raw key bytes.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the sealing key from a BIP-39 mnemonic. The
// mnemonic must carry 256 bits of entropy (24 words).
func NewCipher(mnemonic string) (*Cipher, error) {
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("invalid share mnemonic: %w", err)
	}
	if len(entropy) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("share mnemonic must encode %d bytes of entropy, got %d", chacha20poly1305.KeySize, len(entropy))
	}
	aead, err := chacha20poly1305.NewX(entropy)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// NewMnemonic generates a fresh 24-word mnemonic suitable for NewCipher.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// Seal encrypts a blob; the random nonce is prepended to the result.
func (c *Cipher) Seal(blob []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, blob, nil), nil
}

// Open decrypts a blob produced by Seal.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < c.aead.NonceSize() {
		return nil, errors.New("sealed share blob is truncated")
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	return c.aead.Open(nil, nonce, ciphertext, nil)
}
