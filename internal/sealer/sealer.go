// Package sealer is the crypto gateway: device-bound key derivation,
// payload encryption and detached integrity signatures.
//
// Key material is derived deterministically from the device identity and
// the installation salt, so a device can always decrypt its own historical
// uploads. The signature is computed over the ciphertext, not the
// plaintext, so corruption of the encrypted blob in transit is detectable
// without decrypting.
package sealer

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrIntegrity indicates a signature mismatch or undecryptable payload.
// Callers must discard the payload; no partial plaintext is ever returned.
var ErrIntegrity = errors.New("integrity check failed")

const (
	keySize   = 32
	nonceSize = 24

	// hkdfInfo domain-separates fixd key derivation from any other use of
	// the same device identity.
	hkdfInfo = "fixd-seal-v1"
)

// Sealer encrypts and signs solution payloads with device-bound keys.
type Sealer struct {
	encKey [keySize]byte
	macKey []byte

	authorID string
}

// New derives the sealing keys and the pseudonymous author identifier from
// the device identity and installation salt. Same inputs always yield the
// same keys on the same device.
func New(deviceIdentity, salt string) (*Sealer, error) {
	if deviceIdentity == "" {
		return nil, fmt.Errorf("device identity is required")
	}

	kdf := hkdf.New(sha256.New, []byte(deviceIdentity), []byte(salt), []byte(hkdfInfo))
	var block [2 * keySize]byte
	if _, err := io.ReadFull(kdf, block[:]); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	s := &Sealer{macKey: make([]byte, keySize)}
	copy(s.encKey[:], block[:keySize])
	copy(s.macKey, block[keySize:])

	// One-way hash, never the raw identity.
	id := sha256.Sum256([]byte(salt + "\x00" + deviceIdentity))
	s.authorID = hex.EncodeToString(id[:])

	return s, nil
}

// AuthorID returns the pseudonymous author identifier for this device.
func (s *Sealer) AuthorID() string {
	return s.authorID
}

// Seal encrypts plaintext and returns the ciphertext (nonce-prefixed) and
// its detached signature.
func (s *Sealer) Seal(plaintext []byte) (ciphertext, signature []byte, err error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, nil, fmt.Errorf("nonce generation failed: %w", err)
	}

	ciphertext = secretbox.Seal(nonce[:], plaintext, &nonce, &s.encKey)
	signature = s.sign(ciphertext)
	return ciphertext, signature, nil
}

// Open verifies the signature over ciphertext, then decrypts. Fails closed:
// any mismatch returns ErrIntegrity and no plaintext.
func (s *Sealer) Open(ciphertext, signature []byte) ([]byte, error) {
	if err := s.Verify(ciphertext, signature); err != nil {
		return nil, err
	}
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrIntegrity)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, &s.encKey)
	if !ok {
		return nil, fmt.Errorf("%w: decryption failed", ErrIntegrity)
	}
	return plaintext, nil
}

// Verify checks the detached signature over ciphertext without decrypting.
// Only payloads sealed by this device's keys verify.
func (s *Sealer) Verify(ciphertext, signature []byte) error {
	if !hmac.Equal(signature, s.sign(ciphertext)) {
		return fmt.Errorf("%w: signature mismatch", ErrIntegrity)
	}
	return nil
}

func (s *Sealer) sign(ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, s.macKey)
	mac.Write(ciphertext)
	return mac.Sum(nil)
}
