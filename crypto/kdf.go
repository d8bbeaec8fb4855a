package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"golang.org/x/crypto/hkdf"
)

// SaltSize is the required salt width for Derive (512 bits).
const SaltSize = 64

// DefaultInfoTag is the domain-separation string bound into every derived key.
const DefaultInfoTag = "securelink-v1"

// DefaultKDFHash is the hash used by Derive when none is configured.
var DefaultKDFHash = noise.HashSHA256

// NewSalt returns a fresh random salt. Randomness failure panics.
func NewSalt() []byte {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		panic(fmt.Sprintf("crypto: salt generation failed: %v", err))
	}
	return salt
}

// Derive runs HKDF extract-and-expand over sharedSecret with salt and the
// info tag, producing one symmetric key. The salt must be exactly SaltSize
// bytes. A nil hash selects DefaultKDFHash.
func Derive(hash noise.HashFunc, sharedSecret, salt []byte, info string) (*[KeySize]byte, error) {
	if len(salt) != SaltSize {
		return nil, NewError(KindInvalidSalt,
			fmt.Sprintf("salt is %d bytes, want %d", len(salt), SaltSize), nil)
	}
	if len(sharedSecret) == 0 {
		return nil, NewError(KindKeyAgreementFailure, "empty shared secret", nil)
	}
	if hash == nil {
		hash = DefaultKDFHash
	}

	logger := NewLogger("Derive").WithSecret("salt", salt).
		WithField("hash", hash.HashName()).
		WithField("info", info)

	reader := hkdf.New(hash.Hash, sharedSecret, salt, []byte(info))

	var key [KeySize]byte
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		logger.WithError(err, "hkdf expand").Error("Key expansion failed")
		return nil, NewError(KindKeyAgreementFailure, "hkdf expand", err)
	}

	logger.Debug("Derived session key")
	return &key, nil
}

// HashByName maps a flag value to one of the supported KDF hashes.
func HashByName(name string) (noise.HashFunc, error) {
	for _, h := range []noise.HashFunc{noise.HashSHA256, noise.HashSHA512, noise.HashBLAKE2b, noise.HashBLAKE2s} {
		if h.HashName() == name {
			return h, nil
		}
	}
	return nil, fmt.Errorf("unknown KDF hash %q", name)
}
