package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NonceSize is the width of an AEAD nonce in bytes (96 bits).
const NonceSize = 12

// Nonce is a 96-bit AEAD nonce. Sessions treat it as a little-endian
// counter: byte 0 is least significant.
type Nonce [NonceSize]byte

// RandomNonce returns a nonce drawn from the system randomness source.
// Randomness failure is unrecoverable and panics.
func RandomNonce() Nonce {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		panic(fmt.Sprintf("crypto: nonce generation failed: %v", err))
	}
	return n
}

// Increment adds one to the nonce with byte-wise little-endian carry.
// The all-ones value wraps to zero.
func (n *Nonce) Increment() {
	for i := 0; i < NonceSize; i++ {
		n[i]++
		if n[i] != 0 {
			return
		}
	}
}

// Add returns n + delta under the same little-endian rule as Increment.
func (n Nonce) Add(delta uint64) Nonce {
	out := n
	carry := delta
	for i := 0; i < NonceSize && carry != 0; i++ {
		sum := uint64(out[i]) + (carry & 0xff)
		out[i] = byte(sum)
		carry = (carry >> 8) + (sum >> 8)
	}
	return out
}

// Words splits the nonce into its high 32 and low 64 bits.
func (n Nonce) Words() (hi uint32, lo uint64) {
	for i := 7; i >= 0; i-- {
		lo = lo<<8 | uint64(n[i])
	}
	for i := NonceSize - 1; i >= 8; i-- {
		hi = hi<<8 | uint32(n[i])
	}
	return hi, lo
}

// String returns the hex form, least significant byte first.
func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}
