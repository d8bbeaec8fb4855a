package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe overwrites data with zeros. It returns an error for a nil slice
// so callers that expect key material to be present notice when it is not.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}
	if len(data) == 0 {
		return nil
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCopy(1, data, zeros)

	// Keep the slice reachable until the copy has happened.
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes is SecureWipe without the nil check error.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// ZeroKey wipes a fixed-size symmetric key in place.
func ZeroKey(key *[KeySize]byte) {
	if key == nil {
		return
	}
	ZeroBytes(key[:])
}
