package crypto

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every fatal condition a secure session can report.
type ErrorKind uint8

const (
	// KindMalformedKey means public or private key bytes failed to parse.
	KindMalformedKey ErrorKind = iota + 1
	// KindInvalidSalt means a salt of the wrong width was supplied to key derivation.
	KindInvalidSalt
	// KindKeyAgreementFailure means the remote point could not be used for ECDH.
	KindKeyAgreementFailure
	// KindUntrustedPeer means the remote-key validator rejected the peer.
	KindUntrustedPeer
	// KindUnexpectedMessage means a handshake opcode arrived that is impossible for the role or state.
	KindUnexpectedMessage
	// KindUnexpectedData means a Data packet arrived before the session was ready.
	KindUnexpectedData
	// KindAuthFailure means an AEAD tag did not verify.
	KindAuthFailure
	// KindTimeout means the handshake made no progress before its deadline.
	KindTimeout
	// KindFingerprintMismatch means a stored credential failed its fingerprint check.
	KindFingerprintMismatch
)

var kindNames = map[ErrorKind]string{
	KindMalformedKey:        "MalformedKey",
	KindInvalidSalt:         "InvalidSalt",
	KindKeyAgreementFailure: "KeyAgreementFailure",
	KindUntrustedPeer:       "UntrustedPeer",
	KindUnexpectedMessage:   "UnexpectedMessage",
	KindUnexpectedData:      "UnexpectedData",
	KindAuthFailure:         "AuthFailure",
	KindTimeout:             "Timeout",
	KindFingerprintMismatch: "FingerprintMismatch",
}

// String returns the canonical name of the kind.
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", uint8(k))
}

// Benign reports whether the kind is an expected outcome rather than a protocol
// or security failure.
func (k ErrorKind) Benign() bool {
	return k == KindTimeout
}

// Error is the single error type surfaced by the crypto and session layers.
// Errors from the underlying primitives are kept in Err for logging but are
// never the value callers match against.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Sentinels for errors.Is matching. Only Kind is compared.
var (
	ErrMalformedKey        = &Error{Kind: KindMalformedKey}
	ErrInvalidSalt         = &Error{Kind: KindInvalidSalt}
	ErrKeyAgreementFailure = &Error{Kind: KindKeyAgreementFailure}
	ErrUntrustedPeer       = &Error{Kind: KindUntrustedPeer}
	ErrUnexpectedMessage   = &Error{Kind: KindUnexpectedMessage}
	ErrUnexpectedData      = &Error{Kind: KindUnexpectedData}
	ErrAuthFailure         = &Error{Kind: KindAuthFailure}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrFingerprintMismatch = &Error{Kind: KindFingerprintMismatch}
)

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the ErrorKind from err, or 0 when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
