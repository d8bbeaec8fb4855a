package session

import (
	"errors"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securelink/crypto"
	"github.com/opd-ai/securelink/transport"
)

const (
	// DefaultHandshakeTimeout is how long a handshake may take from the first tick.
	DefaultHandshakeTimeout = 2 * time.Second
	// DefaultResendInterval is the spacing between retransmissions of the in-flight handshake message.
	DefaultResendInterval = 50 * time.Millisecond
	// DefaultReplayWindow is how many recent Data nonces a receiver remembers.
	DefaultReplayWindow = 1024
)

// Options configures a Session.
type Options struct {
	// HandshakeTimeout is armed on the first Tick.
	HandshakeTimeout time.Duration
	// ResendInterval spaces retransmissions of handshake messages.
	ResendInterval time.Duration
	// InfoTag is the HKDF info string. Both peers must agree on it.
	InfoTag string
	// KDFHash is the HKDF hash. Both peers must agree on it.
	KDFHash noise.HashFunc
	// Engines supplies AEAD engines. Sessions may share one pool.
	Engines *crypto.EnginePool
	// ReplayWindow is the number of Data nonces remembered for replay
	// rejection. Zero selects the default; a negative value disables
	// replay rejection.
	ReplayWindow int
	// Clock stamps sends made outside Tick, so the resend schedule stays
	// on the same timeline as the times passed to Tick.
	Clock crypto.TimeProvider
	// Logger receives session logs.
	Logger *logrus.Logger
}

// NewOptions returns Options populated with defaults.
func NewOptions() *Options {
	return &Options{
		HandshakeTimeout: DefaultHandshakeTimeout,
		ResendInterval:   DefaultResendInterval,
		InfoTag:          crypto.DefaultInfoTag,
		KDFHash:          crypto.DefaultKDFHash,
		ReplayWindow:     DefaultReplayWindow,
		Clock:            crypto.DefaultTimeProvider{},
		Logger:           logrus.StandardLogger(),
	}
}

// withDefaults fills zero fields so a partially populated Options works.
func (o *Options) withDefaults() Options {
	out := *NewOptions()
	if o == nil {
		out.Engines = crypto.NewEnginePool()
		return out
	}
	if o.HandshakeTimeout > 0 {
		out.HandshakeTimeout = o.HandshakeTimeout
	}
	if o.ResendInterval > 0 {
		out.ResendInterval = o.ResendInterval
	}
	if o.InfoTag != "" {
		out.InfoTag = o.InfoTag
	}
	if o.KDFHash != nil {
		out.KDFHash = o.KDFHash
	}
	if o.ReplayWindow != 0 {
		out.ReplayWindow = o.ReplayWindow
	}
	if o.Clock != nil {
		out.Clock = o.Clock
	}
	if o.Logger != nil {
		out.Logger = o.Logger
	}
	out.Engines = o.Engines
	if out.Engines == nil {
		out.Engines = crypto.NewEnginePool()
	}
	return out
}

// Callbacks connect a Session to its owner.
type Callbacks struct {
	// Send transmits a packet. Required. Handshake packets always use
	// transport.Unreliable.
	Send func(packet []byte, channel transport.Channel) error
	// Receive is called once per authenticated, non-empty Data packet.
	Receive func(plaintext []byte, channel transport.Channel)
	// Ready is called exactly once when the session becomes Ready.
	Ready func()
	// Error is called once when the session fails. The owner should
	// discard the session afterwards.
	Error func(kind crypto.ErrorKind, message string)
	// ValidateRemoteKey may reject the peer's key. When nil every key is
	// accepted, which is only appropriate on an already authenticated
	// transport.
	ValidateRemoteKey func(fingerprint string, publicKey []byte) bool
}

var errNoSend = errors.New("session: Callbacks.Send is required")

func (c Callbacks) validate() error {
	if c.Send == nil {
		return errNoSend
	}
	return nil
}

// PinFingerprints returns a validator that accepts only the listed
// fingerprints.
func PinFingerprints(fingerprints ...string) func(string, []byte) bool {
	allowed := make(map[string]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		allowed[fp] = struct{}{}
	}
	return func(fp string, _ []byte) bool {
		_, ok := allowed[fp]
		return ok
	}
}
