package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securelink/crypto"
	"github.com/opd-ai/securelink/transport"
)

// Role fixes which side speaks first.
type Role uint8

const (
	// Initiator sends HandshakeStart.
	Initiator Role = iota
	// Responder answers with HandshakeAck and chooses the salt.
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// State is the handshake progress of a session. It only moves forward.
type State uint8

const (
	WaitingHandshake State = iota
	WaitingHandshakeReply
	Ready
)

func (s State) String() string {
	switch s {
	case WaitingHandshake:
		return "WaitingHandshake"
	case WaitingHandshakeReply:
		return "WaitingHandshakeReply"
	case Ready:
		return "Ready"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

var (
	// ErrNotReady is returned by Send before the handshake completes.
	ErrNotReady = errors.New("session: not ready")
	// ErrClosed is returned by every entry point after Close.
	ErrClosed = errors.New("session: closed")
)

// Session is one end of a secure channel with a single peer.
//
// A Session has no goroutines and no locks. OnReceiveRaw, Tick, Send and
// Close must be called from one goroutine at a time; owners that receive
// on one goroutine and tick on another must serialize the calls.
type Session struct {
	id    uuid.UUID
	role  Role
	state State
	opts  Options
	cb    Callbacks
	log   *logrus.Entry

	cred *crypto.Credential
	salt []byte
	key  *[crypto.KeySize]byte

	sendNonce crypto.Nonce
	recvNonce crypto.Nonce
	replay    *replayWindow

	peerFingerprint string

	// Retransmission bookkeeping, only meaningful before Ready.
	armed      bool
	deadline   time.Time
	nextResend time.Time
	lastSent   time.Time
	inFlight   []byte

	readyFired bool
	failure    *crypto.Error
	closed     bool
}

// New creates a session in WaitingHandshake. The session takes ownership
// of cred and wipes its private key on Ready, failure or Close; pass a
// fresh credential (or a freshly loaded one) to every session.
func New(role Role, cred *crypto.Credential, cb Callbacks, opts *Options) (*Session, error) {
	if role != Initiator && role != Responder {
		return nil, fmt.Errorf("session: invalid role %d", role)
	}
	if cred == nil || !cred.HasPrivate() {
		return nil, errors.New("session: credential with a private key is required")
	}
	if err := cb.validate(); err != nil {
		return nil, err
	}

	o := opts.withDefaults()
	id := uuid.New()

	s := &Session{
		id:        id,
		role:      role,
		state:     WaitingHandshake,
		opts:      o,
		cb:        cb,
		cred:      cred,
		sendNonce: crypto.RandomNonce(),
		replay:    newReplayWindow(o.ReplayWindow),
		log: o.Logger.WithFields(logrus.Fields{
			"session_id":  id.String(),
			"role":        role.String(),
			"fingerprint": cred.Fingerprint(),
		}),
	}

	s.log.WithFields(logrus.Fields{
		"function":          "New",
		"handshake_timeout": o.HandshakeTimeout,
		"resend_interval":   o.ResendInterval,
		"kdf_hash":          o.KDFHash.HashName(),
	}).Debug("Session created")

	return s, nil
}

// ID returns the session's log correlation ID.
func (s *Session) ID() uuid.UUID { return s.id }

// Role returns the session's role.
func (s *Session) Role() Role { return s.role }

// State returns the current handshake state.
func (s *Session) State() State { return s.state }

// IsReady reports whether application data may flow.
func (s *Session) IsReady() bool { return s.state == Ready && s.failure == nil && !s.closed }

// Err returns the error that failed the session, or nil.
func (s *Session) Err() error {
	if s.failure == nil {
		return nil
	}
	return s.failure
}

// PeerFingerprint returns the fingerprint of the peer's public key once it
// has been received and accepted.
func (s *Session) PeerFingerprint() string { return s.peerFingerprint }

// LocalFingerprint returns the fingerprint of this session's credential.
func (s *Session) LocalFingerprint() string { return s.cred.Fingerprint() }

// usable returns the error entry points report once the session is dead.
func (s *Session) usable() error {
	if s.closed {
		return ErrClosed
	}
	if s.failure != nil {
		return s.failure
	}
	return nil
}

// Encrypt seals plaintext into a complete Data packet using the next send
// nonce.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if s.state != Ready {
		return nil, ErrNotReady
	}
	return s.seal(plaintext)
}

func (s *Session) seal(plaintext []byte) ([]byte, error) {
	if s.key == nil {
		return nil, ErrNotReady
	}
	if len(plaintext)+transport.DataOverhead > transport.MaxPacketSize {
		return nil, transport.ErrPacketTooLarge
	}

	nonce := s.sendNonce
	s.sendNonce.Increment()

	packet := make([]byte, 1, len(plaintext)+transport.DataOverhead)
	packet[0] = byte(transport.OpData)

	packet, err := s.opts.Engines.Seal(packet, s.key, nonce, plaintext)
	if err != nil {
		return nil, err
	}
	return append(packet, nonce[:]...), nil
}

// Send encrypts plaintext and hands the packet to Callbacks.Send on the
// requested channel.
func (s *Session) Send(plaintext []byte, channel transport.Channel) error {
	packet, err := s.Encrypt(plaintext)
	if err != nil {
		return err
	}
	if err := s.cb.Send(packet, channel); err != nil {
		return fmt.Errorf("session: send: %w", err)
	}
	return nil
}

// Close tears the session down and wipes its key material. No callbacks
// fire after Close.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.wipe()
	s.log.WithField("function", "Close").Debug("Session closed")
}

func (s *Session) wipe() {
	if s.cred != nil {
		s.cred.Wipe()
	}
	if s.salt != nil {
		crypto.ZeroBytes(s.salt)
		s.salt = nil
	}
	if s.key != nil {
		crypto.ZeroKey(s.key)
		s.key = nil
	}
	s.inFlight = nil
}

// fail records err as the terminal error, wipes keys and reports through
// Callbacks.Error exactly once.
func (s *Session) fail(err *crypto.Error) *crypto.Error {
	if s.failure != nil || s.closed {
		return err
	}
	s.failure = err
	s.wipe()

	entry := s.log.WithFields(logrus.Fields{
		"function":   "fail",
		"error_kind": err.Kind.String(),
		"state":      s.state.String(),
		"error":      err.Error(),
	})
	switch {
	case err.Kind == crypto.KindUntrustedPeer:
		entry.WithField("security_rejection", true).Warn("Peer rejected by key validator")
	case err.Kind.Benign():
		entry.Info("Handshake did not complete")
	default:
		entry.Error("Session failed")
	}

	if s.cb.Error != nil {
		s.cb.Error(err.Kind, err.Error())
	}
	return err
}

// enterReady is the single transition into Ready. It drops the private
// key and every handshake-only field.
func (s *Session) enterReady() {
	s.state = Ready
	if s.cred != nil {
		s.cred.Wipe()
	}
	if s.salt != nil {
		crypto.ZeroBytes(s.salt)
		s.salt = nil
	}
	s.inFlight = nil
	s.armed = false
	s.deadline = time.Time{}
	s.nextResend = time.Time{}

	s.log.WithFields(logrus.Fields{
		"function":         "enterReady",
		"peer_fingerprint": s.peerFingerprint,
	}).Info("Secure session established")

	if !s.readyFired {
		s.readyFired = true
		if s.cb.Ready != nil {
			s.cb.Ready()
		}
	}
}
