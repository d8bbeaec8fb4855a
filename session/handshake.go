package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securelink/crypto"
	"github.com/opd-ai/securelink/transport"
)

// Transition table. Anything not listed is either a duplicate for a state
// already passed (ignored) or impossible for the role (UnexpectedMessage).
//
//	role       state                  input            action                          next
//	Initiator  WaitingHandshake       Start()/Tick     send HandshakeStart             WaitingHandshakeReply
//	Initiator  WaitingHandshakeReply  HandshakeAck     derive key, send HandshakeFin   WaitingHandshakeReply
//	Initiator  WaitingHandshakeReply  Data (keyed)     implicit ack, deliver           Ready
//	Responder  WaitingHandshake       HandshakeStart   derive key, send HandshakeAck   WaitingHandshakeReply
//	Responder  WaitingHandshakeReply  HandshakeFin     send ready ack                  Ready
//	Responder  Ready                  HandshakeFin     resend ready ack                Ready
//
// The implicit ack only fires for a Data packet that authenticates under
// the key just derived, so a replayed packet from an older session cannot
// flip the state.

// Start sends HandshakeStart for an Initiator still in WaitingHandshake.
// It is a no-op for a Responder or once the start has been sent; Tick
// calls it if the owner did not.
func (s *Session) Start() error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.start(s.opts.Clock.Now())
}

func (s *Session) start(now time.Time) error {
	if s.role != Initiator || s.state != WaitingHandshake {
		return nil
	}

	s.inFlight = transport.HandshakeStart{PublicKey: s.cred.PublicKey()}.Marshal()
	s.state = WaitingHandshakeReply
	s.transmit(s.inFlight, now)

	s.log.WithField("function", "Start").Debug("Sent HandshakeStart")
	return nil
}

// OnReceiveRaw processes one packet from the transport. Errors that end the
// session are reported through Callbacks.Error and also returned.
// Duplicate handshake packets return nil.
func (s *Session) OnReceiveRaw(packet []byte, channel transport.Channel) error {
	if err := s.usable(); err != nil {
		return err
	}

	msg, err := transport.Parse(packet)
	if err != nil {
		return s.fail(classifyParseError(err))
	}

	switch m := msg.(type) {
	case transport.HandshakeStart:
		return s.onHandshakeStart(m)
	case transport.HandshakeAck:
		return s.onHandshakeAck(m)
	case transport.HandshakeFin:
		return s.onHandshakeFin()
	case transport.Data:
		return s.onData(m, channel)
	default:
		return s.fail(crypto.NewError(crypto.KindUnexpectedMessage,
			fmt.Sprintf("unhandled message %T", msg), nil))
	}
}

func classifyParseError(err error) *crypto.Error {
	var pe *transport.ParseError
	if errors.As(err, &pe) {
		switch pe.Opcode {
		case transport.OpHandshakeStart, transport.OpHandshakeAck:
			return crypto.NewError(crypto.KindMalformedKey, "malformed handshake packet", err)
		case transport.OpData:
			return crypto.NewError(crypto.KindAuthFailure, "malformed data packet", err)
		}
	}
	return crypto.NewError(crypto.KindUnexpectedMessage, "unparseable packet", err)
}

func (s *Session) unexpected(op transport.Opcode) error {
	return s.fail(crypto.NewError(crypto.KindUnexpectedMessage,
		fmt.Sprintf("%s received by %s in %s", op, s.role, s.state), nil))
}

func (s *Session) ignore(op transport.Opcode) error {
	s.log.WithFields(logrus.Fields{
		"function": "OnReceiveRaw",
		"opcode":   op.String(),
		"state":    s.state.String(),
	}).Debug("Ignoring duplicate handshake packet")
	return nil
}

func (s *Session) onHandshakeStart(m transport.HandshakeStart) error {
	if s.role != Responder {
		return s.unexpected(transport.OpHandshakeStart)
	}
	if s.state != WaitingHandshake {
		return s.ignore(transport.OpHandshakeStart)
	}

	shared, err := s.acceptPeerKey(m.PublicKey)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(shared)

	salt := crypto.NewSalt()
	key, err := crypto.Derive(s.opts.KDFHash, shared, salt, s.opts.InfoTag)
	if err != nil {
		return s.fail(asCryptoError(err))
	}

	s.salt = salt
	s.key = key
	s.state = WaitingHandshakeReply
	s.inFlight = transport.HandshakeAck{Salt: salt, PublicKey: s.cred.PublicKey()}.Marshal()
	s.transmit(s.inFlight, s.opts.Clock.Now())

	s.log.WithFields(logrus.Fields{
		"function":         "onHandshakeStart",
		"peer_fingerprint": s.peerFingerprint,
	}).Debug("Derived session key, sent HandshakeAck")
	return nil
}

func (s *Session) onHandshakeAck(m transport.HandshakeAck) error {
	if s.role != Initiator || s.state == WaitingHandshake {
		return s.unexpected(transport.OpHandshakeAck)
	}
	if s.state == Ready || s.key != nil {
		return s.ignore(transport.OpHandshakeAck)
	}

	shared, err := s.acceptPeerKey(m.PublicKey)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(shared)

	key, err := crypto.Derive(s.opts.KDFHash, shared, m.Salt, s.opts.InfoTag)
	if err != nil {
		return s.fail(asCryptoError(err))
	}

	s.key = key
	s.inFlight = transport.HandshakeFin{}.Marshal()
	s.transmit(s.inFlight, s.opts.Clock.Now())

	s.log.WithFields(logrus.Fields{
		"function":         "onHandshakeAck",
		"peer_fingerprint": s.peerFingerprint,
	}).Debug("Derived session key, sent HandshakeFin")
	return nil
}

func (s *Session) onHandshakeFin() error {
	if s.role != Responder || s.state == WaitingHandshake {
		return s.unexpected(transport.OpHandshakeFin)
	}
	if s.state == WaitingHandshakeReply {
		s.enterReady()
	}
	// A Fin while Ready means the Initiator missed our ready ack.
	return s.sendReadyAck()
}

// sendReadyAck sends an empty Data packet so the Initiator's implicit-ack
// transition fires without waiting for application traffic.
func (s *Session) sendReadyAck() error {
	if s.usable() != nil {
		return nil
	}
	packet, err := s.seal(nil)
	if err != nil {
		return s.fail(asCryptoError(err))
	}
	if err := s.cb.Send(packet, transport.Unreliable); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "sendReadyAck",
			"error":    err.Error(),
		}).Warn("Failed to send ready ack")
	}
	return nil
}

func (s *Session) onData(m transport.Data, channel transport.Channel) error {
	if s.key == nil {
		return s.fail(crypto.NewError(crypto.KindUnexpectedData,
			fmt.Sprintf("data received by %s in %s before key agreement", s.role, s.state), nil))
	}
	pending := s.state != Ready
	if pending && s.role == Responder {
		return s.fail(crypto.NewError(crypto.KindUnexpectedData,
			"data received before HandshakeFin", nil))
	}

	// Authenticate before consulting the replay window: a forged packet
	// must tear the session down even when its nonce looks stale.
	plaintext, err := s.opts.Engines.Open(nil, s.key, m.Nonce, m.Ciphertext)
	if err != nil {
		return s.fail(asCryptoError(err))
	}

	s.recvNonce = m.Nonce
	if !s.replay.check(s.recvNonce) {
		crypto.ZeroBytes(plaintext)
		s.log.WithFields(logrus.Fields{
			"function": "onData",
			"nonce":    s.recvNonce.String(),
		}).Debug("Dropping replayed data packet")
		return nil
	}
	s.replay.accept(s.recvNonce)

	if pending {
		s.enterReady()
	}

	if len(plaintext) > 0 && s.cb.Receive != nil {
		s.cb.Receive(plaintext, channel)
	}
	return nil
}

// acceptPeerKey parses and validates the peer's public key and runs ECDH.
// Failures have already been reported through fail.
func (s *Session) acceptPeerKey(der []byte) ([]byte, error) {
	pub, err := crypto.ParsePublicKey(der)
	if err != nil {
		return nil, s.fail(asCryptoError(err))
	}

	fingerprint := crypto.Fingerprint(der)
	if s.cb.ValidateRemoteKey != nil && !s.cb.ValidateRemoteKey(fingerprint, der) {
		return nil, s.fail(crypto.NewError(crypto.KindUntrustedPeer,
			fmt.Sprintf("peer key %s rejected", fingerprint), nil))
	}
	s.peerFingerprint = fingerprint

	shared, err := s.cred.Agree(pub)
	if err != nil {
		return nil, s.fail(asCryptoError(err))
	}
	return shared, nil
}

// asCryptoError keeps *crypto.Error values and folds anything else into
// KindAuthFailure so no raw primitive error reaches a callback.
func asCryptoError(err error) *crypto.Error {
	var ce *crypto.Error
	if errors.As(err, &ce) {
		return ce
	}
	return crypto.NewError(crypto.KindAuthFailure, "cryptographic operation failed", err)
}
