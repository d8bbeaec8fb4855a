package session

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securelink/crypto"
	"github.com/opd-ai/securelink/transport"
)

// Tick drives handshake retransmission. The owner calls it periodically
// with the current time until the session is Ready or has failed.
//
// The first call arms the handshake deadline (now + HandshakeTimeout).
// After the deadline passes the session fails with KindTimeout. Otherwise
// the message for the current role and state is resent whenever
// ResendInterval has elapsed since the last send. Ticking a Ready session
// does nothing.
func (s *Session) Tick(now time.Time) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.state == Ready {
		return nil
	}

	if !s.armed {
		s.armed = true
		s.deadline = now.Add(s.opts.HandshakeTimeout)
		if s.lastSent.IsZero() {
			s.nextResend = now
		} else {
			s.nextResend = s.lastSent.Add(s.opts.ResendInterval)
		}
	}

	if now.After(s.deadline) {
		return s.fail(crypto.NewError(crypto.KindTimeout,
			fmt.Sprintf("no handshake progress within %s (state %s)", s.opts.HandshakeTimeout, s.state), nil))
	}

	if now.Before(s.nextResend) {
		return nil
	}

	if s.role == Initiator && s.state == WaitingHandshake {
		return s.start(now)
	}

	if s.inFlight == nil {
		// A Responder has nothing to say until HandshakeStart arrives.
		s.nextResend = now.Add(s.opts.ResendInterval)
		return nil
	}

	s.log.WithFields(logrus.Fields{
		"function": "Tick",
		"opcode":   transport.Opcode(s.inFlight[0]).String(),
		"state":    s.state.String(),
	}).Debug("Resending handshake packet")

	s.transmit(s.inFlight, now)
	return nil
}

// transmit sends a handshake packet on the unreliable channel and
// reschedules the next resend. Send failures are logged; the next resend
// is the retry.
func (s *Session) transmit(packet []byte, now time.Time) {
	out := make([]byte, len(packet))
	copy(out, packet)

	if err := s.cb.Send(out, transport.Unreliable); err != nil {
		s.log.WithFields(logrus.Fields{
			"function": "transmit",
			"opcode":   transport.Opcode(packet[0]).String(),
			"error":    err.Error(),
		}).Warn("Failed to send handshake packet")
	}

	s.lastSent = now
	s.nextResend = now.Add(s.opts.ResendInterval)
}

// Deadline returns the handshake deadline, or the zero time before the
// first Tick and after Ready.
func (s *Session) Deadline() time.Time { return s.deadline }
