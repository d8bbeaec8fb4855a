// Package transport implements the securelink wire format and the datagram
// links sessions are carried over.
//
// One packet is one opcode byte followed by an opcode-specific payload:
//
//	Data           (1): ciphertext||tag, then a 12-byte nonce
//	HandshakeStart (2): sender public key (PKIX DER)
//	HandshakeAck   (3): 64-byte salt, then sender public key
//	HandshakeFin   (4): empty
//
// Example:
//
//	raw := transport.HandshakeStart{PublicKey: cred.PublicKey()}.Marshal()
//	msg, err := transport.Parse(raw)
//	switch m := msg.(type) {
//	case transport.HandshakeStart:
//	    ...
//	}
package transport

import (
	"errors"
	"fmt"

	"github.com/opd-ai/securelink/crypto"
)

// Opcode identifies the type of a securelink packet.
type Opcode byte

const (
	OpData Opcode = iota + 1
	OpHandshakeStart
	OpHandshakeAck
	OpHandshakeFin
)

// MaxPacketSize bounds a single securelink packet. It leaves room for the
// channel byte UDPLink prepends within the largest UDP payload.
const MaxPacketSize = maxUDPPayload - 1

// maxUDPPayload is the largest payload of one IPv4 UDP datagram.
const maxUDPPayload = 65507

// DataOverhead is the number of bytes a Data packet adds to its plaintext.
const DataOverhead = 1 + crypto.TagSize + crypto.NonceSize

var (
	ErrEmptyPacket     = errors.New("packet is empty")
	ErrUnknownOpcode   = errors.New("unknown opcode")
	ErrMalformedPacket = errors.New("malformed packet payload")
	ErrPacketTooLarge  = errors.New("packet exceeds maximum size")
)

func (o Opcode) String() string {
	switch o {
	case OpData:
		return "Data"
	case OpHandshakeStart:
		return "HandshakeStart"
	case OpHandshakeAck:
		return "HandshakeAck"
	case OpHandshakeFin:
		return "HandshakeFin"
	default:
		return fmt.Sprintf("Opcode(%d)", byte(o))
	}
}

// Message is one decoded packet. The set of implementations is closed:
// Data, HandshakeStart, HandshakeAck and HandshakeFin.
type Message interface {
	Opcode() Opcode
	Marshal() []byte
	message()
}

// Data carries an AEAD ciphertext (tag included) and the sender's nonce.
type Data struct {
	Ciphertext []byte
	Nonce      crypto.Nonce
}

// HandshakeStart opens a handshake with the initiator's public key.
type HandshakeStart struct {
	PublicKey []byte
}

// HandshakeAck answers a start with the responder's salt and public key.
type HandshakeAck struct {
	Salt      []byte
	PublicKey []byte
}

// HandshakeFin confirms the initiator derived the session key.
type HandshakeFin struct{}

func (Data) Opcode() Opcode           { return OpData }
func (HandshakeStart) Opcode() Opcode { return OpHandshakeStart }
func (HandshakeAck) Opcode() Opcode   { return OpHandshakeAck }
func (HandshakeFin) Opcode() Opcode   { return OpHandshakeFin }

func (Data) message()           {}
func (HandshakeStart) message() {}
func (HandshakeAck) message()   {}
func (HandshakeFin) message()   {}

// Marshal encodes the packet: opcode, ciphertext||tag, nonce.
func (m Data) Marshal() []byte {
	out := make([]byte, 0, 1+len(m.Ciphertext)+crypto.NonceSize)
	out = append(out, byte(OpData))
	out = append(out, m.Ciphertext...)
	return append(out, m.Nonce[:]...)
}

// Marshal encodes the packet: opcode, public key.
func (m HandshakeStart) Marshal() []byte {
	out := make([]byte, 0, 1+len(m.PublicKey))
	out = append(out, byte(OpHandshakeStart))
	return append(out, m.PublicKey...)
}

// Marshal encodes the packet: opcode, salt, public key.
func (m HandshakeAck) Marshal() []byte {
	out := make([]byte, 0, 1+len(m.Salt)+len(m.PublicKey))
	out = append(out, byte(OpHandshakeAck))
	out = append(out, m.Salt...)
	return append(out, m.PublicKey...)
}

// Marshal encodes the packet: the opcode alone.
func (HandshakeFin) Marshal() []byte {
	return []byte{byte(OpHandshakeFin)}
}

// ParseError reports which opcode a packet failed to decode as.
type ParseError struct {
	Opcode Opcode
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Opcode, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse decodes one packet. Unknown opcodes are rejected with
// ErrUnknownOpcode. The returned message copies what it needs, so packet
// may be reused by the caller.
func Parse(packet []byte) (Message, error) {
	if len(packet) == 0 {
		return nil, ErrEmptyPacket
	}
	if len(packet) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}

	op := Opcode(packet[0])
	payload := packet[1:]

	switch op {
	case OpData:
		if len(payload) < crypto.TagSize+crypto.NonceSize {
			return nil, &ParseError{op, fmt.Errorf("%w: %d bytes is shorter than tag and nonce", ErrMalformedPacket, len(payload))}
		}
		split := len(payload) - crypto.NonceSize
		msg := Data{Ciphertext: clone(payload[:split])}
		copy(msg.Nonce[:], payload[split:])
		return msg, nil

	case OpHandshakeStart:
		if len(payload) == 0 {
			return nil, &ParseError{op, fmt.Errorf("%w: missing public key", ErrMalformedPacket)}
		}
		return HandshakeStart{PublicKey: clone(payload)}, nil

	case OpHandshakeAck:
		if len(payload) <= crypto.SaltSize {
			return nil, &ParseError{op, fmt.Errorf("%w: %d bytes cannot hold salt and key", ErrMalformedPacket, len(payload))}
		}
		return HandshakeAck{
			Salt:      clone(payload[:crypto.SaltSize]),
			PublicKey: clone(payload[crypto.SaltSize:]),
		}, nil

	case OpHandshakeFin:
		if len(payload) != 0 {
			return nil, &ParseError{op, fmt.Errorf("%w: %d trailing bytes", ErrMalformedPacket, len(payload))}
		}
		return HandshakeFin{}, nil

	default:
		return nil, &ParseError{op, ErrUnknownOpcode}
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
