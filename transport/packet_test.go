package transport

import (
	"bytes"
	"errors"
	"testing"

	"github.com/opd-ai/securelink/crypto"
)

// TestParse tests decoding of every opcode and the rejection paths.
func TestParse(t *testing.T) {
	der := crypto.GenerateCredential().PublicKey()
	salt := bytes.Repeat([]byte{0xAB}, crypto.SaltSize)
	nonce := crypto.Nonce{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	sealed := bytes.Repeat([]byte{0x11}, crypto.TagSize+5)

	tests := []struct {
		name    string
		packet  []byte
		want    Message
		wantErr error
		wantOp  Opcode
	}{
		{
			name:   "data",
			packet: Data{Ciphertext: sealed, Nonce: nonce}.Marshal(),
			want:   Data{Ciphertext: sealed, Nonce: nonce},
		},
		{
			name:   "data with empty plaintext",
			packet: Data{Ciphertext: make([]byte, crypto.TagSize), Nonce: nonce}.Marshal(),
			want:   Data{Ciphertext: make([]byte, crypto.TagSize), Nonce: nonce},
		},
		{
			name:   "start",
			packet: HandshakeStart{PublicKey: der}.Marshal(),
			want:   HandshakeStart{PublicKey: der},
		},
		{
			name:   "ack",
			packet: HandshakeAck{Salt: salt, PublicKey: der}.Marshal(),
			want:   HandshakeAck{Salt: salt, PublicKey: der},
		},
		{
			name:   "fin",
			packet: HandshakeFin{}.Marshal(),
			want:   HandshakeFin{},
		},
		{
			name:    "empty",
			packet:  nil,
			wantErr: ErrEmptyPacket,
		},
		{
			name:    "unknown opcode",
			packet:  []byte{0x7f, 1, 2},
			wantErr: ErrUnknownOpcode,
			wantOp:  0x7f,
		},
		{
			name:    "zero opcode",
			packet:  []byte{0},
			wantErr: ErrUnknownOpcode,
			wantOp:  0,
		},
		{
			name:    "data shorter than tag and nonce",
			packet:  append([]byte{byte(OpData)}, make([]byte, crypto.TagSize+crypto.NonceSize-1)...),
			wantErr: ErrMalformedPacket,
			wantOp:  OpData,
		},
		{
			name:    "start without key",
			packet:  []byte{byte(OpHandshakeStart)},
			wantErr: ErrMalformedPacket,
			wantOp:  OpHandshakeStart,
		},
		{
			name:    "ack with salt only",
			packet:  append([]byte{byte(OpHandshakeAck)}, salt...),
			wantErr: ErrMalformedPacket,
			wantOp:  OpHandshakeAck,
		},
		{
			name:    "fin with payload",
			packet:  []byte{byte(OpHandshakeFin), 0},
			wantErr: ErrMalformedPacket,
			wantOp:  OpHandshakeFin,
		},
		{
			name:    "oversized",
			packet:  make([]byte, MaxPacketSize+1),
			wantErr: ErrPacketTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.packet)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				var pe *ParseError
				if errors.As(err, &pe) && pe.Opcode != tt.wantOp {
					t.Errorf("Expected opcode %s in error, got %s", tt.wantOp, pe.Opcode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got.Opcode() != tt.want.Opcode() {
				t.Fatalf("Expected %s, got %s", tt.want.Opcode(), got.Opcode())
			}
			if !bytes.Equal(got.Marshal(), tt.packet) {
				t.Errorf("Re-encoding changed the packet")
			}
			if !bytes.Equal(got.Marshal(), tt.want.Marshal()) {
				t.Errorf("Decoded message differs from expected")
			}
		})
	}
}

// TestParseCopiesPayload verifies decoded fields do not alias the input.
func TestParseCopiesPayload(t *testing.T) {
	der := crypto.GenerateCredential().PublicKey()
	packet := HandshakeStart{PublicKey: der}.Marshal()

	msg, err := Parse(packet)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	for i := range packet {
		packet[i] = 0
	}
	if !bytes.Equal(msg.(HandshakeStart).PublicKey, der) {
		t.Error("Parsed public key changed when the input buffer was reused")
	}
}

// TestDataLayout checks the field order of a Data packet.
func TestDataLayout(t *testing.T) {
	var key [crypto.KeySize]byte
	nonce := crypto.RandomNonce()
	sealed, err := crypto.Encrypt(&key, nonce, []byte("layout"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	packet := Data{Ciphertext: sealed, Nonce: nonce}.Marshal()
	if len(packet) != len("layout")+DataOverhead {
		t.Fatalf("Expected %d bytes, got %d", len("layout")+DataOverhead, len(packet))
	}
	if packet[0] != byte(OpData) {
		t.Errorf("Expected opcode %d, got %d", OpData, packet[0])
	}
	if !bytes.Equal(packet[len(packet)-crypto.NonceSize:], nonce[:]) {
		t.Error("Nonce is not the trailing 12 bytes")
	}

	msg, err := Parse(packet)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	d := msg.(Data)
	plaintext, err := crypto.Decrypt(&key, d.Nonce, d.Ciphertext)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(plaintext) != "layout" {
		t.Errorf("Expected %q, got %q", "layout", plaintext)
	}
}

func TestOpcodeString(t *testing.T) {
	cases := map[Opcode]string{
		OpData:           "Data",
		OpHandshakeStart: "HandshakeStart",
		OpHandshakeAck:   "HandshakeAck",
		OpHandshakeFin:   "HandshakeFin",
		Opcode(200):      "Opcode(200)",
	}
	for op, want := range cases {
		if op.String() != want {
			t.Errorf("Opcode %d: expected %q, got %q", byte(op), want, op.String())
		}
	}
}

func FuzzParse(f *testing.F) {
	der := crypto.GenerateCredential().PublicKey()
	f.Add([]byte{})
	f.Add(HandshakeFin{}.Marshal())
	f.Add(HandshakeStart{PublicKey: der}.Marshal())
	f.Add(HandshakeAck{Salt: make([]byte, crypto.SaltSize), PublicKey: der}.Marshal())
	f.Add(Data{Ciphertext: make([]byte, crypto.TagSize+3)}.Marshal())

	f.Fuzz(func(t *testing.T, packet []byte) {
		msg, err := Parse(packet)
		if err != nil {
			if msg != nil {
				t.Fatal("Parse returned a message alongside an error")
			}
			return
		}
		if !bytes.Equal(msg.Marshal(), packet) {
			t.Fatalf("Marshal(Parse(p)) != p for %x", packet)
		}
	})
}
