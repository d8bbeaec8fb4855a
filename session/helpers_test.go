package session

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/securelink/crypto"
	"github.com/opd-ai/securelink/transport"
)

type sentPacket struct {
	data    []byte
	channel transport.Channel
}

type receivedPayload struct {
	data    []byte
	channel transport.Channel
}

// testPeer records everything a session hands to its callbacks.
type testPeer struct {
	s        *Session
	cred     *crypto.Credential
	outbox   []sentPacket
	received []receivedPayload
	ready    int
	errKinds []crypto.ErrorKind
	errMsgs  []string
}

type peerConfig struct {
	validator func(string, []byte) bool
	opts      *Options
	cred      *crypto.Credential
}

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testOptions(clock crypto.TimeProvider) *Options {
	opts := NewOptions()
	opts.Clock = clock
	opts.Logger = quietLogger()
	return opts
}

func newTestPeer(t *testing.T, role Role, clock crypto.TimeProvider, cfg peerConfig) *testPeer {
	t.Helper()
	p := &testPeer{cred: cfg.cred}
	if p.cred == nil {
		p.cred = crypto.GenerateCredential()
	}

	opts := cfg.opts
	if opts == nil {
		opts = testOptions(clock)
	}

	s, err := New(role, p.cred, Callbacks{
		Send: func(data []byte, ch transport.Channel) error {
			p.outbox = append(p.outbox, sentPacket{data: data, channel: ch})
			return nil
		},
		Receive: func(data []byte, ch transport.Channel) {
			p.received = append(p.received, receivedPayload{data: append([]byte(nil), data...), channel: ch})
		},
		Ready: func() { p.ready++ },
		Error: func(kind crypto.ErrorKind, msg string) {
			p.errKinds = append(p.errKinds, kind)
			p.errMsgs = append(p.errMsgs, msg)
		},
		ValidateRemoteKey: cfg.validator,
	}, opts)
	require.NoError(t, err)
	p.s = s
	return p
}

func newTestPair(t *testing.T) (*testPeer, *testPeer, *crypto.MockTimeProvider) {
	t.Helper()
	clock := crypto.NewMockTimeProvider(epoch)
	return newTestPeer(t, Initiator, clock, peerConfig{}),
		newTestPeer(t, Responder, clock, peerConfig{}),
		clock
}

// take empties the outbox and returns what was in it.
func (p *testPeer) take() []sentPacket {
	out := p.outbox
	p.outbox = nil
	return out
}

// deliver moves every queued packet from p to dst, in order.
func (p *testPeer) deliver(t *testing.T, dst *testPeer) {
	t.Helper()
	for _, pkt := range p.take() {
		require.NoError(t, dst.s.OnReceiveRaw(pkt.data, pkt.channel))
	}
}

// handshake runs the complete exchange with no loss.
func handshake(t *testing.T, init, resp *testPeer) {
	t.Helper()
	require.NoError(t, init.s.Start())
	init.deliver(t, resp) // Start
	resp.deliver(t, init) // Ack
	init.deliver(t, resp) // Fin
	resp.deliver(t, init) // ready ack
	require.Equal(t, Ready, init.s.State())
	require.Equal(t, Ready, resp.s.State())
}

func opcodes(pkts []sentPacket) []transport.Opcode {
	out := make([]transport.Opcode, len(pkts))
	for i, p := range pkts {
		out[i] = transport.Opcode(p.data[0])
	}
	return out
}

func trailingNonce(packet []byte) crypto.Nonce {
	var n crypto.Nonce
	copy(n[:], packet[len(packet)-crypto.NonceSize:])
	return n
}
