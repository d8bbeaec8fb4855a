package securelink

import (
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/securelink/crypto"
	"github.com/opd-ai/securelink/transport"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// recorder collects endpoint callbacks.
type recorder struct {
	mu       sync.Mutex
	ready    []string
	received []string
	errs     []crypto.ErrorKind
	from     []net.Addr
}

func (r *recorder) attach(e *Endpoint) {
	e.OnReady(func(addr net.Addr, fp string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.ready = append(r.ready, fp)
	})
	e.OnReceive(func(addr net.Addr, data []byte, _ transport.Channel) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.received = append(r.received, string(data))
		r.from = append(r.from, addr)
	})
	e.OnError(func(_ net.Addr, kind crypto.ErrorKind, _ string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errs = append(r.errs, kind)
	})
}

func (r *recorder) snapshot() (ready, received []string, errs []crypto.ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ready...), append([]string(nil), r.received...), append([]crypto.ErrorKind(nil), r.errs...)
}

type endpointPair struct {
	a, b   *Endpoint
	la, lb *transport.Loopback
	ra, rb *recorder
	clock  *crypto.MockTimeProvider
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func manualOptions(clock crypto.TimeProvider) *Options {
	opts := NewOptions()
	opts.TickInterval = -1
	opts.Clock = clock
	opts.Logger = quietLogger()
	opts.Session.Logger = opts.Logger
	return opts
}

func newEndpointPair(t *testing.T, faults transport.Faults, tweak func(a, b *Options)) *endpointPair {
	t.Helper()
	clock := crypto.NewMockTimeProvider(testEpoch)
	la, lb := transport.NewLoopbackPair(faults, 99)

	optsA, optsB := manualOptions(clock), manualOptions(clock)
	if tweak != nil {
		tweak(optsA, optsB)
	}

	a, err := NewEndpoint(la, optsA)
	require.NoError(t, err)
	b, err := NewEndpoint(lb, optsB)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	p := &endpointPair{a: a, b: b, la: la, lb: lb, ra: &recorder{}, rb: &recorder{}, clock: clock}
	p.ra.attach(a)
	p.rb.attach(b)
	return p
}

// pump delivers queued packets in both directions until the link is idle.
func (p *endpointPair) pump() {
	for i := 0; i < 100; i++ {
		if p.la.Pump()+p.lb.Pump() == 0 {
			return
		}
	}
}

// run advances simulated time in steps, ticking and pumping, until done
// reports true or limit has elapsed.
func (p *endpointPair) run(step, limit time.Duration, done func() bool) {
	for elapsed := time.Duration(0); elapsed <= limit; elapsed += step {
		p.pump()
		if done() {
			return
		}
		p.clock.Advance(step)
		p.a.Iterate()
		p.b.Iterate()
	}
}

func TestEndpointHandshakeAndData(t *testing.T) {
	p := newEndpointPair(t, transport.Faults{}, nil)
	bAddr, aAddr := p.la.PeerAddr(), p.lb.PeerAddr()

	require.NoError(t, p.a.Dial(bAddr))
	assert.Equal(t, 1, p.a.SessionCount())
	p.pump()

	require.True(t, p.a.IsReady(bAddr))
	require.True(t, p.b.IsReady(aAddr))
	assert.Equal(t, 1, p.b.SessionCount())

	readyA, _, _ := p.ra.snapshot()
	readyB, _, _ := p.rb.snapshot()
	require.Len(t, readyA, 1)
	require.Len(t, readyB, 1)
	assert.Equal(t, p.a.PeerFingerprint(bAddr), readyA[0])
	assert.Equal(t, p.b.PeerFingerprint(aAddr), readyB[0])

	require.NoError(t, p.a.Send(bAddr, []byte("hello"), transport.Reliable))
	require.NoError(t, p.b.Send(aAddr, []byte("hi back"), transport.Unreliable))
	p.pump()

	_, gotB, errsB := p.rb.snapshot()
	_, gotA, errsA := p.ra.snapshot()
	assert.Equal(t, []string{"hello"}, gotB)
	assert.Equal(t, []string{"hi back"}, gotA)
	assert.Empty(t, errsA)
	assert.Empty(t, errsB)
	assert.Equal(t, aAddr, p.rb.from[0])
}

func TestEndpointDialIsIdempotent(t *testing.T) {
	p := newEndpointPair(t, transport.Faults{}, nil)
	bAddr := p.la.PeerAddr()

	require.NoError(t, p.a.Dial(bAddr))
	require.NoError(t, p.a.Dial(bAddr))
	assert.Equal(t, 1, p.a.SessionCount())
	assert.Equal(t, 1, p.lb.Pending())
}

func TestEndpointSendWithoutSession(t *testing.T) {
	p := newEndpointPair(t, transport.Faults{}, nil)
	assert.ErrorIs(t, p.a.Send(p.la.PeerAddr(), []byte("x"), transport.Reliable), ErrNoSession)

	require.NoError(t, p.a.Dial(p.la.PeerAddr()))
	assert.Error(t, p.a.Send(p.la.PeerAddr(), []byte("x"), transport.Reliable), "not ready yet")
}

func TestEndpointLossyLinkConverges(t *testing.T) {
	faults := transport.Faults{DropRate: 0.3, DuplicateRate: 0.3, Reorder: true}
	p := newEndpointPair(t, faults, nil)
	bAddr, aAddr := p.la.PeerAddr(), p.lb.PeerAddr()

	require.NoError(t, p.a.Dial(bAddr))
	p.run(10*time.Millisecond, 1500*time.Millisecond, func() bool {
		return p.a.IsReady(bAddr) && p.b.IsReady(aAddr)
	})

	require.True(t, p.a.IsReady(bAddr))
	require.True(t, p.b.IsReady(aAddr))
	readyA, _, errsA := p.ra.snapshot()
	readyB, _, errsB := p.rb.snapshot()
	assert.Len(t, readyA, 1)
	assert.Len(t, readyB, 1)
	assert.Empty(t, errsA)
	assert.Empty(t, errsB)
}

func TestEndpointUntrustedPeer(t *testing.T) {
	p := newEndpointPair(t, transport.Faults{}, func(_, b *Options) {
		b.ValidateRemoteKey = func(net.Addr, string, []byte) bool { return false }
	})
	bAddr := p.la.PeerAddr()

	require.NoError(t, p.a.Dial(bAddr))
	p.pump()

	_, _, errsB := p.rb.snapshot()
	assert.Equal(t, []crypto.ErrorKind{crypto.KindUntrustedPeer}, errsB)
	assert.Zero(t, p.b.SessionCount(), "failed session removed")
	assert.Zero(t, p.la.Pending(), "no HandshakeAck sent")

	// The initiator keeps retrying until its own deadline.
	p.a.Iterate()
	p.run(50*time.Millisecond, 2500*time.Millisecond, func() bool {
		_, _, errs := p.ra.snapshot()
		return len(errs) > 0
	})

	readyA, _, errsA := p.ra.snapshot()
	require.NotEmpty(t, errsA)
	assert.Equal(t, crypto.KindTimeout, errsA[0])
	assert.Empty(t, readyA)
	assert.Zero(t, p.a.SessionCount())
}

func TestEndpointPinnedPeers(t *testing.T) {
	aCred := crypto.GenerateCredential()
	bCred := crypto.GenerateCredential()
	aFP, bFP := aCred.Fingerprint(), bCred.Fingerprint()

	// Each session loads its own copy of the key, as the CLI does.
	aKey, bKey := saveKey(t, aCred), saveKey(t, bCred)

	p := newEndpointPair(t, transport.Faults{}, func(a, b *Options) {
		a.Credentials = func() (*crypto.Credential, error) { return crypto.LoadCredential(aKey) }
		b.Credentials = func() (*crypto.Credential, error) { return crypto.LoadCredential(bKey) }
		a.ValidateRemoteKey = func(_ net.Addr, fp string, _ []byte) bool { return fp == bFP }
		b.ValidateRemoteKey = func(_ net.Addr, fp string, _ []byte) bool { return fp == aFP }
	})

	require.NoError(t, p.a.Dial(p.la.PeerAddr()))
	p.pump()

	readyA, _, _ := p.ra.snapshot()
	readyB, _, _ := p.rb.snapshot()
	assert.Equal(t, []string{bFP}, readyA)
	assert.Equal(t, []string{aFP}, readyB)
}

// saveKey writes cred to a temp key file and returns its path.
func saveKey(t *testing.T, cred *crypto.Credential) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.key")
	require.NoError(t, cred.Save(path))
	return path
}

func TestEndpointDropsDataFromUnknownAddress(t *testing.T) {
	p := newEndpointPair(t, transport.Faults{}, nil)

	junk := transport.Data{Ciphertext: make([]byte, crypto.TagSize+4)}.Marshal()
	require.NoError(t, p.la.Send(junk, transport.Reliable, nil))
	require.NoError(t, p.la.Send(transport.HandshakeFin{}.Marshal(), transport.Reliable, nil))
	require.NoError(t, p.la.Send(nil, transport.Reliable, nil))
	p.pump()

	assert.Zero(t, p.b.SessionCount())
	_, _, errs := p.rb.snapshot()
	assert.Empty(t, errs)
}

func TestEndpointCallbacksMayReenter(t *testing.T) {
	p := newEndpointPair(t, transport.Faults{}, nil)
	bAddr := p.la.PeerAddr()

	p.b.OnReady(func(addr net.Addr, _ string) {
		require.NoError(t, p.b.Send(addr, []byte("welcome"), transport.Reliable))
	})
	p.a.OnReceive(func(addr net.Addr, data []byte, _ transport.Channel) {
		if string(data) == "welcome" {
			require.NoError(t, p.a.Send(addr, []byte("thanks"), transport.Reliable))
		}
	})

	require.NoError(t, p.a.Dial(bAddr))
	p.pump()

	_, gotB, _ := p.rb.snapshot()
	assert.Equal(t, []string{"thanks"}, gotB)
}

func TestEndpointSimultaneousDial(t *testing.T) {
	p := newEndpointPair(t, transport.Faults{}, nil)
	bAddr, aAddr := p.la.PeerAddr(), p.lb.PeerAddr()

	require.NoError(t, p.a.Dial(bAddr))
	require.NoError(t, p.b.Dial(aAddr))
	p.pump()

	assert.True(t, p.a.IsReady(bAddr))
	assert.True(t, p.b.IsReady(aAddr))
	assert.Equal(t, 1, p.a.SessionCount())
	assert.Equal(t, 1, p.b.SessionCount())
	_, _, errsA := p.ra.snapshot()
	_, _, errsB := p.rb.snapshot()
	assert.Empty(t, errsA)
	assert.Empty(t, errsB)

	require.NoError(t, p.a.Send(bAddr, []byte("after race"), transport.Reliable))
	p.pump()
	_, gotB, _ := p.rb.snapshot()
	assert.Equal(t, []string{"after race"}, gotB)
}

func TestEndpointPeerRestart(t *testing.T) {
	p := newEndpointPair(t, transport.Faults{}, nil)
	bAddr, aAddr := p.la.PeerAddr(), p.lb.PeerAddr()

	require.NoError(t, p.a.Dial(bAddr))
	p.pump()
	first := p.b.PeerFingerprint(aAddr)
	require.NotEmpty(t, first)

	// The initiator forgets its session and dials again with a new key.
	p.a.Disconnect(bAddr)
	require.NoError(t, p.a.Dial(bAddr))
	p.pump()

	require.True(t, p.a.IsReady(bAddr))
	require.True(t, p.b.IsReady(aAddr))
	assert.NotEqual(t, first, p.b.PeerFingerprint(aAddr))

	readyB, _, errsB := p.rb.snapshot()
	assert.Len(t, readyB, 2)
	assert.Empty(t, errsB)
}

func TestEndpointStaleStartAfterReadyReplacesSession(t *testing.T) {
	key := saveKey(t, crypto.GenerateCredential())
	p := newEndpointPair(t, transport.Faults{}, func(a, _ *Options) {
		a.Credentials = func() (*crypto.Credential, error) { return crypto.LoadCredential(key) }
	})
	bAddr, aAddr := p.la.PeerAddr(), p.lb.PeerAddr()

	require.NoError(t, p.a.Dial(bAddr))
	p.pump()
	require.True(t, p.b.IsReady(aAddr))

	// Same key, shortly after Ready: treated as a retransmission.
	p.a.Disconnect(bAddr)
	require.NoError(t, p.a.Dial(bAddr))
	p.la.Pump()
	p.lb.Pump()
	assert.Zero(t, p.la.Pending(), "responder ignored the start")

	// Same key, well after Ready: a restarted peer.
	p.a.Disconnect(bAddr)
	p.clock.Advance(3 * time.Second)
	require.NoError(t, p.a.Dial(bAddr))
	p.pump()
	assert.True(t, p.a.IsReady(bAddr))

	readyB, _, _ := p.rb.snapshot()
	assert.Len(t, readyB, 2)
}

func TestEndpointClose(t *testing.T) {
	p := newEndpointPair(t, transport.Faults{}, nil)
	bAddr := p.la.PeerAddr()

	require.NoError(t, p.a.Dial(bAddr))
	p.pump()

	require.NoError(t, p.a.Close())
	require.NoError(t, p.a.Close())
	assert.Zero(t, p.a.SessionCount())
	assert.ErrorIs(t, p.a.Dial(bAddr), ErrEndpointClosed)
	assert.ErrorIs(t, p.a.Send(bAddr, []byte("x"), transport.Reliable), ErrEndpointClosed)
	assert.ErrorIs(t, p.la.Send([]byte{1}, transport.Reliable, nil), transport.ErrLinkClosed)
	p.a.Iterate()
}

func TestEndpointBackgroundTickLoop(t *testing.T) {
	la, lb := transport.NewLoopbackPair(transport.Faults{}, 7)
	la.Start()
	lb.Start()

	optsA, optsB := NewOptions(), NewOptions()
	optsA.Logger, optsB.Logger = quietLogger(), quietLogger()
	optsA.Session.Logger, optsB.Session.Logger = optsA.Logger, optsB.Logger

	a, err := NewEndpoint(la, optsA)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewEndpoint(lb, optsB)
	require.NoError(t, err)
	defer b.Close()

	received := make(chan string, 1)
	b.OnReceive(func(_ net.Addr, data []byte, _ transport.Channel) {
		select {
		case received <- string(data):
		default:
		}
	})
	a.OnReady(func(addr net.Addr, _ string) {
		_ = a.Send(addr, []byte("hello"), transport.Reliable)
	})

	require.NoError(t, a.Dial(la.PeerAddr()))

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(3 * time.Second):
		t.Fatal("no data within 3s")
	}
}

func TestNewEndpointRequiresLink(t *testing.T) {
	_, err := NewEndpoint(nil, nil)
	assert.Error(t, err)
}
