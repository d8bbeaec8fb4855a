package securelink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/securelink/crypto"
	"github.com/opd-ai/securelink/session"
	"github.com/opd-ai/securelink/transport"
)

// DefaultTickInterval is how often an Endpoint drives session retransmission.
const DefaultTickInterval = 10 * time.Millisecond

var (
	// ErrNoSession is returned by Send for an address with no session.
	ErrNoSession = errors.New("securelink: no session for address")
	// ErrEndpointClosed is returned by every method after Close.
	ErrEndpointClosed = errors.New("securelink: endpoint closed")
)

// Options configures an Endpoint.
type Options struct {
	// Session is applied to every session the endpoint creates.
	Session *session.Options
	// TickInterval paces the background tick loop. A negative value
	// disables the loop; the owner then calls Iterate itself.
	TickInterval time.Duration
	// Credentials returns a fresh credential for each new session.
	// Sessions wipe their private key once Ready, so this is called once
	// per session. Defaults to crypto.GenerateCredential.
	Credentials func() (*crypto.Credential, error)
	// ValidateRemoteKey decides whether a peer's key is trusted. Nil
	// accepts every key.
	ValidateRemoteKey func(addr net.Addr, fingerprint string, der []byte) bool
	// Clock supplies the time passed to session ticks.
	Clock crypto.TimeProvider
	// Logger receives endpoint and session logs.
	Logger *logrus.Logger
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		Session:      session.NewOptions(),
		TickInterval: DefaultTickInterval,
		Credentials: func() (*crypto.Credential, error) {
			return crypto.GenerateCredential(), nil
		},
		Clock:  crypto.DefaultTimeProvider{},
		Logger: logrus.StandardLogger(),
	}
}

// ReceiveCallback is called with each decrypted payload.
type ReceiveCallback func(addr net.Addr, data []byte, channel transport.Channel)

// ReadyCallback is called once per session when it becomes Ready.
type ReadyCallback func(addr net.Addr, peerFingerprint string)

// ErrorCallback is called when a session fails. The session has already
// been removed.
type ErrorCallback func(addr net.Addr, kind crypto.ErrorKind, msg string)

type peer struct {
	addr    net.Addr
	session *session.Session
	readyAt time.Time
}

// Endpoint multiplexes secure sessions with many peers over one link, one
// session per remote address.
type Endpoint struct {
	link transport.Link
	opts Options
	log  *logrus.Entry

	mu       sync.Mutex
	peers    map[string]*peer
	pending  []func()
	closed   bool
	sessOpts *session.Options

	callbackMu      sync.RWMutex
	receiveCallback ReceiveCallback
	readyCallback   ReadyCallback
	errorCallback   ErrorCallback

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEndpoint wraps link and starts the tick loop. The endpoint installs
// itself as the link's handler and closes the link on Close.
func NewEndpoint(link transport.Link, options *Options) (*Endpoint, error) {
	if link == nil {
		return nil, errors.New("securelink: link is required")
	}
	opts := resolveOptions(options)

	// Sessions share the endpoint's engine pool and clock.
	sessOpts := *opts.Session
	if sessOpts.Engines == nil {
		sessOpts.Engines = crypto.NewEnginePool()
	}
	sessOpts.Clock = opts.Clock
	if sessOpts.Logger == nil {
		sessOpts.Logger = opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		link:     link,
		opts:     opts,
		peers:    make(map[string]*peer),
		sessOpts: &sessOpts,
		ctx:      ctx,
		cancel:   cancel,
		log: opts.Logger.WithFields(logrus.Fields{
			"component":  "endpoint",
			"local_addr": link.LocalAddr().String(),
		}),
	}

	link.SetHandler(e.handlePacket)

	if opts.TickInterval > 0 {
		go e.tickLoop()
	}

	e.log.WithField("function", "NewEndpoint").Info("Endpoint started")
	return e, nil
}

func resolveOptions(o *Options) Options {
	out := *NewOptions()
	if o == nil {
		return out
	}
	if o.Session != nil {
		out.Session = o.Session
	}
	if o.TickInterval != 0 {
		out.TickInterval = o.TickInterval
	}
	if o.Credentials != nil {
		out.Credentials = o.Credentials
	}
	out.ValidateRemoteKey = o.ValidateRemoteKey
	if o.Clock != nil {
		out.Clock = o.Clock
	}
	if o.Logger != nil {
		out.Logger = o.Logger
	}
	return out
}

// OnReceive sets the callback for decrypted application data.
func (e *Endpoint) OnReceive(callback ReceiveCallback) {
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.receiveCallback = callback
}

// OnReady sets the callback for sessions becoming Ready.
func (e *Endpoint) OnReady(callback ReadyCallback) {
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.readyCallback = callback
}

// OnError sets the callback for failed sessions.
func (e *Endpoint) OnError(callback ErrorCallback) {
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.errorCallback = callback
}

// LocalAddr returns the link's address.
func (e *Endpoint) LocalAddr() net.Addr { return e.link.LocalAddr() }

// Dial starts a handshake with addr as Initiator. Dialing an address that
// already has a session is a no-op.
func (e *Endpoint) Dial(addr net.Addr) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEndpointClosed
	}
	if _, ok := e.peers[addr.String()]; ok {
		e.mu.Unlock()
		return nil
	}

	p, err := e.newPeer(addr, session.Initiator)
	if err == nil {
		err = p.session.Start()
		e.reap(p)
	}
	e.mu.Unlock()
	e.flush()
	return err
}

// Send encrypts payload for the session with addr.
func (e *Endpoint) Send(addr net.Addr, payload []byte, channel transport.Channel) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEndpointClosed
	}
	p, ok := e.peers[addr.String()]
	if !ok {
		e.mu.Unlock()
		return ErrNoSession
	}
	err := p.session.Send(payload, channel)
	e.mu.Unlock()
	return err
}

// IsReady reports whether the session with addr can carry data.
func (e *Endpoint) IsReady(addr net.Addr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[addr.String()]
	return ok && p.session.IsReady()
}

// PeerFingerprint returns the fingerprint the peer at addr presented, or
// "" if there is none yet.
func (e *Endpoint) PeerFingerprint(addr net.Addr) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.peers[addr.String()]; ok {
		return p.session.PeerFingerprint()
	}
	return ""
}

// SessionCount returns the number of live sessions.
func (e *Endpoint) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.peers)
}

// Disconnect closes and forgets the session with addr.
func (e *Endpoint) Disconnect(addr net.Addr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.peers[addr.String()]; ok {
		p.session.Close()
		delete(e.peers, addr.String())
	}
}

// Iterate ticks every session once with the endpoint clock's current time.
// The background loop calls it every TickInterval.
func (e *Endpoint) Iterate() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	now := e.opts.Clock.Now()
	for _, p := range e.peers {
		_ = p.session.Tick(now)
		e.reap(p)
	}
	e.mu.Unlock()
	e.flush()
}

// IterationInterval returns the recommended interval between Iterate calls.
func (e *Endpoint) IterationInterval() time.Duration {
	if e.opts.TickInterval > 0 {
		return e.opts.TickInterval
	}
	return DefaultTickInterval
}

// Close stops the tick loop and closes every session and the link. It is
// safe to call from a callback.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for key, p := range e.peers {
		p.session.Close()
		delete(e.peers, key)
	}
	e.pending = nil
	e.mu.Unlock()

	e.cancel()

	e.log.WithField("function", "Close").Info("Endpoint closed")
	return e.link.Close()
}

func (e *Endpoint) tickLoop() {
	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.Iterate()
		}
	}
}

// handlePacket is the link handler. A HandshakeStart from an unknown
// address creates a Responder session; anything else from an unknown
// address is dropped.
func (e *Endpoint) handlePacket(data []byte, channel transport.Channel, addr net.Addr) {
	if len(data) == 0 {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	key := addr.String()
	p, ok := e.peers[key]
	isStart := transport.Opcode(data[0]) == transport.OpHandshakeStart

	if ok && isStart {
		switch e.startAction(p, data[1:]) {
		case startDrop:
			e.mu.Unlock()
			return
		case startReplace:
			e.log.WithFields(logrus.Fields{
				"function": "handlePacket",
				"from":     key,
				"role":     p.session.Role().String(),
			}).Info("Replacing session on new HandshakeStart")
			p.session.Close()
			delete(e.peers, key)
			ok = false
		}
	}

	if !ok {
		if !isStart {
			e.mu.Unlock()
			e.log.WithFields(logrus.Fields{
				"function": "handlePacket",
				"from":     key,
				"opcode":   transport.Opcode(data[0]).String(),
			}).Debug("Dropping packet for unknown session")
			return
		}
		var err error
		if p, err = e.newPeer(addr, session.Responder); err != nil {
			e.mu.Unlock()
			e.log.WithFields(logrus.Fields{
				"function": "handlePacket",
				"from":     key,
				"error":    err.Error(),
			}).Error("Failed to create responder session")
			return
		}
	}

	_ = p.session.OnReceiveRaw(data, channel)
	e.reap(p)
	e.mu.Unlock()
	e.flush()
}

type startDisposition int

const (
	startDeliver startDisposition = iota
	startReplace
	startDrop
)

// startAction decides what a HandshakeStart means for an existing session.
// Starts are retransmitted for at most one handshake timeout, so a Start
// arriving later than that after Ready comes from a restarted peer. A
// Responder also treats a Start carrying a different key as a restart. An
// Initiator that is still handshaking has raced a simultaneous dial: the
// side with the lower fingerprint yields and answers as Responder, the
// other drops the Start. Called with mu held.
func (e *Endpoint) startAction(p *peer, der []byte) startDisposition {
	s := p.session
	stale := s.IsReady() && e.opts.Clock.Since(p.readyAt) > e.sessOpts.HandshakeTimeout
	remote := crypto.Fingerprint(der)

	switch s.Role() {
	case session.Responder:
		if stale || (s.PeerFingerprint() != "" && s.PeerFingerprint() != remote) {
			return startReplace
		}
		return startDeliver
	default:
		if stale || (!s.IsReady() && s.LocalFingerprint() < remote) {
			return startReplace
		}
		return startDrop
	}
}

// newPeer creates and registers a session. Called with mu held.
func (e *Endpoint) newPeer(addr net.Addr, role session.Role) (*peer, error) {
	cred, err := e.opts.Credentials()
	if err != nil {
		return nil, fmt.Errorf("securelink: credential: %w", err)
	}

	p := &peer{addr: addr}
	cb := session.Callbacks{
		Send: func(data []byte, channel transport.Channel) error {
			return e.link.Send(data, channel, addr)
		},
		Receive: func(data []byte, channel transport.Channel) {
			e.queue(func() {
				if cb := e.getReceiveCallback(); cb != nil {
					cb(addr, data, channel)
				}
			})
		},
		Ready: func() {
			p.readyAt = e.opts.Clock.Now()
			fp := p.session.PeerFingerprint()
			e.queue(func() {
				if cb := e.getReadyCallback(); cb != nil {
					cb(addr, fp)
				}
			})
		},
		Error: func(kind crypto.ErrorKind, msg string) {
			e.queue(func() {
				if cb := e.getErrorCallback(); cb != nil {
					cb(addr, kind, msg)
				}
			})
		},
	}
	if e.opts.ValidateRemoteKey != nil {
		validate := e.opts.ValidateRemoteKey
		cb.ValidateRemoteKey = func(fp string, der []byte) bool {
			return validate(addr, fp, der)
		}
	}

	s, err := session.New(role, cred, cb, e.sessOpts)
	if err != nil {
		return nil, err
	}
	p.session = s
	e.peers[addr.String()] = p

	e.log.WithFields(logrus.Fields{
		"function":   "newPeer",
		"peer":       addr.String(),
		"role":       role.String(),
		"session_id": s.ID().String(),
	}).Debug("Session created")
	return p, nil
}

// reap removes p if its session has failed. Called with mu held.
func (e *Endpoint) reap(p *peer) {
	if p.session.Err() == nil {
		return
	}
	key := p.addr.String()
	if cur, ok := e.peers[key]; ok && cur == p {
		delete(e.peers, key)
	}
	p.session.Close()
}

// queue defers a user callback until mu is released, so callbacks may call
// back into the endpoint. Called with mu held.
func (e *Endpoint) queue(fn func()) {
	e.pending = append(e.pending, fn)
}

func (e *Endpoint) flush() {
	e.mu.Lock()
	events := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, fn := range events {
		fn()
	}
}

func (e *Endpoint) getReceiveCallback() ReceiveCallback {
	e.callbackMu.RLock()
	defer e.callbackMu.RUnlock()
	return e.receiveCallback
}

func (e *Endpoint) getReadyCallback() ReadyCallback {
	e.callbackMu.RLock()
	defer e.callbackMu.RUnlock()
	return e.readyCallback
}

func (e *Endpoint) getErrorCallback() ErrorCallback {
	e.callbackMu.RLock()
	defer e.callbackMu.RUnlock()
	return e.errorCallback
}
