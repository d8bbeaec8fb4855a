package transport

import (
	"errors"
	"math/rand"
	"net"
	"sync"
)

// ErrLinkClosed is returned by Send on a closed loopback link.
var ErrLinkClosed = errors.New("link closed")

// LoopbackAddr names one end of a loopback pair.
type LoopbackAddr string

func (a LoopbackAddr) Network() string { return "loopback" }
func (a LoopbackAddr) String() string  { return string(a) }

// Faults describes how a loopback link mistreats traffic. Rates are in
// [0,1]. Reorder shuffles each batch handed to the peer.
type Faults struct {
	DropRate      float64
	DuplicateRate float64
	Reorder       bool
}

type datagram struct {
	data    []byte
	channel Channel
}

// Loopback is one end of an in-memory link. Packets sent on one end queue
// at the other until Pump delivers them, or are delivered automatically by
// a goroutine after Start.
type Loopback struct {
	addr   LoopbackAddr
	peer   *Loopback
	faults Faults
	rng    *rand.Rand

	mu      sync.Mutex
	inbox   []datagram
	handler Handler
	closed  bool
	notify  chan struct{}
	stop    chan struct{}
	running bool
}

// NewLoopbackPair returns two connected ends. seed makes the fault
// injection reproducible.
func NewLoopbackPair(faults Faults, seed int64) (*Loopback, *Loopback) {
	a := &Loopback{addr: "loopback-a", faults: faults, rng: rand.New(rand.NewSource(seed)), notify: make(chan struct{}, 1)}
	b := &Loopback{addr: "loopback-b", faults: faults, rng: rand.New(rand.NewSource(seed + 1)), notify: make(chan struct{}, 1)}
	a.peer, b.peer = b, a
	return a, b
}

// Send queues data at the peer, subject to the configured faults. addr is
// ignored; a loopback end has exactly one peer.
func (l *Loopback) Send(data []byte, channel Channel, _ net.Addr) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	drop := l.rng.Float64() < l.faults.DropRate
	dup := l.rng.Float64() < l.faults.DuplicateRate
	l.mu.Unlock()

	if drop {
		return nil
	}

	d := datagram{data: append([]byte(nil), data...), channel: channel}
	l.peer.enqueue(d)
	if dup {
		l.peer.enqueue(d)
	}
	return nil
}

func (l *Loopback) enqueue(d datagram) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.inbox = append(l.inbox, d)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// SetHandler installs the inbound callback. Packets that queued while no
// handler was installed are delivered by the next Pump, or promptly once
// Start has been called.
func (l *Loopback) SetHandler(h Handler) {
	l.mu.Lock()
	l.handler = h
	queued := len(l.inbox) > 0
	l.mu.Unlock()

	if queued {
		select {
		case l.notify <- struct{}{}:
		default:
		}
	}
}

// LocalAddr returns this end's name.
func (l *Loopback) LocalAddr() net.Addr { return l.addr }

// PeerAddr returns the other end's name.
func (l *Loopback) PeerAddr() net.Addr { return l.peer.addr }

// Pending reports how many packets are queued for delivery.
func (l *Loopback) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inbox)
}

// Pump delivers every queued packet to the handler and returns how many
// were delivered. Packets queued by the handler itself wait for the next
// Pump. Without a handler nothing is delivered and the queue is kept.
func (l *Loopback) Pump() int {
	l.mu.Lock()
	handler := l.handler
	if handler == nil {
		l.mu.Unlock()
		return 0
	}
	batch := l.inbox
	l.inbox = nil
	if l.faults.Reorder {
		l.rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
	}
	l.mu.Unlock()

	for _, d := range batch {
		handler(d.data, d.channel, l.peer.addr)
	}
	return len(batch)
}

// Start delivers packets from a background goroutine as they arrive.
func (l *Loopback) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running || l.closed {
		return
	}
	l.running = true
	l.stop = make(chan struct{})
	go l.run(l.stop)
}

func (l *Loopback) run(stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-l.notify:
			l.Pump()
		}
	}
}

// Close stops delivery and drops anything still queued.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.inbox = nil
	if l.running {
		close(l.stop)
		l.running = false
	}
	return nil
}
