package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// udpReadTimeout bounds each blocking read so Close is noticed promptly.
const udpReadTimeout = 100 * time.Millisecond

// UDPLink carries packets over UDP. Each datagram is framed as one channel
// byte followed by the securelink packet, so the receiver learns which
// channel the sender chose.
type UDPLink struct {
	conn    net.PacketConn
	handler Handler
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewUDPLink listens on listenAddr (for example "127.0.0.1:0") and starts
// the receive loop.
func NewUDPLink(listenAddr string) (*UDPLink, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}
	return NewUDPLinkFromConn(conn), nil
}

// NewUDPLinkFromConn wraps an existing packet connection.
func NewUDPLinkFromConn(conn net.PacketConn) *UDPLink {
	ctx, cancel := context.WithCancel(context.Background())
	l := &UDPLink{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewUDPLink",
		"local_addr": conn.LocalAddr().String(),
	}).Info("UDP link listening")

	go l.processPackets()
	return l
}

// SetHandler installs the inbound callback. Packets that arrive with no
// handler installed are dropped.
func (l *UDPLink) SetHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// Send frames data with its channel byte and writes it to addr.
func (l *UDPLink) Send(data []byte, channel Channel, addr net.Addr) error {
	if len(data) > MaxPacketSize {
		return ErrPacketTooLarge
	}
	frame := make([]byte, 1+len(data))
	frame[0] = byte(channel)
	copy(frame[1:], data)

	_, err := l.conn.WriteTo(frame, addr)
	return err
}

// LocalAddr returns the bound UDP address.
func (l *UDPLink) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

// Close stops the receive loop and closes the socket.
func (l *UDPLink) Close() error {
	l.cancel()
	err := l.conn.Close()
	<-l.done
	return err
}

func (l *UDPLink) processPackets() {
	defer close(l.done)
	buffer := make([]byte, maxUDPPayload)

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
			l.processIncomingPacket(buffer)
		}
	}
}

func (l *UDPLink) processIncomingPacket(buffer []byte) {
	_ = l.conn.SetReadDeadline(time.Now().Add(udpReadTimeout))

	n, addr, err := l.conn.ReadFrom(buffer)
	if err != nil {
		l.handleReadError(err)
		return
	}
	if n < 1 {
		return
	}

	channel := Channel(buffer[0])
	if channel != Reliable && channel != Unreliable {
		logrus.WithFields(logrus.Fields{
			"function": "UDPLink.processIncomingPacket",
			"from":     addr.String(),
			"channel":  buffer[0],
		}).Debug("Dropping datagram with unknown channel byte")
		return
	}

	data := make([]byte, n-1)
	copy(data, buffer[1:n])

	l.mu.RLock()
	handler := l.handler
	l.mu.RUnlock()

	if handler != nil {
		handler(data, channel, addr)
	}
}

func (l *UDPLink) handleReadError(err error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if l.ctx.Err() != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "UDPLink.processIncomingPacket",
		"error":    err.Error(),
	}).Warn("UDP read failed")
	// Avoid spinning on a persistent socket error.
	time.Sleep(udpReadTimeout)
}
