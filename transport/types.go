package transport

import (
	"fmt"
	"net"
)

// Channel selects the delivery class a packet is sent on. Reliability and
// ordering are whatever the underlying link provides; securelink never
// assumes either.
type Channel uint8

const (
	Reliable Channel = iota
	Unreliable
)

func (c Channel) String() string {
	switch c {
	case Reliable:
		return "reliable"
	case Unreliable:
		return "unreliable"
	default:
		return fmt.Sprintf("Channel(%d)", uint8(c))
	}
}

// Handler receives one datagram from a link.
type Handler func(data []byte, channel Channel, addr net.Addr)

// Link is a datagram pipe between this process and its peers. It may
// lose, duplicate or reorder packets.
type Link interface {
	// Send transmits data to addr on the given channel.
	Send(data []byte, channel Channel, addr net.Addr) error

	// SetHandler installs the callback for inbound datagrams.
	SetHandler(h Handler)

	// LocalAddr returns the address the link receives on.
	LocalAddr() net.Addr

	// Close shuts the link down.
	Close() error
}
