// Package channel presents stream sockets as event-driven channels.
//
// A Channel never blocks its caller: Connect returns immediately and the
// outcome arrives as a Handler event on the channel's executor. Bytes read
// from the peer are buffered until the owner drains them with Recv.
package channel

import (
	"context"
	"errors"
	"net/netip"

	"peerlink/native/internal/loop"
)

var (
	// ErrNotConnected is returned by Send and Recv before the channel has
	// connected or after it was closed locally.
	ErrNotConnected = errors.New("channel not connected")

	// ErrInUse is returned by Connect on a channel that already connected
	// or is connecting.
	ErrInUse = errors.New("channel already in use")
)

// Family is the address family a channel is allocated for.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

func (f Family) String() string {
	if f == FamilyIPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// FamilyOf returns the family of addr.
func FamilyOf(addr netip.Addr) Family {
	if addr.Unmap().Is4() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// Handler receives channel events. Every call happens on the executor the
// channel was allocated with.
type Handler interface {
	// OnConnect fires once the stream (and TLS, when secure) is up.
	OnConnect()
	// OnRead fires when new bytes are waiting in the receive buffer.
	OnRead()
	// OnClose fires when the remote side closed (err is nil) or the
	// connection failed. It is not fired for a local Close.
	OnClose(err error)
}

// Channel is a single stream connection owned by exactly one component.
type Channel interface {
	SetHandler(h Handler)
	// Connect starts connecting to addr. serverName is used for TLS
	// verification on secure channels. A returned error means no event
	// will follow.
	Connect(addr netip.AddrPort, serverName string) error
	// Send queues b for writing and reports how many bytes were accepted.
	Send(b []byte) (int, error)
	// Recv drains buffered bytes into b. It returns 0, nil when nothing is
	// buffered and 0, io.EOF once the peer closed and the buffer is empty.
	Recv(b []byte) (int, error)
	Close() error
}

// Factory allocates channels. It is the one object shared between
// exchanges and sessions, so tests can substitute the transport.
type Factory interface {
	Allocate(family Family, secure bool, exec loop.Executor) Channel
}

// Resolver turns host names into addresses.
type Resolver interface {
	Resolve(ctx context.Context, host string) (netip.Addr, error)
}
