package channel

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"

	"peerlink/native/internal/loop"
)

// ErrRefused is the dial error of a refusing MemoryFactory.
var ErrRefused = errors.New("connection refused")

// MemoryFactory allocates in-process channels. The remote end of every
// connection is handed to Serve on its own goroutine, which plays the
// server. Hosts listed in Hosts resolve to their address; anything else
// fails resolution.
type MemoryFactory struct {
	Serve func(remote net.Conn, addr netip.AddrPort)
	Hosts map[string]netip.Addr

	mu       sync.Mutex
	refuse   bool
	allocs   int
	dials    []netip.AddrPort
	resolved []string
}

// Compile-time interface checks.
var (
	_ Factory  = (*MemoryFactory)(nil)
	_ Resolver = (*MemoryFactory)(nil)
)

// NewMemoryFactory returns a factory whose connections are served by serve.
func NewMemoryFactory(serve func(remote net.Conn, addr netip.AddrPort)) *MemoryFactory {
	return &MemoryFactory{
		Serve: serve,
		Hosts: map[string]netip.Addr{"localhost": netip.MustParseAddr("127.0.0.1")},
	}
}

// SetRefuse makes subsequent dials fail with ErrRefused.
func (f *MemoryFactory) SetRefuse(refuse bool) {
	f.mu.Lock()
	f.refuse = refuse
	f.mu.Unlock()
}

// Allocations returns how many channels were allocated.
func (f *MemoryFactory) Allocations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allocs
}

// Dials returns the addresses connected to, in order.
func (f *MemoryFactory) Dials() []netip.AddrPort {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]netip.AddrPort(nil), f.dials...)
}

// Lookups returns the host names resolved, in order.
func (f *MemoryFactory) Lookups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resolved...)
}

func (f *MemoryFactory) Allocate(family Family, secure bool, exec loop.Executor) Channel {
	f.mu.Lock()
	f.allocs++
	f.mu.Unlock()

	return newConn(exec, func(_ context.Context, addr netip.AddrPort, _ string) (net.Conn, error) {
		f.mu.Lock()
		f.dials = append(f.dials, addr)
		refuse := f.refuse
		f.mu.Unlock()

		if refuse || f.Serve == nil {
			return nil, ErrRefused
		}
		local, remote := net.Pipe()
		go f.Serve(remote, addr)
		return local, nil
	})
}

func (f *MemoryFactory) Resolve(_ context.Context, host string) (netip.Addr, error) {
	f.mu.Lock()
	f.resolved = append(f.resolved, host)
	f.mu.Unlock()

	if addr, ok := f.Hosts[host]; ok {
		return addr, nil
	}
	return netip.Addr{}, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}
