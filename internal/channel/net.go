package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"

	"peerlink/native/internal/loop"
)

// DefaultDialTimeout bounds TCP connect plus TLS handshake.
const DefaultDialTimeout = 10 * time.Second

// NetFactory allocates TCP (optionally TLS) channels over a pion
// transport.Net, the same network abstraction the WebRTC stack uses. It also
// serves as the Resolver for exchanges.
type NetFactory struct {
	net         transport.Net
	tlsConfig   *tls.Config
	dialTimeout time.Duration
}

// NetFactoryOption customizes a NetFactory.
type NetFactoryOption func(*NetFactory)

// WithTLSConfig sets the base TLS configuration for secure channels.
func WithTLSConfig(cfg *tls.Config) NetFactoryOption {
	return func(f *NetFactory) { f.tlsConfig = cfg }
}

// WithDialTimeout overrides DefaultDialTimeout.
func WithDialTimeout(d time.Duration) NetFactoryOption {
	return func(f *NetFactory) { f.dialTimeout = d }
}

// NewNetFactory creates a factory over n. A nil n uses the host network.
func NewNetFactory(n transport.Net, opts ...NetFactoryOption) (*NetFactory, error) {
	if n == nil {
		std, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("create network: %w", err)
		}
		n = std
	}
	f := &NetFactory{
		net:         n,
		dialTimeout: DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Net returns the underlying network, for sharing with pion.
func (f *NetFactory) Net() transport.Net {
	return f.net
}

func (f *NetFactory) Allocate(family Family, secure bool, exec loop.Executor) Channel {
	network := "tcp4"
	if family == FamilyIPv6 {
		network = "tcp6"
	}

	return newConn(exec, func(ctx context.Context, addr netip.AddrPort, serverName string) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, f.dialTimeout)
		defer cancel()

		dialer := f.net.CreateDialer(&net.Dialer{Timeout: f.dialTimeout})
		nc, err := dialer.Dial(network, addr.String())
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		if !secure {
			return nc, nil
		}

		cfg := &tls.Config{}
		if f.tlsConfig != nil {
			cfg = f.tlsConfig.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = serverName
		}
		tc := tls.Client(nc, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", serverName, err)
		}
		return tc, nil
	})
}

// Resolve looks host up through the factory's network. The lookup itself
// cannot be interrupted, but ctx cancellation abandons the wait.
func (f *NetFactory) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	type result struct {
		addr *net.IPAddr
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		addr, err := f.net.ResolveIPAddr("ip", host)
		ch <- result{addr, err}
	}()

	select {
	case <-ctx.Done():
		return netip.Addr{}, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return netip.Addr{}, fmt.Errorf("resolve %s: %w", host, r.err)
		}
		ip, ok := netip.AddrFromSlice(r.addr.IP)
		if !ok {
			return netip.Addr{}, fmt.Errorf("resolve %s: invalid address %v", host, r.addr.IP)
		}
		return ip.Unmap(), nil
	}
}
