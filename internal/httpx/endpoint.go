package httpx

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

var errEmptyHost = errors.New("empty host")

// Endpoint is where a request goes. Addr stays invalid until the host has
// been resolved; nothing is sent to an unresolved endpoint.
type Endpoint struct {
	Secure       bool
	Host         string
	Port         uint16
	PathAndQuery string
	Addr         netip.Addr
}

// ParseURI splits uri into an Endpoint. Only the http and https schemes are
// recognised; a bare "host[:port][/path]" is plain http. Literal IP hosts
// come back already resolved.
func ParseURI(uri string) (Endpoint, error) {
	var ep Endpoint

	rest := uri
	switch {
	case strings.HasPrefix(rest, "https://"):
		ep.Secure = true
		rest = rest[len("https://"):]
	case strings.HasPrefix(rest, "http://"):
		rest = rest[len("http://"):]
	}

	hostPort := rest
	ep.PathAndQuery = "/"
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		hostPort = rest[:i]
		ep.PathAndQuery = rest[i:]
		if ep.PathAndQuery[0] == '?' {
			ep.PathAndQuery = "/" + ep.PathAndQuery
		}
	}

	ep.Port = 80
	if ep.Secure {
		ep.Port = 443
	}

	host := hostPort
	if strings.HasPrefix(hostPort, "[") {
		end := strings.Index(hostPort, "]")
		if end < 0 {
			return Endpoint{}, fmt.Errorf("parse %q: unterminated IPv6 literal", uri)
		}
		host = hostPort[1:end]
		if tail := hostPort[end+1:]; tail != "" {
			if !strings.HasPrefix(tail, ":") {
				return Endpoint{}, fmt.Errorf("parse %q: junk after IPv6 literal", uri)
			}
			port, err := parsePort(tail[1:])
			if err != nil {
				return Endpoint{}, fmt.Errorf("parse %q: %w", uri, err)
			}
			ep.Port = port
		}
	} else if i := strings.LastIndexByte(hostPort, ':'); i >= 0 {
		host = hostPort[:i]
		port, err := parsePort(hostPort[i+1:])
		if err != nil {
			return Endpoint{}, fmt.Errorf("parse %q: %w", uri, err)
		}
		ep.Port = port
	}

	if host == "" {
		return Endpoint{}, fmt.Errorf("parse %q: %w", uri, errEmptyHost)
	}
	ep.Host = host

	if addr, err := netip.ParseAddr(host); err == nil {
		ep.Addr = addr.Unmap()
	}
	return ep, nil
}

func parsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil || p == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(p), nil
}

// Unresolved reports whether the host still needs a lookup.
func (e Endpoint) Unresolved() bool {
	return !e.Addr.IsValid()
}

// AddrPort is the resolved address to connect to.
func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.Addr, e.Port)
}

// HostHeader is the Host header value for requests to e.
func (e Endpoint) HostHeader() string {
	host := e.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if (e.Secure && e.Port == 443) || (!e.Secure && e.Port == 80) {
		return host
	}
	return host + ":" + strconv.Itoa(int(e.Port))
}
