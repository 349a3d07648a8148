// Package httpx is a minimal HTTP/1.1 client built on event-driven
// channels. Each exchange is one request over one fresh connection; the
// response ends when the server closes the connection or the declared
// Content-Length has arrived. There is no chunked encoding and no
// connection reuse.
package httpx

import (
	"context"
	"time"

	"github.com/pion/logging"

	"peerlink/native/internal/channel"
	"peerlink/native/internal/loop"
)

// DefaultResolveTimeout bounds a host lookup.
const DefaultResolveTimeout = 10 * time.Second

// Transport starts exchanges and streams. All callbacks run on its
// executor.
type Transport struct {
	exec     loop.Executor
	factory  channel.Factory
	resolver channel.Resolver
	log      logging.LeveledLogger

	resolveTimeout time.Duration
}

// NewTransport wires a transport. log may be nil.
func NewTransport(exec loop.Executor, factory channel.Factory, resolver channel.Resolver, log logging.LeveledLogger) *Transport {
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("http")
	}
	return &Transport{
		exec:           exec,
		factory:        factory,
		resolver:       resolver,
		log:            log,
		resolveTimeout: DefaultResolveTimeout,
	}
}

// Executor returns the executor callbacks run on.
func (t *Transport) Executor() loop.Executor {
	return t.exec
}

// Do runs req and calls done exactly once with the result. The URI is
// parsed before Do returns; everything else happens on the executor.
func (t *Transport) Do(req Request, done func(Result)) {
	ep, err := ParseURI(req.URI)
	if err != nil {
		t.log.Warnf("%s %s: %v", req.Method, req.URI, err)
		t.exec.Post(func() { done(failure(GenericFailure)) })
		return
	}

	x := &exchange{transport: t, req: req, ep: ep, done: done}
	t.exec.Post(x.start)
}

// resolve looks up ep's host unless it is a literal address, then calls
// next on the executor with the resolved endpoint.
func (t *Transport) resolve(ep Endpoint, next func(Endpoint, error)) {
	if !ep.Unresolved() {
		next(ep, nil)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.resolveTimeout)
		defer cancel()

		addr, err := t.resolver.Resolve(ctx, ep.Host)
		t.exec.Post(func() {
			if err == nil {
				ep.Addr = addr
			}
			next(ep, err)
		})
	}()
}

// connect allocates a channel for ep and starts connecting. A non-nil error
// means the connect could not be issued.
func (t *Transport) connect(ep Endpoint, h channel.Handler) (channel.Channel, error) {
	ch := t.factory.Allocate(channel.FamilyOf(ep.Addr), ep.Secure, t.exec)
	ch.SetHandler(h)
	if err := ch.Connect(ep.AddrPort(), ep.Host); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}
