package httpx

import (
	"errors"

	"peerlink/native/internal/channel"
)

type exchangeStage int

const (
	stageResolving exchangeStage = iota
	stageConnecting
	stageReceiving
	stageDone
)

// exchange is one request/response cycle. It lives on the executor only.
type exchange struct {
	transport *Transport
	req       Request
	ep        Endpoint
	done      func(Result)

	stage exchangeStage
	ch    channel.Channel
	data  []byte
	head  *responseHead
	body  int
}

func (x *exchange) start() {
	x.transport.resolve(x.ep, x.onResolved)
}

func (x *exchange) onResolved(ep Endpoint, err error) {
	if x.stage != stageResolving {
		return
	}
	if err != nil {
		x.transport.log.Warnf("%s %s: %v", x.req.Method, x.req.URI, err)
		x.complete(failure(NameResolutionFailure))
		return
	}
	x.ep = ep
	x.stage = stageConnecting

	ch, err := x.transport.connect(ep, x)
	if err != nil {
		x.transport.log.Warnf("%s %s: connect %s: %v", x.req.Method, x.req.URI, ep.AddrPort(), err)
		x.complete(failure(ConnectionFailure))
		return
	}
	x.ch = ch
}

func (x *exchange) OnConnect() {
	if x.stage != stageConnecting {
		return
	}
	x.stage = stageReceiving

	raw := x.req.format(x.ep)
	n, err := x.ch.Send(raw)
	if err != nil || n != len(raw) {
		x.transport.log.Warnf("%s %s: sent %d of %d bytes: %v", x.req.Method, x.req.URI, n, len(raw), err)
		x.complete(failure(SendFailure))
	}
}

func (x *exchange) OnRead() {
	if x.stage != stageReceiving {
		return
	}
	x.drain()

	if x.head == nil {
		head, n, err := parseHead(x.data)
		if err != nil || head == nil {
			// a broken head is reported once the peer closes
			return
		}
		x.head, x.body = head, n
	}
	if x.head.contentLength >= 0 && len(x.data)-x.body >= x.head.contentLength {
		x.finish()
	}
}

func (x *exchange) OnClose(err error) {
	switch x.stage {
	case stageConnecting:
		x.transport.log.Warnf("%s %s: connect %s: %v", x.req.Method, x.req.URI, x.ep.AddrPort(), err)
		x.complete(failure(ConnectionFailure))
	case stageReceiving:
		x.drain()
		if err != nil {
			x.transport.log.Debugf("%s %s: connection ended: %v", x.req.Method, x.req.URI, err)
		}
		x.finish()
	}
}

func (x *exchange) drain() {
	buf := make([]byte, 16*1024)
	for {
		n, err := x.ch.Recv(buf)
		if n > 0 {
			x.data = append(x.data, buf[:n]...)
		}
		if n == 0 || err != nil {
			return
		}
	}
}

func (x *exchange) finish() {
	if len(x.data) == 0 {
		x.complete(failure(ReceiveFailure))
		return
	}

	res, err := parseResponse(x.data)
	switch {
	case errors.Is(err, errTruncated):
		x.transport.log.Warnf("%s %s: %v", x.req.Method, x.req.URI, err)
		x.complete(failure(ReceiveFailure))
	case err != nil:
		x.transport.log.Warnf("%s %s: %v", x.req.Method, x.req.URI, err)
		x.complete(failure(ParseFailure))
	default:
		x.transport.log.Debugf("%s %s: %d (%d body bytes)", x.req.Method, x.req.URI, res.Status, len(res.Body))
		x.complete(res)
	}
}

// complete publishes res unless a result was already published, and
// releases the channel.
func (x *exchange) complete(res Result) {
	if x.stage == stageDone {
		return
	}
	x.stage = stageDone
	if x.ch != nil {
		x.ch.Close()
	}
	x.done(res)
}
