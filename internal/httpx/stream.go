package httpx

// StreamHandler receives a response incrementally. Calls happen on the
// transport's executor.
type StreamHandler interface {
	// OnResponse fires once the status line and headers have arrived.
	OnResponse(status int, header Header)
	// OnData delivers body bytes as they arrive.
	OnData(b []byte)
	// OnEnd fires exactly once unless the stream is closed locally first.
	// Success means the server closed after a well-formed head.
	OnEnd(code Code)
}

// Stream is a request whose response body is delivered as it arrives
// instead of being accumulated. It backs long-poll notification channels.
type Stream struct {
	x       *exchange
	handler StreamHandler
	data    []byte
	headed  bool
	closed  bool
}

// Open starts req and streams its response to h. Close must be called on
// the executor.
func (t *Transport) Open(req Request, h StreamHandler) *Stream {
	s := &Stream{handler: h}

	ep, err := ParseURI(req.URI)
	if err != nil {
		t.log.Warnf("%s %s: %v", req.Method, req.URI, err)
		t.exec.Post(func() { s.end(GenericFailure) })
		return s
	}

	s.x = &exchange{transport: t, req: req, ep: ep}
	s.x.done = func(res Result) { s.end(res.Code) }
	t.exec.Post(func() {
		if s.closed {
			return
		}
		t.resolve(ep, s.onResolved)
	})
	return s
}

// Close tears the stream down without an OnEnd event. Idempotent.
func (s *Stream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.x != nil {
		s.x.stage = stageDone
		if s.x.ch != nil {
			s.x.ch.Close()
		}
	}
}

func (s *Stream) onResolved(ep Endpoint, err error) {
	if s.closed {
		return
	}
	x := s.x
	if err != nil {
		x.transport.log.Warnf("%s %s: %v", x.req.Method, x.req.URI, err)
		x.complete(failure(NameResolutionFailure))
		return
	}
	x.ep = ep
	x.stage = stageConnecting

	ch, err := x.transport.connect(ep, s)
	if err != nil {
		x.transport.log.Warnf("%s %s: connect %s: %v", x.req.Method, x.req.URI, ep.AddrPort(), err)
		x.complete(failure(ConnectionFailure))
		return
	}
	x.ch = ch
}

func (s *Stream) OnConnect() {
	s.x.OnConnect()
}

func (s *Stream) OnRead() {
	x := s.x
	if x.stage != stageReceiving {
		return
	}

	buf := make([]byte, 16*1024)
	for {
		n, err := x.ch.Recv(buf)
		if n > 0 {
			s.consume(buf[:n])
		}
		if n == 0 || err != nil || x.stage != stageReceiving {
			return
		}
	}
}

func (s *Stream) consume(b []byte) {
	x := s.x
	if s.headed {
		s.handler.OnData(append([]byte(nil), b...))
		return
	}

	s.data = append(s.data, b...)
	head, n, err := parseHead(s.data)
	if err != nil {
		x.transport.log.Warnf("%s %s: %v", x.req.Method, x.req.URI, err)
		x.complete(failure(ParseFailure))
		return
	}
	if head == nil {
		return
	}

	s.headed = true
	rest := s.data[n:]
	s.data = nil
	s.handler.OnResponse(head.status, head.header)
	if len(rest) > 0 && x.stage == stageReceiving {
		s.handler.OnData(rest)
	}
}

func (s *Stream) OnClose(err error) {
	x := s.x
	switch x.stage {
	case stageConnecting:
		x.OnClose(err)
	case stageReceiving:
		s.OnRead()
		if x.stage != stageReceiving {
			return
		}
		switch {
		case s.headed:
			x.complete(Result{Code: Success})
		case len(s.data) == 0:
			x.complete(failure(ReceiveFailure))
		default:
			x.complete(failure(ParseFailure))
		}
	}
}

func (s *Stream) end(code Code) {
	if s.closed {
		return
	}
	s.closed = true
	s.handler.OnEnd(code)
}
