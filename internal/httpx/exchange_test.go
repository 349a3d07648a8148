package httpx

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"testing"
	"time"

	"peerlink/native/internal/channel"
	"peerlink/native/internal/loop"
)

// captured is what a fake server saw.
type captured struct {
	method string
	uri    string
	host   string
	header http.Header
	body   string
}

// respond returns a serve func that reads one request, writes raw and
// closes. Requests are reported on seen.
func respond(raw string, seen chan<- captured) func(net.Conn, netip.AddrPort) {
	return func(remote net.Conn, _ netip.AddrPort) {
		defer remote.Close()

		req, err := http.ReadRequest(bufio.NewReader(remote))
		if err != nil {
			return
		}
		body, _ := io.ReadAll(req.Body)
		if seen != nil {
			seen <- captured{
				method: req.Method,
				uri:    req.RequestURI,
				host:   req.Host,
				header: req.Header,
				body:   string(body),
			}
		}
		io.WriteString(remote, raw)
	}
}

func newTestTransport(t *testing.T, factory *channel.MemoryFactory) *Transport {
	t.Helper()
	l := loop.New()
	t.Cleanup(l.Stop)
	return NewTransport(l, factory, factory, nil)
}

func do(t *testing.T, tr *Transport, req Request) Result {
	t.Helper()
	results := make(chan Result, 2)
	tr.Do(req, func(res Result) { results <- res })

	var res Result
	select {
	case res = <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("exchange never completed")
	}
	select {
	case extra := <-results:
		t.Fatalf("exchange completed twice, second result %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
	return res
}

func TestExchange_Success(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"X-Powered-By: Express\r\n" +
		"Pragma: 2\r\n" +
		"Content-Type: text/plain;charset=utf-8\r\n" +
		"\r\n" +
		"alice,2,1\nbob,1,0\n"

	factory := channel.NewMemoryFactory(respond(raw, nil))
	res := do(t, newTestTransport(t, factory), Get("http://localhost:8888/sign_in?carol", Header{}))

	if res.Code != Success {
		t.Fatalf("expected Success, got %v", res.Code)
	}
	if res.Status != 200 {
		t.Errorf("expected status 200, got %d", res.Status)
	}
	if res.Header.Len() != 3 {
		t.Errorf("expected 3 headers, got %d", res.Header.Len())
	}
	for _, name := range []string{"X-Powered-By", "Pragma", "Content-Type"} {
		count := 0
		for _, f := range res.Header.Fields() {
			if f.Name == name {
				count++
			}
		}
		if count != 1 {
			t.Errorf("expected header %s exactly once, got %d", name, count)
		}
	}
	if string(res.Body) != "alice,2,1\nbob,1,0\n" {
		t.Errorf("unexpected body %q", res.Body)
	}

	dials := factory.Dials()
	if len(dials) != 1 || dials[0] != netip.MustParseAddrPort("127.0.0.1:8888") {
		t.Errorf("expected one dial to 127.0.0.1:8888, got %v", dials)
	}
}

func TestExchange_RequestFormat(t *testing.T) {
	seen := make(chan captured, 1)
	factory := channel.NewMemoryFactory(respond("HTTP/1.1 200 OK\r\n\r\n", seen))
	tr := newTestTransport(t, factory)

	req := Request{
		Method: "post",
		URI:    "http://localhost:8888/message?peer_id=1&to=2",
		Header: NewHeader("Authorization", "Bearer abc"),
		Body:   []byte("hello"),
	}
	res := do(t, tr, req)
	if res.Code != Success {
		t.Fatalf("expected Success, got %v", res.Code)
	}

	got := <-seen
	if got.method != "POST" {
		t.Errorf("expected upper-cased method, got %q", got.method)
	}
	if got.uri != "/message?peer_id=1&to=2" {
		t.Errorf("unexpected request uri %q", got.uri)
	}
	if got.host != "localhost:8888" {
		t.Errorf("unexpected host %q", got.host)
	}
	if got.header.Get("Authorization") != "Bearer abc" {
		t.Errorf("expected authorization header, got %q", got.header.Get("Authorization"))
	}
	if got.body != "hello\r\n" {
		t.Errorf("expected body with trailing terminator, got %q", got.body)
	}
}

func TestExchange_EmptyResponseIsReceiveFailure(t *testing.T) {
	factory := channel.NewMemoryFactory(respond("", nil))
	res := do(t, newTestTransport(t, factory), Get("http://localhost/", Header{}))

	if res.Code != ReceiveFailure {
		t.Fatalf("expected ReceiveFailure, got %v", res.Code)
	}
	if res.Status != 0 || res.Header.Len() != 0 || len(res.Body) != 0 {
		t.Errorf("expected empty fields on failure, got %+v", res)
	}
}

func TestExchange_UnresolvableHost(t *testing.T) {
	factory := channel.NewMemoryFactory(respond("HTTP/1.1 200 OK\r\n\r\n", nil))
	res := do(t, newTestTransport(t, factory), Get("http://nowhere.invalid/", Header{}))

	if res.Code != NameResolutionFailure {
		t.Fatalf("expected NameResolutionFailure, got %v", res.Code)
	}
	if n := factory.Allocations(); n != 0 {
		t.Errorf("expected no channel allocations, got %d", n)
	}
	if dials := factory.Dials(); len(dials) != 0 {
		t.Errorf("expected no connect attempts, got %v", dials)
	}
}

func TestExchange_LiteralAddressSkipsResolution(t *testing.T) {
	factory := channel.NewMemoryFactory(respond("HTTP/1.1 204 No Content\r\n\r\n", nil))
	res := do(t, newTestTransport(t, factory), Get("http://10.0.0.5:9000/", Header{}))

	if res.Code != Success || res.Status != 204 {
		t.Fatalf("expected Success/204, got %v/%d", res.Code, res.Status)
	}
	if lookups := factory.Lookups(); len(lookups) != 0 {
		t.Errorf("expected no lookups, got %v", lookups)
	}
}

func TestExchange_ConnectionRefused(t *testing.T) {
	factory := channel.NewMemoryFactory(nil)
	factory.SetRefuse(true)
	res := do(t, newTestTransport(t, factory), Get("http://localhost/", Header{}))

	if res.Code != ConnectionFailure {
		t.Fatalf("expected ConnectionFailure, got %v", res.Code)
	}
}

func TestExchange_MalformedStatusIsParseFailure(t *testing.T) {
	factory := channel.NewMemoryFactory(respond("SSH-2.0-OpenSSH\r\n\r\n", nil))
	res := do(t, newTestTransport(t, factory), Get("http://localhost/", Header{}))

	if res.Code != ParseFailure {
		t.Fatalf("expected ParseFailure, got %v", res.Code)
	}
	if res.Status != 0 || res.Header.Len() != 0 {
		t.Errorf("expected no partial result, got %+v", res)
	}
}

func TestExchange_TruncatedBodyIsReceiveFailure(t *testing.T) {
	factory := channel.NewMemoryFactory(respond("HTTP/1.1 200 OK\r\nContent-Length: 50\r\n\r\nshort", nil))
	res := do(t, newTestTransport(t, factory), Get("http://localhost/", Header{}))

	if res.Code != ReceiveFailure {
		t.Fatalf("expected ReceiveFailure, got %v", res.Code)
	}
}

func TestExchange_ContentLengthCompletesWithoutClose(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	factory := channel.NewMemoryFactory(func(remote net.Conn, _ netip.AddrPort) {
		defer remote.Close()
		if _, err := http.ReadRequest(bufio.NewReader(remote)); err != nil {
			return
		}
		io.WriteString(remote, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nConnection: keep-alive\r\n\r\nhello")
		<-release
	})
	res := do(t, newTestTransport(t, factory), Get("http://localhost/", Header{}))

	if res.Code != Success || string(res.Body) != "hello" {
		t.Fatalf("expected Success with body, got %v %q", res.Code, res.Body)
	}
}

func TestExchange_BadURI(t *testing.T) {
	factory := channel.NewMemoryFactory(nil)
	res := do(t, newTestTransport(t, factory), Get("http://host:99999/", Header{}))

	if res.Code != GenericFailure {
		t.Fatalf("expected GenericFailure, got %v", res.Code)
	}
	if factory.Allocations() != 0 {
		t.Error("expected no allocation for an unparseable uri")
	}
}

// streamRecorder collects stream callbacks.
type streamRecorder struct {
	status int
	header Header
	data   strings.Builder
	end    chan Code
}

func (r *streamRecorder) OnResponse(status int, header Header) {
	r.status, r.header = status, header
}
func (r *streamRecorder) OnData(b []byte) { r.data.Write(b) }
func (r *streamRecorder) OnEnd(code Code) { r.end <- code }

func TestStream_DeliversBodyIncrementally(t *testing.T) {
	factory := channel.NewMemoryFactory(func(remote net.Conn, _ netip.AddrPort) {
		defer remote.Close()
		if _, err := http.ReadRequest(bufio.NewReader(remote)); err != nil {
			return
		}
		io.WriteString(remote, "HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\n\r\nevent: a\n")
		io.WriteString(remote, "data: 1\n\n")
		io.WriteString(remote, "event: b\ndata: 2\n\n")
	})
	tr := newTestTransport(t, factory)

	rec := &streamRecorder{end: make(chan Code, 2)}
	tr.Open(Get("http://localhost/wait?peer_id=1", Header{}), rec)

	select {
	case code := <-rec.end:
		if code != Success {
			t.Fatalf("expected Success, got %v", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream never ended")
	}

	if rec.status != 200 {
		t.Errorf("expected status 200, got %d", rec.status)
	}
	if ct, _ := rec.header.Get("content-type"); ct != "text/event-stream" {
		t.Errorf("unexpected content type %q", ct)
	}
	if got := rec.data.String(); got != "event: a\ndata: 1\n\nevent: b\ndata: 2\n\n" {
		t.Errorf("unexpected stream data %q", got)
	}
}

func TestStream_CloseSuppressesEnd(t *testing.T) {
	l := loop.New()
	defer l.Stop()

	hold := make(chan struct{})
	defer close(hold)
	factory := channel.NewMemoryFactory(func(remote net.Conn, _ netip.AddrPort) {
		defer remote.Close()
		<-hold
	})
	tr := NewTransport(l, factory, factory, nil)

	rec := &streamRecorder{end: make(chan Code, 1)}
	var s *Stream
	l.Invoke(func() { s = tr.Open(Get("http://localhost/wait", Header{}), rec) })
	l.Invoke(func() { s.Close(); s.Close() })

	select {
	case code := <-rec.end:
		t.Fatalf("expected no end event after Close, got %v", code)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStream_RefusedEndsWithConnectionFailure(t *testing.T) {
	factory := channel.NewMemoryFactory(nil)
	factory.SetRefuse(true)
	tr := newTestTransport(t, factory)

	rec := &streamRecorder{end: make(chan Code, 1)}
	tr.Open(Get("http://localhost/wait", Header{}), rec)

	select {
	case code := <-rec.end:
		if code != ConnectionFailure {
			t.Fatalf("expected ConnectionFailure, got %v", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream never ended")
	}
}
