package server

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"peerlink/native/internal/domain"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testConfig = Config{
	JWTSecret: []byte("test-secret"),
	Clients:   map[string]string{"render-node": "s3cret"},
	Keepalive: 50 * time.Millisecond,
	Turn: TurnConfig{
		SharedSecret: "turn-secret",
		TTL:          time.Hour,
		Prefix:       "peerlink",
		URIs:         []string{"turn:localhost:3478"},
	},
}

func newTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(cfg, nil, opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func get(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	return resp
}

func post(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func token(t *testing.T, base string) string {
	t.Helper()
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"render-node"},
		"client_secret": {"s3cret"},
		"resource":      {"api://peerlink"},
	}
	resp, err := http.PostForm(base+"/oauth2/token", form)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token request: %d %s", resp.StatusCode, readBody(t, resp))
	}

	var body tokenResponse
	if err := json.Unmarshal([]byte(readBody(t, resp)), &body); err != nil {
		t.Fatal(err)
	}
	if body.TokenType != "Bearer" || body.ExpiresIn != int64(DefaultTokenTTL/time.Second) {
		t.Errorf("unexpected token response %+v", body)
	}
	return body.AccessToken
}

func TestSignIn_ListsPeersSelfFirst(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	resp := get(t, ts.URL+"/sign_in?alice", "")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Pragma") != "1" {
		t.Fatalf("unexpected sign in %d pragma %q", resp.StatusCode, resp.Header.Get("Pragma"))
	}
	readBody(t, resp)

	resp = get(t, ts.URL+"/sign_in?bob%20smith", "")
	if resp.Header.Get("Pragma") != "2" {
		t.Errorf("expected id 2, got %q", resp.Header.Get("Pragma"))
	}
	if body := readBody(t, resp); body != "bob smith,2,1\nalice,1,1\n" {
		t.Errorf("unexpected body %q", body)
	}
}

func TestSignIn_Rejects(t *testing.T) {
	_, ts := newTestServer(t, Config{})

	if resp := get(t, ts.URL+"/sign_in", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for empty name, got %d", resp.StatusCode)
	}
	if resp := get(t, ts.URL+"/sign_in?a,b", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for comma, got %d", resp.StatusCode)
	}
	get(t, ts.URL+"/sign_in?alice", "")
	if resp := get(t, ts.URL+"/sign_in?alice", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 for duplicate, got %d", resp.StatusCode)
	}
}

func TestWait_StreamsEventsWithoutChunking(t *testing.T) {
	_, ts := newTestServer(t, testConfig)
	tok := token(t, ts.URL)

	get(t, ts.URL+"/sign_in?alice", tok).Body.Close()
	resp := get(t, ts.URL+"/wait?peer_id=1", tok)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if len(resp.TransferEncoding) != 0 || resp.ContentLength != -1 {
		t.Errorf("expected close-delimited body, got te=%v cl=%d", resp.TransferEncoding, resp.ContentLength)
	}

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	get(t, ts.URL+"/sign_in?bob", tok).Body.Close()
	// the trailing line terminator belongs to the request, not the payload
	if r := post(t, ts.URL+"/message?peer_id=2&to=1", tok, " line one\r\nline two\n\r\n"); r.StatusCode != http.StatusOK {
		t.Fatalf("message: %d", r.StatusCode)
	}
	data, err := json.Marshal(domain.MessageEvent{Payload: []byte(" line one\r\nline two\n")})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"event:peer", "data:bob,2,1", "", "id:2", "event:message", "data:" + string(data), ""}
	var got []string
	deadline := time.After(2 * time.Second)
	for len(got) < len(want) {
		select {
		case l, ok := <-lines:
			if !ok {
				t.Fatalf("stream ended early, got %q", got)
			}
			if strings.HasPrefix(l, ":") {
				continue
			}
			if l == "" && (len(got) == 0 || got[len(got)-1] == "") {
				continue
			}
			got = append(got, l)
		case <-deadline:
			t.Fatalf("timed out, got %q", got)
		}
	}
	for i := range want {
		if strings.ReplaceAll(got[i], ": ", ":") != want[i] {
			t.Errorf("line %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestMessage_Errors(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	get(t, ts.URL+"/sign_in?alice", "").Body.Close()

	if r := post(t, ts.URL+"/message?peer_id=1&to=9", "", "hi"); r.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown recipient, got %d", r.StatusCode)
	}
	if r := post(t, ts.URL+"/message?peer_id=7&to=1", "", "hi"); r.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown sender, got %d", r.StatusCode)
	}
	if r := post(t, ts.URL+"/message?peer_id=x&to=1", "", "hi"); r.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad peer_id, got %d", r.StatusCode)
	}
	if r := post(t, ts.URL+"/message?peer_id=1&to=all", "", "hi"); r.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad to, got %d", r.StatusCode)
	}
}

func TestHeartbeatAndSignOut(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	get(t, ts.URL+"/sign_in?alice", "").Body.Close()

	if r := get(t, ts.URL+"/heartbeat?peer_id=1", ""); r.StatusCode != http.StatusOK {
		t.Errorf("heartbeat: %d", r.StatusCode)
	}
	if r := post(t, ts.URL+"/sign_out?peer_id=1", "", ""); r.StatusCode != http.StatusOK {
		t.Errorf("sign out: %d", r.StatusCode)
	}
	if r := get(t, ts.URL+"/heartbeat?peer_id=1", ""); r.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 after sign out, got %d", r.StatusCode)
	}
}

func TestReap_SignsOutIdlePeers(t *testing.T) {
	var clock atomic.Int64
	clock.Store(1_700_000_000)
	cfg := Config{PeerTimeout: 10 * time.Second}
	s, ts := newTestServer(t, cfg, WithClock(func() time.Time { return time.Unix(clock.Load(), 0) }))

	get(t, ts.URL+"/sign_in?alice", "").Body.Close()
	get(t, ts.URL+"/sign_in?bob", "").Body.Close()

	clock.Add(8)
	get(t, ts.URL+"/heartbeat?peer_id=2", "").Body.Close()

	clock.Add(8)
	s.reap()

	if _, ok := s.hub.lookup(1); ok {
		t.Error("expected alice to time out")
	}
	if _, ok := s.hub.lookup(2); !ok {
		t.Error("expected bob to stay")
	}
	if q := s.hub.drain(mustLookup(t, s, 2)); len(q) == 0 || q[len(q)-1].data != "alice,1,0" {
		t.Errorf("expected bob to be told alice left, got %+v", q)
	}
}

func mustLookup(t *testing.T, s *Server, id int) *member {
	t.Helper()
	m, ok := s.hub.lookup(id)
	if !ok {
		t.Fatalf("peer %d not found", id)
	}
	return m
}

func TestToken_ProtectsSignaling(t *testing.T) {
	_, ts := newTestServer(t, testConfig)

	if r := get(t, ts.URL+"/sign_in?alice", ""); r.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", r.StatusCode)
	}
	if r := get(t, ts.URL+"/sign_in?alice", "forged"); r.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 with bad token, got %d", r.StatusCode)
	}

	form := url.Values{"grant_type": {"client_credentials"}, "client_id": {"render-node"}, "client_secret": {"wrong"}}
	if r, _ := http.PostForm(ts.URL+"/oauth2/token", form); r.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad secret, got %d", r.StatusCode)
	}
	form.Set("grant_type", "password")
	if r, _ := http.PostForm(ts.URL+"/oauth2/token", form); r.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad grant, got %d", r.StatusCode)
	}

	if r := get(t, ts.URL+"/sign_in?alice", token(t, ts.URL)); r.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with token, got %d", r.StatusCode)
	}
}

func TestTurn_IssuesCoturnCredentials(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	_, ts := newTestServer(t, testConfig, WithClock(func() time.Time { return now }))

	resp := get(t, ts.URL+"/turn", token(t, ts.URL))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var creds TurnCredentials
	if err := json.Unmarshal([]byte(readBody(t, resp)), &creds); err != nil {
		t.Fatal(err)
	}

	parts := strings.Split(creds.Username, ":")
	if len(parts) != 3 || parts[0] != "1700003600" || parts[1] != "peerlink" || parts[2] == "" {
		t.Errorf("unexpected username %q", creds.Username)
	}
	mac := hmac.New(sha1.New, []byte("turn-secret"))
	mac.Write([]byte(creds.Username))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); creds.Password != want {
		t.Errorf("expected password %q, got %q", want, creds.Password)
	}
	if creds.TTL != 3600 || len(creds.URIs) != 1 {
		t.Errorf("unexpected ttl/uris %+v", creds)
	}
}

func TestTurnIssuer_Validation(t *testing.T) {
	if _, err := newTurnIssuer(TurnConfig{}, nil); err == nil {
		t.Error("expected error without secret")
	}
	if _, err := newTurnIssuer(TurnConfig{SharedSecret: "x", Prefix: "a:b"}, nil); err == nil {
		t.Error("expected error for prefix with colon")
	}
	issuer, err := newTurnIssuer(TurnConfig{SharedSecret: "x"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := issuer.issue("a:b"); err == nil {
		t.Error("expected error for session id with colon")
	}
}

func TestEvents_WebsocketFeed(t *testing.T) {
	_, ts := newTestServer(t, testConfig)
	tok := token(t, ts.URL)
	get(t, ts.URL+"/sign_in?alice", tok).Body.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?access_token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev PresenceEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev != (PresenceEvent{Type: "join", ID: 1, Name: "alice"}) {
		t.Errorf("unexpected snapshot %+v", ev)
	}

	get(t, ts.URL+"/sign_in?bob", tok).Body.Close()
	post(t, ts.URL+"/sign_out?peer_id=1", tok, "").Body.Close()

	for _, want := range []PresenceEvent{{Type: "join", ID: 2, Name: "bob"}, {Type: "leave", ID: 1, Name: "alice"}} {
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatal(err)
		}
		if ev != want {
			t.Errorf("expected %+v, got %+v", want, ev)
		}
	}
}

func TestHub_BroadcastSkipsSender(t *testing.T) {
	h := newHub(nil)
	alice, _, _ := h.join("alice")
	bob, _, _ := h.join("bob")
	carol, _, _ := h.join("carol")
	h.drain(alice)
	h.drain(bob)

	if err := h.deliver(carol.id, Broadcast, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	for _, m := range []*member{alice, bob} {
		q := h.drain(m)
		if len(q) != 1 || q[0].event != "message" || q[0].id != "3" {
			t.Fatalf("%s: unexpected queue %+v", m.name, q)
		}
		if msg, ok := q[0].data.(domain.MessageEvent); !ok || string(msg.Payload) != "hi" {
			t.Errorf("%s: unexpected data %+v", m.name, q[0].data)
		}
	}
	if q := h.drain(carol); len(q) != 0 {
		t.Errorf("sender should not receive its broadcast, got %+v", q)
	}
}
