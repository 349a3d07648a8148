package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/pion/logging"

	"peerlink/native/internal/domain"
	"peerlink/native/internal/httpx"
	"peerlink/native/internal/loop"
)

// Broadcast addresses every connected peer.
const Broadcast = -1

// DisconnectedID is the session id while not signed in.
const DisconnectedID = -1

// State is the session lifecycle state.
type State int32

const (
	Disconnected State = iota
	SigningIn
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case SigningIn:
		return "signing-in"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

var (
	errNoName   = errors.New("client name is required")
	errNoServer = errors.New("server is required")
)

// Client keeps a named session with a signaling server. Every field below
// the public methods is owned by the transport's loop; the public methods
// only post work onto it.
type Client struct {
	exec     loop.Executor
	http     *httpx.Transport
	observer domain.Observer
	log      logging.LeveledLogger

	stateView atomic.Int32
	idView    atomic.Int32

	state     State
	attempt   int
	base      string
	id        int
	auth      string
	heartbeat time.Duration
	beat      *time.Timer
	peers     map[int]string
	wait      *httpx.Stream
	outbox    map[int]*outQueue
}

// NewClient creates a disconnected client whose events go to observer.
func NewClient(transport *httpx.Transport, observer domain.Observer, log logging.LeveledLogger) *Client {
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("signal")
	}
	c := &Client{
		exec:     transport.Executor(),
		http:     transport,
		observer: observer,
		log:      log,
		id:       DisconnectedID,
		peers:    make(map[int]string),
		outbox:   make(map[int]*outQueue),
	}
	c.idView.Store(DisconnectedID)
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.stateView.Load())
}

// ID returns the id the server assigned, or DisconnectedID.
func (c *Client) ID() int {
	return int(c.idView.Load())
}

// SetAuthorization attaches a bearer token to every later request.
func (c *Client) SetAuthorization(token string) {
	c.exec.Post(func() {
		switch {
		case token == "":
			c.auth = ""
		case strings.HasPrefix(token, "Bearer "):
			c.auth = token
		default:
			c.auth = "Bearer " + token
		}
	})
}

// SetHeartbeat sets the keepalive interval. Zero disables it. Takes effect
// at the next sign-in.
func (c *Client) SetHeartbeat(interval time.Duration) {
	c.exec.Post(func() { c.heartbeat = interval })
}

// Connect signs in to server:port as clientName. The outcome is reported
// through OnSignedIn or OnServerConnectionFailure. Calls while a session
// exists are ignored.
func (c *Client) Connect(server string, port int, clientName string) error {
	if clientName == "" {
		return errNoName
	}
	if server == "" {
		return errNoServer
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}

	base := server
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	base = strings.TrimSuffix(base, "/") + ":" + strconv.Itoa(port)

	c.exec.Post(func() { c.signIn(base, clientName) })
	return nil
}

// Send queues payload for peerID (or Broadcast). Messages to one peer reach
// the server in the order Send was called; each produces one OnMessageSent.
func (c *Client) Send(peerID int, payload []byte) {
	payload = append([]byte(nil), payload...)
	c.exec.Post(func() { c.enqueue(peerID, payload) })
}

// Disconnect signs out. It is a no-op when already disconnected or
// disconnecting.
func (c *Client) Disconnect() {
	c.exec.Post(c.disconnect)
}

func (c *Client) setState(s State) {
	c.log.Debugf("state %s -> %s", c.state, s)
	c.state = s
	c.stateView.Store(int32(s))
}

func (c *Client) setID(id int) {
	c.id = id
	c.idView.Store(int32(id))
}

func (c *Client) header() httpx.Header {
	if c.auth == "" {
		return httpx.Header{}
	}
	return httpx.NewHeader("Authorization", c.auth)
}

func (c *Client) signIn(base, name string) {
	if c.state != Disconnected {
		c.log.Debugf("connect ignored in state %s", c.state)
		return
	}

	c.attempt++
	attempt := c.attempt
	c.base = base
	c.setState(SigningIn)

	c.log.Infof("signing in to %s as %s", base, name)
	uri := base + "/sign_in?" + url.QueryEscape(name)
	c.http.Do(httpx.Get(uri, c.header()), func(res httpx.Result) {
		c.onSignedIn(attempt, res)
	})
}

func (c *Client) onSignedIn(attempt int, res httpx.Result) {
	if c.state != SigningIn || attempt != c.attempt {
		return
	}

	id := DisconnectedID
	if res.OK() {
		pragma, _ := res.Header.Get("Pragma")
		if v, err := strconv.Atoi(strings.TrimSpace(pragma)); err == nil {
			id = v
		} else {
			c.log.Warnf("sign in: bad Pragma %q", pragma)
		}
	} else {
		c.log.Warnf("sign in failed: %s (status %d)", res.Code, res.Status)
	}

	if id == DisconnectedID {
		c.setState(Disconnected)
		c.observer.OnServerConnectionFailure()
		return
	}

	c.setID(id)
	c.setState(Connected)
	c.log.Infof("signed in with id %d", id)
	c.observer.OnSignedIn()

	for _, p := range parsePresenceList(res.Body) {
		c.applyPresence(p)
		if c.state != Connected || attempt != c.attempt {
			return
		}
	}

	c.startWait(attempt)
	c.scheduleHeartbeat(attempt)
}

func (c *Client) applyPresence(p presence) {
	if p.ID == c.id {
		return
	}
	_, known := c.peers[p.ID]
	switch {
	case p.connected && !known:
		c.peers[p.ID] = p.Name
		c.observer.OnPeerConnected(p.ID, p.Name)
	case !p.connected && known:
		delete(c.peers, p.ID)
		c.observer.OnPeerDisconnected(p.ID)
	}
}

func (c *Client) disconnect() {
	switch c.state {
	case Disconnected, Disconnecting:
		return
	case SigningIn:
		c.attempt++
		c.setState(Disconnected)
		c.observer.OnDisconnected()
		return
	}

	attempt := c.attempt
	c.setState(Disconnecting)
	c.stopActivity()

	uri := fmt.Sprintf("%s/sign_out?peer_id=%d", c.base, c.id)
	c.http.Do(httpx.Post(uri, c.header(), nil), func(res httpx.Result) {
		if c.state != Disconnecting || attempt != c.attempt {
			return
		}
		if !res.OK() {
			c.log.Warnf("sign out: %s (status %d)", res.Code, res.Status)
		}
		c.finishSession()
	})
}

// sessionLost ends a connected session after a transport failure.
func (c *Client) sessionLost(attempt int, reason string) {
	if c.state != Connected || attempt != c.attempt {
		return
	}
	c.log.Warnf("session lost: %s", reason)
	c.stopActivity()
	c.finishSession()
}

// stopActivity closes the long-poll stream, the heartbeat and the pending
// queue. In-flight sends still report their own result.
func (c *Client) stopActivity() {
	if c.wait != nil {
		c.wait.Close()
		c.wait = nil
	}
	if c.beat != nil {
		c.beat.Stop()
		c.beat = nil
	}
	c.flushOutbox()
}

func (c *Client) finishSession() {
	c.attempt++
	clear(c.peers)
	c.setID(DisconnectedID)
	c.setState(Disconnected)
	c.log.Infof("signed out")
	c.observer.OnDisconnected()
}

func (c *Client) startWait(attempt int) {
	uri := fmt.Sprintf("%s/wait?peer_id=%d", c.base, c.id)
	c.wait = c.http.Open(httpx.Get(uri, c.header()), &waiter{client: c, attempt: attempt})
}

func (c *Client) scheduleHeartbeat(attempt int) {
	if c.heartbeat <= 0 {
		return
	}
	c.beat = time.AfterFunc(c.heartbeat, func() {
		c.exec.Post(func() { c.onHeartbeat(attempt) })
	})
}

func (c *Client) onHeartbeat(attempt int) {
	if c.state != Connected || attempt != c.attempt {
		return
	}

	uri := fmt.Sprintf("%s/heartbeat?peer_id=%d", c.base, c.id)
	c.http.Do(httpx.Get(uri, c.header()), func(res httpx.Result) {
		if c.state != Connected || attempt != c.attempt {
			return
		}
		if !res.OK() {
			code := res.Code
			if code == httpx.Success {
				code = httpx.GenericFailure
			}
			c.log.Warnf("heartbeat missed: %s (status %d)", res.Code, res.Status)
			c.observer.OnHeartbeatMissed(code)
		}
	})
	c.scheduleHeartbeat(attempt)
}

func (c *Client) dispatch(attempt int, ev sse.Event) {
	if c.state != Connected || attempt != c.attempt {
		return
	}

	switch ev.Event {
	case "peer":
		for _, line := range strings.Split(eventData(ev), "\n") {
			p, err := parsePresence(line)
			if err != nil {
				c.log.Warnf("wait: %v", err)
				continue
			}
			c.applyPresence(p)
		}

	case "message":
		from, err := strconv.Atoi(ev.Id)
		if err != nil {
			c.log.Warnf("wait: message with bad sender %q", ev.Id)
			return
		}
		var msg domain.MessageEvent
		if err := json.Unmarshal([]byte(eventData(ev)), &msg); err != nil {
			c.log.Warnf("wait: message from %d: %v", from, err)
			return
		}
		if string(msg.Payload) == domain.Hangup {
			c.log.Infof("peer %d hung up", from)
			c.observer.OnPeerHangup(from)
			return
		}
		c.observer.OnMessageReceived(from, msg.Payload)

	default:
		c.log.Debugf("wait: unhandled event %q", ev.Event)
	}
}

// waiter consumes the long-poll stream for one session attempt.
type waiter struct {
	client  *Client
	attempt int
	stream  eventStream
}

func (w *waiter) OnResponse(status int, _ httpx.Header) {
	if status != 200 {
		w.client.sessionLost(w.attempt, fmt.Sprintf("wait returned status %d", status))
	}
}

func (w *waiter) OnData(b []byte) {
	for _, ev := range w.stream.feed(b) {
		w.client.dispatch(w.attempt, ev)
	}
}

func (w *waiter) OnEnd(code httpx.Code) {
	w.client.sessionLost(w.attempt, "wait channel closed: "+code.String())
}
