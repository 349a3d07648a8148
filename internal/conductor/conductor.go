package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/logging"

	"peerlink/native/internal/domain"
)

const noPeer = -1

// PeerFactory builds the peer connection for one call.
type PeerFactory func() (domain.Peer, error)

// Conductor coordinates the signaling session and one WebRTC call.
// It implements domain.Observer; every callback runs on the session loop.
type Conductor struct {
	signal   domain.Signaler
	newPeer  PeerFactory
	cancel   context.CancelFunc
	log      logging.LeveledLogger
	initiate bool

	peer   domain.Peer
	remote int

	// sends not yet reported by OnMessageSent, per peer. Candidates are
	// sent from pion's goroutines.
	mu      sync.Mutex
	pending map[int]int

	bye     chan struct{}
	byeTo   int
	ended   chan struct{}
	endOnce sync.Once
}

// New creates a Conductor. With initiate set it calls the first peer that
// connects; otherwise it waits for an offer.
// Call SetSignaler before use to complete the circular dependency.
func New(newPeer PeerFactory, initiate bool, cancel context.CancelFunc, log logging.LeveledLogger) *Conductor {
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("conductor")
	}
	return &Conductor{
		newPeer:  newPeer,
		initiate: initiate,
		cancel:   cancel,
		log:      log,
		remote:   noPeer,
		pending:  make(map[int]int),
		ended:    make(chan struct{}),
	}
}

// SetSignaler injects the signaler after construction to resolve the
// circular dependency (Conductor needs Signaler, Signaler needs Observer).
func (c *Conductor) SetSignaler(s domain.Signaler) {
	c.signal = s
}

// Remote returns the peer in the current call, or -1.
func (c *Conductor) Remote() int {
	return c.remote
}

// Ended is closed once the signaling session is over, whether it signed
// out or never got in.
func (c *Conductor) Ended() <-chan struct{} {
	return c.ended
}

func (c *Conductor) end() {
	c.endOnce.Do(func() { close(c.ended) })
}

func (c *Conductor) OnSignedIn() {
	c.log.Infof("signed in, waiting for peers")
}

func (c *Conductor) OnDisconnected() {
	c.log.Infof("signaling session ended")
	c.endCall()
	c.releaseBye()
	c.end()
	c.cancel()
}

func (c *Conductor) OnServerConnectionFailure() {
	c.log.Errorf("could not reach the signaling server")
	c.releaseBye()
	c.end()
	c.cancel()
}

func (c *Conductor) OnHeartbeatMissed(code domain.Code) {
	c.log.Warnf("heartbeat missed: %s", code)
}

func (c *Conductor) OnPeerConnected(id int, name string) {
	c.log.Infof("peer %d (%s) connected", id, name)
	if !c.initiate || c.remote != noPeer {
		return
	}
	if err := c.startCall(id); err != nil {
		c.log.Errorf("call peer %d: %v", id, err)
		c.endCall()
	}
}

func (c *Conductor) OnPeerDisconnected(id int) {
	c.log.Infof("peer %d disconnected", id)
	if id == c.remote {
		c.endCall()
		c.cancel()
	}
}

func (c *Conductor) OnPeerHangup(id int) {
	c.log.Infof("peer %d hung up", id)
	if id == c.remote {
		c.endCall()
		c.cancel()
	}
}

func (c *Conductor) OnMessageSent(peerID int, code domain.Code) {
	if code != domain.Success {
		c.log.Warnf("message to %d not delivered: %s", peerID, code)
	}

	c.mu.Lock()
	if c.pending[peerID] > 0 {
		c.pending[peerID]--
	}
	left := c.pending[peerID]
	if left == 0 {
		delete(c.pending, peerID)
	}
	c.mu.Unlock()

	if c.bye != nil && peerID == c.byeTo && left == 0 {
		c.releaseBye()
	}
}

func (c *Conductor) OnMessageReceived(peerID int, payload []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.log.Warnf("message from %d: %v", peerID, err)
		return
	}

	if c.remote == noPeer && env.Type == domain.EnvelopeOffer {
		if err := c.answerCall(peerID, env); err != nil {
			c.log.Errorf("answer peer %d: %v", peerID, err)
			c.endCall()
		}
		return
	}
	if peerID != c.remote {
		c.log.Debugf("ignoring %s from %d, in a call with %d", env.Type, peerID, c.remote)
		return
	}

	switch env.Type {
	case domain.EnvelopeAnswer:
		if env.SDP == nil {
			c.log.Warnf("answer from %d has no sdp", peerID)
			return
		}
		if err := c.peer.SetRemoteDescription(*env.SDP); err != nil {
			c.log.Errorf("set remote description: %v", err)
		}
	case domain.EnvelopeCandidate:
		if env.Candidate == nil {
			c.log.Warnf("candidate from %d is empty", peerID)
			return
		}
		if err := c.peer.AddRemoteICECandidate(*env.Candidate); err != nil {
			c.log.Errorf("add remote ICE candidate: %v", err)
		}
	default:
		c.log.Warnf("unexpected %q from %d", env.Type, peerID)
	}
}

// Hangup tells the remote peer the call is over and closes it. The
// returned channel is closed once the server has answered the BYE and
// everything sent before it, so signing out afterwards cannot overtake
// it. Without a call it is already closed.
func (c *Conductor) Hangup() <-chan struct{} {
	done := make(chan struct{})
	if c.remote == noPeer {
		close(done)
		return done
	}

	c.releaseBye()
	c.bye, c.byeTo = done, c.remote
	c.send(c.remote, []byte(domain.Hangup))
	c.endCall()
	return done
}

func (c *Conductor) releaseBye() {
	if c.bye != nil {
		close(c.bye)
		c.bye = nil
	}
}

func (c *Conductor) setupPeer(remote int) error {
	peer, err := c.newPeer()
	if err != nil {
		return fmt.Errorf("create peer: %w", err)
	}
	c.peer = peer
	c.remote = remote

	peer.SetOnICECandidate(func(candidate domain.ICECandidatePayload) {
		c.sendEnvelope(remote, domain.Envelope{Type: domain.EnvelopeCandidate, Candidate: &candidate})
	})
	return nil
}

func (c *Conductor) startCall(remote int) error {
	if err := c.setupPeer(remote); err != nil {
		return err
	}
	c.log.Infof("calling peer %d", remote)

	sdp, err := c.peer.CreateOffer()
	if err != nil {
		return err
	}
	c.sendEnvelope(remote, domain.Envelope{Type: domain.EnvelopeOffer, SDP: &sdp})
	return nil
}

func (c *Conductor) answerCall(remote int, offer domain.Envelope) error {
	if offer.SDP == nil {
		return fmt.Errorf("offer has no sdp")
	}
	if err := c.setupPeer(remote); err != nil {
		return err
	}
	c.log.Infof("answering peer %d", remote)

	sdp, err := c.peer.AcceptOffer(*offer.SDP)
	if err != nil {
		return err
	}
	c.sendEnvelope(remote, domain.Envelope{Type: domain.EnvelopeAnswer, SDP: &sdp})
	return nil
}

func (c *Conductor) endCall() {
	if c.peer != nil {
		c.peer.Close()
		c.peer = nil
	}
	c.remote = noPeer
}

func (c *Conductor) sendEnvelope(to int, env domain.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.log.Errorf("encode %s: %v", env.Type, err)
		return
	}
	c.send(to, data)
}

func (c *Conductor) send(to int, payload []byte) {
	c.mu.Lock()
	c.pending[to]++
	c.mu.Unlock()
	c.signal.Send(to, payload)
}
