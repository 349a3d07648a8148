package webrtc

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"

	"peerlink/native/internal/domain"
)

// Config describes how a Peer is built.
type Config struct {
	ICEServers []domain.ICEServer
	// Label names the data channel opened by the offering side.
	Label string
	// AllowLoopback keeps loopback candidates, for peers on one host.
	AllowLoopback bool
	LoggerFactory logging.LoggerFactory
}

// ICEServers builds the server list from the published values. The relay
// entry is only added when credentials were acquired.
func ICEServers(stunURL, turnURL string, values domain.Values) []domain.ICEServer {
	var servers []domain.ICEServer
	if stunURL != "" {
		servers = append(servers, domain.ICEServer{URL: stunURL})
	}
	if turnURL != "" && values.TurnUsername != "" {
		servers = append(servers, domain.ICEServer{
			URL:        turnURL,
			Username:   values.TurnUsername,
			Credential: values.TurnPassword,
		})
	}
	return servers
}

var errClosed = errors.New("peer closed")

var _ domain.Peer = (*Peer)(nil)

// Peer wraps a Pion PeerConnection and its DataChannel.
type Peer struct {
	pc    *pion.PeerConnection
	label string
	log   logging.LeveledLogger

	allowLoopback bool

	mu        sync.Mutex
	dc        *pion.DataChannel
	remoteSet bool
	pending   []domain.ICECandidatePayload
	onMessage func([]byte)
	onOpen    func()
	closed    bool
}

// NewPeer creates a PeerConnection with a nack responder and the given
// ICE servers.
func NewPeer(cfg Config) (*Peer, error) {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.Label == "" {
		cfg.Label = "peerlink"
	}

	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)

	s := pion.SettingEngine{LoggerFactory: cfg.LoggerFactory}
	s.SetIncludeLoopbackCandidate(cfg.AllowLoopback)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(s),
	)

	var servers []pion.ICEServer
	for _, srv := range cfg.ICEServers {
		servers = append(servers, pion.ICEServer{
			URLs:       []string{srv.URL},
			Username:   srv.Username,
			Credential: srv.Credential,
		})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:            pc,
		label:         cfg.Label,
		log:           cfg.LoggerFactory.NewLogger("peer"),
		allowLoopback: cfg.AllowLoopback,
	}

	pc.OnDataChannel(func(dc *pion.DataChannel) {
		p.log.Infof("remote opened data channel %q", dc.Label())
		p.attach(dc)
	})
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.log.Infof("ICE connection state: %s", state)
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Infof("peer connection state: %s", state)
	})

	return p, nil
}

// OnMessage sets the handler for data channel messages.
func (p *Peer) OnMessage(fn func([]byte)) {
	p.mu.Lock()
	p.onMessage = fn
	p.mu.Unlock()
}

// OnOpen sets the handler fired when the data channel opens.
func (p *Peer) OnOpen(fn func()) {
	p.mu.Lock()
	p.onOpen = fn
	p.mu.Unlock()
}

func (p *Peer) attach(dc *pion.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.log.Infof("data channel %q opened", dc.Label())
		p.mu.Lock()
		fn := p.onOpen
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		p.mu.Lock()
		fn := p.onMessage
		p.mu.Unlock()
		if fn != nil {
			fn(msg.Data)
		}
	})
	dc.OnClose(func() {
		p.log.Infof("data channel %q closed", dc.Label())
	})
}

// Send writes text on the data channel once it is open.
func (p *Peer) Send(text string) error {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil {
		return errors.New("data channel not open")
	}
	return dc.SendText(text)
}

// SetOnICECandidate registers the callback for locally discovered ICE candidates.
func (p *Peer) SetOnICECandidate(send func(candidate domain.ICECandidatePayload)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			p.log.Debugf("ICE gathering complete")
			return
		}

		init := c.ToJSON()
		if !p.allowLoopback && isLoopback(init.Candidate) {
			p.log.Debugf("filtering loopback ICE candidate")
			return
		}

		payload := domain.ICECandidatePayload{Candidate: init.Candidate}
		if init.SDPMid != nil {
			payload.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			payload.SDPMLineIndex = int(*init.SDPMLineIndex)
		}

		p.log.Debugf("local ICE candidate: %s", init.Candidate)
		send(payload)
	})
}

// CreateOffer opens the data channel, creates an SDP offer and sets it as
// the local description.
func (p *Peer) CreateOffer() (domain.SDPPayload, error) {
	dc, err := p.pc.CreateDataChannel(p.label, nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create data channel: %w", err)
	}
	p.attach(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}

	p.log.Infof("local SDP offer set")
	return domain.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// AcceptOffer applies a remote offer and returns the local answer.
func (p *Peer) AcceptOffer(sdp domain.SDPPayload) (domain.SDPPayload, error) {
	offer := pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sdp.SDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set remote description: %w", err)
	}
	if err := p.flushCandidates(); err != nil {
		return domain.SDPPayload{}, err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}

	p.log.Infof("remote SDP offer accepted")
	return domain.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetRemoteDescription applies the remote answer and adds any candidates
// that arrived before it.
func (p *Peer) SetRemoteDescription(sdp domain.SDPPayload) error {
	answer := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: sdp.SDP}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.log.Infof("remote SDP answer set")
	return p.flushCandidates()
}

// AddRemoteICECandidate adds candidate, holding it until the remote
// description is set.
func (p *Peer) AddRemoteICECandidate(candidate domain.ICECandidatePayload) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errClosed
	}
	if !p.remoteSet {
		p.pending = append(p.pending, candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.addCandidate(candidate)
}

func (p *Peer) flushCandidates() error {
	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.addCandidate(c); err != nil {
			return err
		}
	}
	return nil
}

func (p *Peer) addCandidate(candidate domain.ICECandidatePayload) error {
	sdpMLineIndex := uint16(candidate.SDPMLineIndex)
	init := pion.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &candidate.SDPMid,
		SDPMLineIndex: &sdpMLineIndex,
	}

	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}

	p.log.Debugf("added remote ICE candidate")
	return nil
}

// Close shuts down the DataChannel and PeerConnection.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	dc := p.dc
	p.mu.Unlock()

	if dc != nil {
		dc.Close()
	}
	p.pc.Close()
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
