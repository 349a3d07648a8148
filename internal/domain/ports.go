package domain

// Observer receives signaling session events. Calls arrive on the
// session's loop, one at a time, in the order they happened.
type Observer interface {
	OnSignedIn()
	OnDisconnected()
	OnPeerConnected(id int, name string)
	OnPeerDisconnected(id int)
	// OnPeerHangup reports a peer that ended its call with BYE.
	OnPeerHangup(id int)
	OnMessageReceived(peerID int, payload []byte)
	OnMessageSent(peerID int, code Code)
	OnServerConnectionFailure()
	// OnHeartbeatMissed is a retriable warning; the session stays up.
	OnHeartbeatMissed(code Code)
}

// Signaler is the session surface the conductor drives.
type Signaler interface {
	Connect(server string, port int, clientName string) error
	Send(peerID int, payload []byte)
	Disconnect()
}

// Peer manages the WebRTC peer connection.
type Peer interface {
	SetOnICECandidate(send func(candidate ICECandidatePayload))
	CreateOffer() (SDPPayload, error)
	AcceptOffer(sdp SDPPayload) (SDPPayload, error)
	SetRemoteDescription(sdp SDPPayload) error
	AddRemoteICECandidate(candidate ICECandidatePayload) error
	Close()
}
