package domain

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
	Candidate     string `json:"candidate"`
}

// Envelope is what peers exchange through signaling messages. Exactly one
// of SDP or Candidate is set.
type Envelope struct {
	Type      string               `json:"type"`
	SDP       *SDPPayload          `json:"sdp,omitempty"`
	Candidate *ICECandidatePayload `json:"candidate,omitempty"`
}

// Envelope types.
const (
	EnvelopeOffer     = "offer"
	EnvelopeAnswer    = "answer"
	EnvelopeCandidate = "candidate"
)

// Hangup is the message body that ends a call.
const Hangup = "BYE"

// MessageEvent is the data of a message event on the wait stream. Payload
// is base64 in JSON, so the bytes survive event-stream framing unchanged.
type MessageEvent struct {
	Payload []byte `json:"payload"`
}
