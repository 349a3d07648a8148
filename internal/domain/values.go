package domain

// Values is the configuration published once credential acquisition
// finishes. Fields that were not acquired keep their zero value.
type Values struct {
	ServerAddress       string
	ServerPort          int
	HeartbeatIntervalMs int
	AccessToken         string
	TurnUsername        string
	TurnPassword        string
}

// ICEServer holds STUN/TURN server configuration.
type ICEServer struct {
	URL        string `json:"url"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

// PeerRecord is one entry of a session's presence view.
type PeerRecord struct {
	ID   int
	Name string
}

// AuthResult is the outcome of an authentication request.
type AuthResult struct {
	AccessToken string
	Err         error
}

// RelayCredentials is the outcome of a relay credential request.
type RelayCredentials struct {
	Username string
	Password string
	Err      error
}
