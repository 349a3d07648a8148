package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/logging"

	"peerlink/native/internal/domain"
	"peerlink/native/internal/httpx"
)

type relayResponse struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	TTL      int      `json:"ttl"`
	URIs     []string `json:"uris"`
}

// RelayProvider fetches TURN credentials from a provider URI.
type RelayProvider struct {
	http *httpx.Transport
	uri  string
	log  logging.LeveledLogger
}

// NewRelayProvider creates a provider for uri. log may be nil.
func NewRelayProvider(transport *httpx.Transport, uri string, log logging.LeveledLogger) *RelayProvider {
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("api")
	}
	return &RelayProvider{http: transport, uri: uri, log: log}
}

// RequestCredentials asks the provider for credentials, presenting token
// as a bearer token when non-empty.
func (p *RelayProvider) RequestCredentials(token string, done func(domain.RelayCredentials)) error {
	if _, err := httpx.ParseURI(p.uri); err != nil {
		return fmt.Errorf("relay provider: %w", err)
	}

	header := httpx.NewHeader("Accept", "application/json")
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	p.log.Infof("requesting relay credentials from %s", p.uri)
	p.http.Do(httpx.Get(p.uri, header), func(res httpx.Result) {
		done(p.onCredentials(res))
	})
	return nil
}

func (p *RelayProvider) onCredentials(res httpx.Result) domain.RelayCredentials {
	if res.Code != httpx.Success {
		return domain.RelayCredentials{Err: fmt.Errorf("relay request: %s", res.Code)}
	}
	if !res.OK() {
		return domain.RelayCredentials{Err: fmt.Errorf("relay request: http %d", res.Status)}
	}

	var body relayResponse
	if err := json.Unmarshal(res.Body, &body); err != nil {
		return domain.RelayCredentials{Err: fmt.Errorf("unmarshal relay response: %w", err)}
	}
	if body.Username == "" || body.Password == "" {
		return domain.RelayCredentials{Err: errors.New("relay response is missing username or password")}
	}

	p.log.Debugf("relay credentials for %s valid %ds", body.Username, body.TTL)
	return domain.RelayCredentials{Username: body.Username, Password: body.Password}
}
