package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pion/logging"

	"peerlink/native/internal/config"
	"peerlink/native/internal/domain"
	"peerlink/native/internal/httpx"
)

// TokenPath is appended to the authority to form the token endpoint.
const TokenPath = "/oauth2/token"

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
}

// AuthProvider obtains an access token with the OAuth2 client credentials
// grant.
type AuthProvider struct {
	http *httpx.Transport
	info config.Authentication
	log  logging.LeveledLogger
}

// NewAuthProvider creates a provider for info. log may be nil.
func NewAuthProvider(transport *httpx.Transport, info config.Authentication, log logging.LeveledLogger) *AuthProvider {
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("api")
	}
	return &AuthProvider{http: transport, info: info, log: log}
}

// Authenticate issues the token request. It returns an error if the request
// cannot be issued; otherwise done is called once on the transport's
// executor.
func (p *AuthProvider) Authenticate(done func(domain.AuthResult)) error {
	if _, err := httpx.ParseURI(p.info.Authority); err != nil {
		return fmt.Errorf("authority: %w", err)
	}
	uri := strings.TrimSuffix(p.info.Authority, "/") + TokenPath

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {p.info.ClientID},
		"client_secret": {p.info.ClientSecret},
	}
	if p.info.Resource != "" {
		form.Set("resource", p.info.Resource)
	}

	header := httpx.NewHeader("Content-Type", "application/x-www-form-urlencoded", "Accept", "application/json")
	p.log.Infof("requesting access token from %s for %s", uri, p.info.ClientID)
	p.http.Do(httpx.Post(uri, header, []byte(form.Encode())), func(res httpx.Result) {
		done(p.onToken(res))
	})
	return nil
}

func (p *AuthProvider) onToken(res httpx.Result) domain.AuthResult {
	if res.Code != httpx.Success {
		return domain.AuthResult{Err: fmt.Errorf("token request: %s", res.Code)}
	}

	var tok tokenResponse
	if !res.OK() {
		if json.Unmarshal(res.Body, &tok) == nil && tok.Error != "" {
			return domain.AuthResult{Err: fmt.Errorf("token request: http %d: %s", res.Status, tok.Error)}
		}
		return domain.AuthResult{Err: fmt.Errorf("token request: http %d", res.Status)}
	}
	if err := json.Unmarshal(res.Body, &tok); err != nil {
		return domain.AuthResult{Err: fmt.Errorf("unmarshal token response: %w", err)}
	}
	if tok.AccessToken == "" {
		return domain.AuthResult{Err: errors.New("token response has no access_token")}
	}

	p.describe(tok)
	return domain.AuthResult{AccessToken: tok.AccessToken}
}

// describe logs what the token grants. The signature is not checked here;
// the signaling server does that.
func (p *AuthProvider) describe(tok tokenResponse) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, &claims); err != nil {
		p.log.Debugf("access token is opaque, expires in %ds", tok.ExpiresIn)
		return
	}

	expiry := "never"
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time.Format(time.RFC3339)
	}
	p.log.Infof("access token for %q issued by %q, expires %s", claims.Subject, claims.Issuer, expiry)
}
