package server

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TurnConfig configures coturn-compatible TURN REST credentials:
//
//	username   = <unix expiry>:<prefix>:<session id>
//	credential = base64(hmac_sha1(shared secret, username))
type TurnConfig struct {
	SharedSecret string
	TTL          time.Duration
	Prefix       string
	URIs         []string
}

// TurnCredentials is the /turn response body.
type TurnCredentials struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	TTL      int64    `json:"ttl"`
	URIs     []string `json:"uris,omitempty"`
}

type turnIssuer struct {
	secret []byte
	ttl    time.Duration
	prefix string
	uris   []string
	now    func() time.Time
}

func newTurnIssuer(cfg TurnConfig, now func() time.Time) (*turnIssuer, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("turn shared secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "peerlink"
	}
	if strings.Contains(cfg.Prefix, ":") {
		return nil, errors.New("turn username prefix must not contain ':'")
	}
	if now == nil {
		now = time.Now
	}
	return &turnIssuer{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.Prefix,
		uris:   cfg.URIs,
		now:    now,
	}, nil
}

func (t *turnIssuer) issue(sessionID string) (TurnCredentials, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if strings.Contains(sessionID, ":") {
		return TurnCredentials{}, errors.New("session id must not contain ':'")
	}

	expiry := t.now().UTC().Add(t.ttl).Unix()
	username := fmt.Sprintf("%d:%s:%s", expiry, t.prefix, sessionID)
	return TurnCredentials{
		Username: username,
		Password: signUsername(t.secret, username),
		TTL:      int64(t.ttl / time.Second),
		URIs:     t.uris,
	}, nil
}

func signUsername(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
