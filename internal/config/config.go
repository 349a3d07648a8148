package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Authentication describes the OAuth2 client credentials used to obtain an
// access token.
type Authentication struct {
	Resource     string `json:"resource" yaml:"resource"`
	ClientID     string `json:"clientId" yaml:"clientId"`
	ClientSecret string `json:"clientSecret" yaml:"clientSecret"`
	Authority    string `json:"authority" yaml:"authority"`
}

// TurnServer points at the relay credential provider.
type TurnServer struct {
	Provider string `json:"provider" yaml:"provider"`
}

// Bag is the flat configuration consumed at startup. Absent optional
// sections are nil.
type Bag struct {
	Server         string          `json:"server" yaml:"server"`
	Port           int             `json:"port" yaml:"port"`
	Heartbeat      int             `json:"heartbeat" yaml:"heartbeat"`
	Authentication *Authentication `json:"authentication,omitempty" yaml:"authentication,omitempty"`
	TurnServer     *TurnServer     `json:"turnServer,omitempty" yaml:"turnServer,omitempty"`
}

// HasAuthentication reports whether an authentication step is configured.
// An authority is the minimum needed to request a token.
func (b *Bag) HasAuthentication() bool {
	return b.Authentication != nil && b.Authentication.Authority != ""
}

// HasRelayProvider reports whether a relay credential provider is configured.
func (b *Bag) HasRelayProvider() bool {
	return b.TurnServer != nil && b.TurnServer.Provider != ""
}

var (
	ErrNoServer    = errors.New("server is required")
	ErrInvalidPort = errors.New("port must be between 1 and 65535")
)

// Environment overrides, applied after the file is read.
const (
	EnvServer       = "PEERLINK_SERVER"
	EnvPort         = "PEERLINK_PORT"
	EnvHeartbeat    = "PEERLINK_HEARTBEAT_MS"
	EnvTurnProvider = "PEERLINK_TURN_PROVIDER"
)

// Load reads configuration from a .env file (if present), the config file
// at path (if non-empty) and environment variables.
// Environment variables take precedence over file values.
func Load(path string) (*Bag, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	bag := &Bag{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if bag, err = Parse(data, filepath.Ext(path)); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if err := bag.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := bag.Validate(); err != nil {
		return nil, err
	}
	return bag, nil
}

// Parse decodes a config document. ext selects YAML for ".yaml" and
// ".yml"; anything else is JSON, which may carry comments and trailing
// commas.
func Parse(data []byte, ext string) (*Bag, error) {
	bag := &Bag{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, bag); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), bag); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}
	return bag, nil
}

func (b *Bag) applyEnv(getenv func(string) string) error {
	if v := getenv(EnvServer); v != "" {
		b.Server = v
	}
	if v := getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		b.Port = port
	}
	if v := getenv(EnvHeartbeat); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvHeartbeat, err)
		}
		b.Heartbeat = ms
	}
	if v := getenv(EnvTurnProvider); v != "" {
		b.TurnServer = &TurnServer{Provider: v}
	}
	return nil
}

// Validate checks the fields signaling cannot start without.
func (b *Bag) Validate() error {
	if b.Server == "" {
		return ErrNoServer
	}
	if b.Port <= 0 || b.Port > 65535 {
		return ErrInvalidPort
	}
	if b.Heartbeat < 0 {
		return fmt.Errorf("heartbeat must not be negative, got %d", b.Heartbeat)
	}
	if b.Authentication != nil && b.Authentication.Authority != "" && b.Authentication.ClientID == "" {
		return errors.New("authentication.clientId is required when an authority is set")
	}
	return nil
}
