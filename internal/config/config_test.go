package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const jsonConfig = `{
	// signaling server
	"server": "signal.example.com",
	"port": 3000,
	"heartbeat": 5000,
	"authentication": {
		"resource": "api://peerlink",
		"clientId": "render-node",
		"clientSecret": "s3cret",
		"authority": "https://login.example.com/tenant",
	},
	"turnServer": {
		"provider": "https://signal.example.com:3000/turn"
	}
}`

const yamlConfig = `
server: signal.example.com
port: 3000
heartbeat: 5000
turnServer:
  provider: https://signal.example.com:3000/turn
`

func TestParse_JSONWithComments(t *testing.T) {
	bag, err := Parse([]byte(jsonConfig), ".json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if bag.Server != "signal.example.com" || bag.Port != 3000 || bag.Heartbeat != 5000 {
		t.Errorf("unexpected bag %+v", bag)
	}
	if !bag.HasAuthentication() {
		t.Fatal("expected authentication section")
	}
	if bag.Authentication.ClientID != "render-node" || bag.Authentication.Resource != "api://peerlink" {
		t.Errorf("unexpected authentication %+v", bag.Authentication)
	}
	if !bag.HasRelayProvider() || bag.TurnServer.Provider != "https://signal.example.com:3000/turn" {
		t.Errorf("unexpected turn server %+v", bag.TurnServer)
	}
}

func TestParse_YAML(t *testing.T) {
	bag, err := Parse([]byte(yamlConfig), ".yml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bag.Server != "signal.example.com" || bag.Port != 3000 {
		t.Errorf("unexpected bag %+v", bag)
	}
	if bag.HasAuthentication() {
		t.Error("expected no authentication section")
	}
	if !bag.HasRelayProvider() {
		t.Error("expected relay provider")
	}
}

func TestParse_Malformed(t *testing.T) {
	if _, err := Parse([]byte(`{"server": `), ".json"); err == nil {
		t.Error("expected error for truncated json")
	}
	if _, err := Parse([]byte("server: [unclosed"), ".yaml"); err == nil {
		t.Error("expected error for bad yaml")
	}
}

func TestApplyEnv(t *testing.T) {
	bag := &Bag{Server: "file.example.com", Port: 1}
	env := map[string]string{
		EnvServer:       "env.example.com",
		EnvPort:         "8888",
		EnvHeartbeat:    "250",
		EnvTurnProvider: "http://turn.example.com/creds",
	}

	if err := bag.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bag.Server != "env.example.com" || bag.Port != 8888 || bag.Heartbeat != 250 {
		t.Errorf("overrides not applied: %+v", bag)
	}
	if bag.TurnServer == nil || bag.TurnServer.Provider != "http://turn.example.com/creds" {
		t.Errorf("turn provider not applied: %+v", bag.TurnServer)
	}

	env[EnvPort] = "eighty"
	if err := bag.applyEnv(func(k string) string { return env[k] }); err == nil {
		t.Error("expected error for non-numeric port")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		bag  Bag
		want error
	}{
		{name: "ok", bag: Bag{Server: "localhost", Port: 8888}},
		{name: "no server", bag: Bag{Port: 8888}, want: ErrNoServer},
		{name: "no port", bag: Bag{Server: "localhost"}, want: ErrInvalidPort},
		{name: "port too big", bag: Bag{Server: "localhost", Port: 70000}, want: ErrInvalidPort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bag.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	bag := Bag{Server: "localhost", Port: 8888, Authentication: &Authentication{Authority: "https://login"}}
	if err := bag.Validate(); err == nil {
		t.Error("expected error for authority without client id")
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peerlink.json")
	if err := os.WriteFile(path, []byte(jsonConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvPort, "4000")

	bag, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bag.Port != 4000 {
		t.Errorf("expected env port to win, got %d", bag.Port)
	}
	if bag.Server != "signal.example.com" {
		t.Errorf("unexpected server %q", bag.Server)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
