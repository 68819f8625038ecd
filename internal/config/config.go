// Package config loads the relay and client settings.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for both binaries. A single file
// can carry both sections; each binary reads its own.
type Config struct {
	Relay  RelayConfig  `yaml:"relay"`
	Client ClientConfig `yaml:"client"`
}

// RelayConfig configures the relay server.
type RelayConfig struct {
	// Addr is the listen address, host:port.
	Addr string `yaml:"addr"`

	// SendBuffer is the per-participant outbound payload capacity. A
	// participant that falls this far behind is disconnected.
	SendBuffer int `yaml:"send_buffer"`
}

// ClientConfig configures an editing session.
type ClientConfig struct {
	// Relay is the relay base URL, ws://host:port.
	Relay string `yaml:"relay"`

	// Room and Doc select the shared document.
	Room string `yaml:"room"`
	Doc  string `yaml:"doc"`

	// ClientID overrides the generated participant ID. Leave empty unless
	// resuming a previous identity.
	ClientID string `yaml:"client_id,omitempty"`

	// BackoffInitial and BackoffMax bound the reconnect delay.
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`

	// HandshakeTimeout is how long to wait for a peer's state vector before
	// treating the document as empty.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// AwarenessStaleness is how long silent peers stay in the presence set.
	AwarenessStaleness time.Duration `yaml:"awareness_staleness"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Relay: RelayConfig{
			Addr:       ":8080",
			SendBuffer: 64,
		},
		Client: ClientConfig{
			Relay:              "ws://localhost:8080",
			Room:               "default",
			Doc:                "default",
			BackoffInitial:     500 * time.Millisecond,
			BackoffMax:         30 * time.Second,
			HandshakeTimeout:   3 * time.Second,
			AwarenessStaleness: 30 * time.Second,
		},
	}
}

// Load reads a YAML config file over the defaults. Unknown fields are
// rejected so typos fail loudly instead of silently using a default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Relay.Addr == "" {
		return fmt.Errorf("relay.addr is required")
	}
	if cfg.Relay.SendBuffer < 0 {
		return fmt.Errorf("relay.send_buffer must not be negative")
	}
	if cfg.Client.Relay == "" {
		return fmt.Errorf("client.relay is required")
	}
	if cfg.Client.Room == "" || cfg.Client.Doc == "" {
		return fmt.Errorf("client.room and client.doc are required")
	}
	if cfg.Client.BackoffInitial <= 0 || cfg.Client.BackoffMax < cfg.Client.BackoffInitial {
		return fmt.Errorf("client backoff bounds are inconsistent")
	}
	return nil
}

// URL returns the websocket endpoint for the configured document.
func (c ClientConfig) URL() string {
	u := fmt.Sprintf("%s/ws/%s/%s", c.Relay, c.Room, c.Doc)
	if c.ClientID != "" {
		u += "?client_id=" + c.ClientID
	}
	return u
}
