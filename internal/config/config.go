// Package config loads the client configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds all configuration for the parley client.
type Config struct {
	LiveKit LiveKitConfig
	Backend BackendConfig
	Chat    ChatConfig
	Metrics MetricsConfig
	State   StateConfig
}

// LiveKitConfig holds room server credentials. Either a pre-minted token or
// an API key/secret pair must be present; the key pair lets the client mint
// its own join tokens.
type LiveKitConfig struct {
	URL       string // WebSocket URL (e.g. wss://localhost:7880)
	APIKey    string
	APISecret string
	Token     string // pre-minted join token, used when key/secret absent
	Room      string
	Identity  string
}

// BackendConfig holds the persistence service connection.
type BackendConfig struct {
	WSURL  string // e.g. ws://localhost:8080/ws
	Secret string // bearer token for the websocket handshake
}

// ChatConfig tunes the data-channel side of the session.
type ChatConfig struct {
	Topic      string
	RPCTimeout time.Duration
}

// MetricsConfig tunes the agent metrics poller.
type MetricsConfig struct {
	Settle   time.Duration
	Interval time.Duration
	Timeout  time.Duration
}

// StateConfig locates durable client state.
type StateConfig struct {
	Path string // directory holding the preferences store
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		LiveKit: LiveKitConfig{
			URL:       GetEnv("LIVEKIT_URL", "ws://localhost:7880"),
			APIKey:    GetEnv("LIVEKIT_API_KEY", ""),
			APISecret: GetEnv("LIVEKIT_API_SECRET", ""),
			Token:     GetEnv("LIVEKIT_TOKEN", ""),
			Room:      GetEnv("PARLEY_ROOM", "assistant"),
			Identity:  GetEnv("PARLEY_IDENTITY", defaultIdentity()),
		},
		Backend: BackendConfig{
			WSURL:  GetEnv("PARLEY_BACKEND_WS_URL", ""),
			Secret: GetEnv("PARLEY_BACKEND_SECRET", ""),
		},
		Chat: ChatConfig{
			Topic:      GetEnv("PARLEY_CHAT_TOPIC", "lk.chat"),
			RPCTimeout: GetEnvDuration("PARLEY_RPC_TIMEOUT", 5*time.Second),
		},
		Metrics: MetricsConfig{
			Settle:   GetEnvDuration("PARLEY_METRICS_SETTLE", 2*time.Second),
			Interval: GetEnvDuration("PARLEY_METRICS_INTERVAL", 10*time.Second),
			Timeout:  GetEnvDuration("PARLEY_METRICS_TIMEOUT", 5*time.Second),
		},
		State: StateConfig{
			Path: GetEnv("PARLEY_STATE_DIR", defaultStateDir()),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the parts that cannot be defaulted.
func (c *Config) Validate() error {
	if c.LiveKit.URL == "" {
		return fmt.Errorf("LIVEKIT_URL is required")
	}
	if !strings.HasPrefix(c.LiveKit.URL, "ws://") && !strings.HasPrefix(c.LiveKit.URL, "wss://") {
		return fmt.Errorf("LIVEKIT_URL must be a ws:// or wss:// URL, got %q", c.LiveKit.URL)
	}
	if c.LiveKit.Token == "" && (c.LiveKit.APIKey == "" || c.LiveKit.APISecret == "") {
		return fmt.Errorf("either LIVEKIT_TOKEN or LIVEKIT_API_KEY/LIVEKIT_API_SECRET must be set")
	}
	if c.Backend.WSURL != "" &&
		!strings.HasPrefix(c.Backend.WSURL, "ws://") && !strings.HasPrefix(c.Backend.WSURL, "wss://") {
		return fmt.Errorf("PARLEY_BACKEND_WS_URL must be a ws:// or wss:// URL, got %q", c.Backend.WSURL)
	}
	return nil
}

func defaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "parley-client"
	}
	return "parley-" + host
}

func defaultStateDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".parley"
	}
	return filepath.Join(base, "parley")
}
