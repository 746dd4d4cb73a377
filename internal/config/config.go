// Package config loads the Sync Server and Sync Client YAML configuration
// surfaces, applying documented defaults for every option left unset.
//
// Grounded on the teacher's WingConfig (gopkg.in/yaml.v3 load from a
// dotfile) and config.Manager (merge-with-defaults over zero values),
// repurposed from wing-daemon settings to ServerConfig/ClientConfig.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig mirrors internal/ratelimit.Config's YAML-facing fields.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ValidationConfig bounds message and update sizes.
type ValidationConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	MaxUpdateSize  int `yaml:"max_update_size"`
}

// CompactionConfig mirrors internal/compaction.Policy's YAML-facing fields.
type CompactionConfig struct {
	UpdateThreshold   int `yaml:"update_threshold"`
	KeepRecentUpdates int `yaml:"keep_recent_updates"`
	MinIntervalMs     int `yaml:"min_interval_ms"`
}

// ServerConfig is the full configuration surface for the Sync Server.
type ServerConfig struct {
	ListenAddr                  string           `yaml:"listen_addr"`
	StorageBackend              string           `yaml:"storage_backend"` // "memory" or "file"
	StorageDir                  string           `yaml:"storage_dir"`
	OplogDSN                    string           `yaml:"oplog_dsn"`
	MaxClientsPerRoom           int              `yaml:"max_clients_per_room"`
	PresenceTtlMs               int              `yaml:"presence_ttl_ms"`
	HandshakeTimeoutMs          int              `yaml:"handshake_timeout_ms"`
	PresenceBroadcastIntervalMs int              `yaml:"presence_broadcast_interval_ms"`
	IdleTimeoutMs               int              `yaml:"idle_timeout_ms"`
	IdleCheckIntervalMs         int              `yaml:"idle_check_interval_ms"`
	EnableNegotiationLog        bool             `yaml:"enable_negotiation_log"`
	RateLimit                   RateLimitConfig  `yaml:"rate_limit"`
	Validation                  ValidationConfig `yaml:"validation"`
	Compaction                  CompactionConfig `yaml:"compaction"`
	LogLevel                    string           `yaml:"log_level"`
	LogFile                     string           `yaml:"log_file"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:                  ":8787",
		StorageBackend:              "memory",
		StorageDir:                  "./data",
		OplogDSN:                    "",
		MaxClientsPerRoom:           64,
		PresenceTtlMs:               30_000,
		HandshakeTimeoutMs:          5_000,
		PresenceBroadcastIntervalMs: 150,
		IdleTimeoutMs:               300_000,
		IdleCheckIntervalMs:         30_000,
		EnableNegotiationLog:        false,
		RateLimit:                   RateLimitConfig{RequestsPerSecond: 50, Burst: 100},
		Validation:                  ValidationConfig{MaxMessageSize: 1 << 20, MaxUpdateSize: 512 * 1024},
		Compaction:                  CompactionConfig{UpdateThreshold: 500, KeepRecentUpdates: 100, MinIntervalMs: 60_000},
		LogLevel:                    "info",
	}
}

// ReconnectConfig controls the Sync Client's reconnect-with-backoff policy.
type ReconnectConfig struct {
	Enabled     bool `yaml:"enabled"`
	MaxAttempts int  `yaml:"max_attempts"` // negative means unlimited
	BaseDelayMs int  `yaml:"base_delay_ms"`
	MaxDelayMs  int  `yaml:"max_delay_ms"`
}

// ClientConfig is the full configuration surface for the Sync Client.
type ClientConfig struct {
	URL              string          `yaml:"url"`
	DocID            string          `yaml:"doc_id"`
	ClientID         string          `yaml:"client_id"`
	Token            string          `yaml:"token"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
	PingIntervalMs   int             `yaml:"ping_interval_ms"`
	ConnectTimeoutMs int             `yaml:"connect_timeout_ms"`
	LogLevel         string          `yaml:"log_level"`
	LogFile          string          `yaml:"log_file"`
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		Reconnect: ReconnectConfig{
			Enabled:     true,
			MaxAttempts: -1,
			BaseDelayMs: 500,
			MaxDelayMs:  30_000,
		},
		PingIntervalMs:   15_000,
		ConnectTimeoutMs: 5_000,
		LogLevel:         "info",
	}
}

// LoadServerConfig reads a YAML file at path, if present, and merges it
// over defaultServerConfig(); a missing file is not an error.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadClientConfig reads a YAML file at path, if present, and merges it
// over defaultClientConfig(); a missing file is not an error.
func LoadClientConfig(path string) (ClientConfig, error) {
	cfg := defaultClientConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c ReconnectConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ms := c.BaseDelayMs
	for i := 1; i < attempt; i++ {
		ms *= 2
		if ms > c.MaxDelayMs {
			ms = c.MaxDelayMs
			break
		}
	}
	if ms > c.MaxDelayMs {
		ms = c.MaxDelayMs
	}
	return time.Duration(ms) * time.Millisecond
}
