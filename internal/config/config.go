// Package config loads server configuration from a YAML file and applies
// OPENGUILD_SERVER__ environment overrides on top of it.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/openguild/openguild/internal/federation"
	"github.com/openguild/openguild/internal/keyring"
)

// envPrefix marks environment overrides. The rest of the variable name is a
// double-underscore path into the YAML document, e.g.
// OPENGUILD_SERVER__server__bind_addr.
const envPrefix = "OPENGUILD_SERVER__"

// Config is the full server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Session    SessionConfig    `yaml:"session"`
	Federation FederationConfig `yaml:"federation"`
	Storage    StorageConfig    `yaml:"storage"`
	Redis      RedisConfig      `yaml:"redis"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

type ServerConfig struct {
	BindAddr   string        `yaml:"bind_addr"`
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	ServerName string        `yaml:"server_name"`
	LogFormat  string        `yaml:"log_format"`
	Metrics    MetricsConfig `yaml:"metrics"`
}

type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
}

type SessionConfig struct {
	// ActiveSigningKey is a base64url-nopad 32-byte Ed25519 seed. Empty
	// means an ephemeral key is generated at startup.
	ActiveSigningKey string `yaml:"active_signing_key"`
	ActiveKeyID      string `yaml:"active_key_id"`
	// FallbackVerifyingKeys keeps tokens minted under rotated-out keys
	// verifiable until they expire.
	FallbackVerifyingKeys []string `yaml:"fallback_verifying_keys"`
}

type FederationConfig struct {
	TrustedServers []TrustedServerConfig `yaml:"trusted_servers"`
}

type TrustedServerConfig struct {
	ServerName   string `yaml:"server_name"`
	KeyID        string `yaml:"key_id"`
	VerifyingKey string `yaml:"verifying_key"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RateLimitConfig struct {
	IPPerMinute     int `yaml:"ip_per_minute"`
	SenderPerMinute int `yaml:"sender_per_minute"`
	WindowSeconds   int `yaml:"window_seconds"`
}

// Default returns the configuration used when no file and no overrides are
// present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       8080,
			ServerName: "openguild.local",
			LogFormat:  "compact",
			Metrics: MetricsConfig{
				Enabled:  false,
				BindAddr: "127.0.0.1:9100",
			},
		},
		Session: SessionConfig{
			ActiveKeyID: "1",
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		RateLimit: RateLimitConfig{
			IPPerMinute:     200,
			SenderPerMinute: 60,
			WindowSeconds:   60,
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty or the file
// does not exist), applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Server.LogFormat {
	case "compact", "json":
	default:
		return fmt.Errorf("config: log_format must be compact or json, got %q", c.Server.LogFormat)
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("config: storage driver postgres requires a dsn")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.RateLimit.IPPerMinute <= 0 || c.RateLimit.SenderPerMinute <= 0 {
		return fmt.Errorf("config: rate limit capacities must be positive")
	}
	for _, peer := range c.Federation.TrustedServers {
		if peer.ServerName == "" || peer.KeyID == "" {
			return fmt.Errorf("config: trusted server entries need server_name and key_id")
		}
		if _, err := decodeKey(peer.VerifyingKey, ed25519.PublicKeySize); err != nil {
			return fmt.Errorf("config: trusted server %s: %w", peer.ServerName, err)
		}
	}
	return nil
}

// ListenAddr resolves the listen address: bind_addr wins over host:port.
func (c *ServerConfig) ListenAddr() string {
	if c.BindAddr != "" {
		return c.BindAddr
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Window returns the fixed-window duration for both limiters.
func (c *RateLimitConfig) Window() time.Duration {
	if c.WindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.WindowSeconds) * time.Second
}

// Keyring builds the signing key ring from the session section. An empty
// active_signing_key yields a fresh ephemeral key.
func (c *SessionConfig) Keyring() (*keyring.Ring, error) {
	keyID := c.ActiveKeyID
	if keyID == "" {
		keyID = "1"
	}

	fallbacks := make([]ed25519.PublicKey, 0, len(c.FallbackVerifyingKeys))
	for i, enc := range c.FallbackVerifyingKeys {
		pub, err := decodeKey(enc, ed25519.PublicKeySize)
		if err != nil {
			return nil, fmt.Errorf("config: fallback_verifying_keys[%d]: %w", i, err)
		}
		fallbacks = append(fallbacks, ed25519.PublicKey(pub))
	}

	if c.ActiveSigningKey == "" {
		ring, err := keyring.Generate(keyID)
		if err != nil {
			return nil, err
		}
		if len(fallbacks) == 0 {
			return ring, nil
		}
		return keyring.New(keyID, ring.Primary(), fallbacks...)
	}

	seed, err := decodeKey(c.ActiveSigningKey, ed25519.SeedSize)
	if err != nil {
		return nil, fmt.Errorf("config: active_signing_key: %w", err)
	}
	return keyring.New(keyID, ed25519.NewKeyFromSeed(seed), fallbacks...)
}

// TrustedPeers decodes the federation section into verifier peers.
func (c *FederationConfig) TrustedPeers() ([]federation.TrustedPeer, error) {
	peers := make([]federation.TrustedPeer, 0, len(c.TrustedServers))
	for _, entry := range c.TrustedServers {
		pub, err := decodeKey(entry.VerifyingKey, ed25519.PublicKeySize)
		if err != nil {
			return nil, fmt.Errorf("config: trusted server %s: %w", entry.ServerName, err)
		}
		peers = append(peers, federation.TrustedPeer{
			ServerName:   entry.ServerName,
			KeyID:        entry.KeyID,
			VerifyingKey: ed25519.PublicKey(pub),
		})
	}
	return peers, nil
}

func decodeKey(enc string, size int) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("not base64url: %w", err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("key must be %d bytes, got %d", size, len(raw))
	}
	return raw, nil
}

// applyEnv overlays OPENGUILD_SERVER__ variables onto the config. The
// overlay goes through the YAML document form so field paths follow the
// yaml tags exactly.
func applyEnv(cfg *Config, environ []string) error {
	overrides := make(map[string]string)
	for _, kv := range environ {
		if !strings.HasPrefix(kv, envPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		path := strings.ToLower(strings.TrimPrefix(kv[:eq], envPrefix))
		if path == "" {
			continue
		}
		overrides[path] = kv[eq+1:]
	}
	if len(overrides) == 0 {
		return nil
	}

	doc := map[interface{}]interface{}{}
	encoded, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode for override: %w", err)
	}
	if err := yaml.Unmarshal(encoded, &doc); err != nil {
		return fmt.Errorf("config: decode for override: %w", err)
	}

	for path, value := range overrides {
		setPath(doc, strings.Split(path, "__"), coerceScalar(value))
	}

	merged, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config: encode overridden: %w", err)
	}
	if err := yaml.Unmarshal(merged, cfg); err != nil {
		return fmt.Errorf("config: apply overrides: %w", err)
	}
	return nil
}

func setPath(doc map[interface{}]interface{}, path []string, value interface{}) {
	if len(path) == 1 {
		doc[path[0]] = value
		return
	}
	child, ok := doc[path[0]].(map[interface{}]interface{})
	if !ok {
		child = map[interface{}]interface{}{}
		doc[path[0]] = child
	}
	setPath(child, path[1:], value)
}

func coerceScalar(s string) interface{} {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}
