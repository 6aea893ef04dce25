package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.ListenAddr())
	assert.Equal(t, "openguild.local", cfg.Server.ServerName)
	assert.Equal(t, "compact", cfg.Server.LogFormat)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 200, cfg.RateLimit.IPPerMinute)
	assert.Equal(t, 60, cfg.RateLimit.SenderPerMinute)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  bind_addr: "127.0.0.1:9999"
  server_name: "guild.example"
  log_format: json
storage:
  driver: postgres
  dsn: "postgres://localhost/openguild"
rate_limit:
  ip_per_minute: 10
  sender_per_minute: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9999", cfg.Server.ListenAddr())
	assert.Equal(t, "guild.example", cfg.Server.ServerName)
	assert.Equal(t, "json", cfg.Server.LogFormat)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 10, cfg.RateLimit.IPPerMinute)
	assert.Equal(t, 5, cfg.RateLimit.SenderPerMinute)
}

func TestEnvOverrides(t *testing.T) {
	cfg := Default()
	err := applyEnv(cfg, []string{
		"OPENGUILD_SERVER__server__bind_addr=0.0.0.0:7000",
		"OPENGUILD_SERVER__server__metrics__enabled=true",
		"OPENGUILD_SERVER__rate_limit__ip_per_minute=42",
		"OPENGUILD_SERVER__storage__driver=postgres",
		"OPENGUILD_SERVER__storage__dsn=postgres://db/guild",
		"UNRELATED=ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:7000", cfg.Server.ListenAddr())
	assert.True(t, cfg.Server.Metrics.Enabled)
	assert.Equal(t, 42, cfg.RateLimit.IPPerMinute)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://db/guild", cfg.Storage.DSN)
}

func TestEnvOverridesViaLoad(t *testing.T) {
	t.Setenv("OPENGUILD_SERVER__server__server_name", "env.example")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "env.example", cfg.Server.ServerName)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log format", func(c *Config) { c.Server.LogFormat = "xml" }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"zero ip limit", func(c *Config) { c.RateLimit.IPPerMinute = 0 }},
		{"trusted server without key id", func(c *Config) {
			c.Federation.TrustedServers = []TrustedServerConfig{{ServerName: "peer"}}
		}},
		{"trusted server bad key", func(c *Config) {
			c.Federation.TrustedServers = []TrustedServerConfig{
				{ServerName: "peer", KeyID: "1", VerifyingKey: "!!"},
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

func TestKeyringFromSeed(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	sc := SessionConfig{
		ActiveSigningKey: base64.RawURLEncoding.EncodeToString(seed),
		ActiveKeyID:      "k2",
	}

	ring, err := sc.Keyring()
	require.NoError(t, err)
	assert.Equal(t, "k2", ring.KeyID())

	want := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	assert.Equal(t, want, ring.PublicKey())
}

func TestKeyringEphemeral(t *testing.T) {
	ring, err := (&SessionConfig{}).Keyring()
	require.NoError(t, err)
	assert.Equal(t, "1", ring.KeyID())
	assert.Len(t, ring.PublicKey(), ed25519.PublicKeySize)
}

func TestKeyringRejectsShortSeed(t *testing.T) {
	sc := SessionConfig{ActiveSigningKey: base64.RawURLEncoding.EncodeToString([]byte("short"))}
	_, err := sc.Keyring()
	assert.Error(t, err)
}

func TestTrustedPeersDecoding(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	fc := FederationConfig{TrustedServers: []TrustedServerConfig{{
		ServerName:   "peer.example",
		KeyID:        "p1",
		VerifyingKey: base64.RawURLEncoding.EncodeToString(pub),
	}}}

	peers, err := fc.TrustedPeers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "peer.example", peers[0].ServerName)
	assert.Equal(t, ed25519.PublicKey(pub), peers[0].VerifyingKey)
}
