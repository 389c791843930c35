package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drio/zssp/device"
	"github.com/drio/zssp/zssp"
)

type testKeys struct {
	private string
	peer    string
}

func newTestKeys(t *testing.T) testKeys {
	t.Helper()
	local, err := zssp.GenerateP384KeyPair()
	require.NoError(t, err)
	peer, err := zssp.GenerateP384KeyPair()
	require.NoError(t, err)
	return testKeys{
		private: base64.StdEncoding.EncodeToString(local.PrivateKeyBytes()),
		peer:    base64.StdEncoding.EncodeToString(device.IdentityBlob(peer)),
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func minimalYAML(k testKeys) string {
	return fmt.Sprintf(`
identity:
  private_key: %q
peer:
  public_key: %q
`, k.private, k.peer)
}

func TestLoadDefaults(t *testing.T) {
	k := newTestKeys(t)
	cfg, err := Load(writeConfig(t, "zssp.yml", minimalYAML(k)))
	require.NoError(t, err)

	assert.Equal(t, 9993, cfg.ListenPort)
	assert.Equal(t, 1432, cfg.MTU)
	assert.Equal(t, "zt0", cfg.TUN.Name)
	assert.Empty(t, cfg.TUN.Address)
	assert.Equal(t, zssp.DefaultRekeyRateLimit, cfg.Session.RekeyRateLimit)
	assert.Equal(t, time.Second, cfg.Session.ServiceInterval)
	assert.Equal(t, 1.0, cfg.Admission.Rate)
	assert.Equal(t, 4, cfg.Admission.Burst)
	assert.Equal(t, 1024, cfg.Admission.CacheSize)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9193", cfg.Metrics.Listen)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	require.NotNil(t, cfg.Identity.KeyPair)
	assert.Len(t, cfg.Peer.StaticBlob, device.IdentityBlobSize)
	assert.Nil(t, cfg.Peer.Addr, "no endpoint means wait for the peer")
	assert.Equal(t, make([]byte, PSKSize), cfg.PSKSecret.Bytes())
}

func TestLoadFull(t *testing.T) {
	k := newTestKeys(t)
	psk := base64.StdEncoding.EncodeToString([]byte("sixteen byte psk"))
	content := minimalYAML(k) + fmt.Sprintf(`
  endpoint: "/ip4/192.0.2.10/udp/9993"
psk: %q
listen_port: 7000
mtu: 1400
tun:
  name: zssp1
  address: 10.99.0.1/24
session:
  offer_metadata: "node-a"
  rekey_rate_limit: 5s
  service_interval: 500ms
admission:
  rate: 2.5
  burst: 8
  cache_size: 64
log:
  level: debug
  format: json
metrics:
  enabled: true
  listen: 127.0.0.1:9300
debug: true
`, psk)

	cfg, err := Load(writeConfig(t, "zssp.yml", content))
	require.NoError(t, err)

	require.NotNil(t, cfg.Peer.Addr)
	assert.Equal(t, "192.0.2.10:9993", cfg.Peer.Addr.String())
	assert.Equal(t, 7000, cfg.ListenPort)
	assert.Equal(t, 1400, cfg.MTU)
	assert.Equal(t, "zssp1", cfg.TUN.Name)
	assert.Equal(t, "10.99.0.1/24", cfg.TUN.Address)
	assert.Equal(t, 5*time.Second, cfg.Session.RekeyRateLimit)
	assert.Equal(t, 500*time.Millisecond, cfg.Session.ServiceInterval)
	assert.Equal(t, 2.5, cfg.Admission.Rate)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.Debug)

	wantPSK := make([]byte, PSKSize)
	copy(wantPSK, "sixteen byte psk")
	assert.Equal(t, wantPSK, cfg.PSKSecret.Bytes())

	dev := cfg.Device()
	assert.Equal(t, cfg.Identity.KeyPair, dev.Identity)
	assert.Equal(t, []byte("node-a"), dev.OfferMetadata)
	assert.Equal(t, 8, dev.Admission.Burst)
	assert.Equal(t, cfg.Peer.Addr, dev.PeerAddr)
}

func TestLoadJSON(t *testing.T) {
	k := newTestKeys(t)
	content := fmt.Sprintf(`{"identity": {"private_key": %q}, "peer": {"public_key": %q, "endpoint": "127.0.0.1:9993"}}`,
		k.private, k.peer)
	cfg, err := Load(writeConfig(t, "zssp.json", content))
	require.NoError(t, err)
	assert.Equal(t, 9993, cfg.Peer.Addr.Port)
}

func TestLoadEnvOverrides(t *testing.T) {
	k := newTestKeys(t)
	t.Setenv("ZSSP_LISTEN_PORT", "7100")
	t.Setenv("ZSSP_PEER_ENDPOINT", "127.0.0.1:7200")
	t.Setenv("ZSSP_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, "zssp.yml", minimalYAML(k)))
	require.NoError(t, err)
	assert.Equal(t, 7100, cfg.ListenPort)
	assert.Equal(t, 7200, cfg.Peer.Addr.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	k := newTestKeys(t)
	tooLongPSK := base64.StdEncoding.EncodeToString(make([]byte, PSKSize+1))

	tests := []struct {
		name    string
		content string
	}{
		{"missing private key", fmt.Sprintf("peer:\n  public_key: %q\n", k.peer)},
		{"missing peer key", fmt.Sprintf("identity:\n  private_key: %q\n", k.private)},
		{"bad private key", fmt.Sprintf("identity:\n  private_key: %q\npeer:\n  public_key: %q\n",
			base64.StdEncoding.EncodeToString([]byte("short")), k.peer)},
		{"bad peer key", fmt.Sprintf("identity:\n  private_key: %q\npeer:\n  public_key: %q\n", k.private, "AAAA")},
		{"not base64", fmt.Sprintf("identity:\n  private_key: %q\npeer:\n  public_key: %q\n", "%%%", k.peer)},
		{"bad endpoint", minimalYAML(k) + "  endpoint: /dns4/example.com/udp/1\n"},
		{"psk too long", minimalYAML(k) + fmt.Sprintf("psk: %q\n", tooLongPSK)},
		{"small mtu", minimalYAML(k) + "mtu: 1000\n"},
		{"bad port", minimalYAML(k) + "listen_port: 70000\n"},
		{"bad tun address", minimalYAML(k) + "tun:\n  address: 10.0.0.1\n"},
		{"slow service", minimalYAML(k) + "session:\n  service_interval: 1m\n"},
		{"bad admission", minimalYAML(k) + "admission:\n  burst: 0\n"},
		{"bad log level", minimalYAML(k) + "log:\n  level: verbose\n"},
		{"bad log format", minimalYAML(k) + "log:\n  format: xml\n"},
		{"metrics path", minimalYAML(k) + "metrics:\n  enabled: true\n  path: metrics\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "zssp.yml", tt.content))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}
