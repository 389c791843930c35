// Package config loads the node configuration using viper.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/drio/zssp/conn"
	"github.com/drio/zssp/device"
	"github.com/drio/zssp/internal/log"
	"github.com/drio/zssp/zssp"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

const (
	PSKSize   = 64
	EnvPrefix = "ZSSP"
)

// Config is the node configuration. The fields without a mapstructure key
// are filled by Validate from their encoded counterparts.
type Config struct {
	Identity   IdentityConfig  `mapstructure:"identity"`
	Peer       PeerConfig      `mapstructure:"peer"`
	PSK        string          `mapstructure:"psk"` // base64, up to 64 bytes
	ListenPort int             `mapstructure:"listen_port"`
	MTU        int             `mapstructure:"mtu"`
	TUN        TUNConfig       `mapstructure:"tun"`
	Session    SessionConfig   `mapstructure:"session"`
	Admission  AdmissionConfig `mapstructure:"admission"`
	Log        log.Config      `mapstructure:"log"`
	Metrics    MetricsConfig   `mapstructure:"metrics"`
	Debug      bool            `mapstructure:"debug"`

	PSKSecret zssp.Secret `mapstructure:"-"`
}

// IdentityConfig holds the local static identity.
type IdentityConfig struct {
	PrivateKey string `mapstructure:"private_key"` // base64 P-384 scalar

	KeyPair *zssp.P384KeyPair `mapstructure:"-"`
}

// PeerConfig describes the single remote peer.
type PeerConfig struct {
	PublicKey string `mapstructure:"public_key"` // base64 identity blob
	Endpoint  string `mapstructure:"endpoint"`   // host:port or /ip4/<addr>/udp/<port>; empty waits for the peer

	StaticBlob []byte       `mapstructure:"-"`
	Addr       *net.UDPAddr `mapstructure:"-"`
}

type TUNConfig struct {
	Name    string `mapstructure:"name"`
	Address string `mapstructure:"address"` // CIDR, empty leaves the interface unconfigured
}

type SessionConfig struct {
	OfferMetadata   string        `mapstructure:"offer_metadata"`
	RekeyRateLimit  time.Duration `mapstructure:"rekey_rate_limit"`
	ServiceInterval time.Duration `mapstructure:"service_interval"`
}

type AdmissionConfig struct {
	Rate      float64 `mapstructure:"rate"`
	Burst     int     `mapstructure:"burst"`
	CacheSize int     `mapstructure:"cache_size"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// Load reads the configuration file at path. Every key can be overridden by
// an environment variable with the ZSSP_ prefix, e.g. ZSSP_LISTEN_PORT or
// ZSSP_PEER_ENDPOINT.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key, so that environment overrides work for
// keys missing from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("identity.private_key", "")
	v.SetDefault("peer.public_key", "")
	v.SetDefault("peer.endpoint", "")
	v.SetDefault("psk", "")
	v.SetDefault("listen_port", 9993)
	v.SetDefault("mtu", 1432)
	v.SetDefault("debug", false)

	v.SetDefault("tun.name", "zt0")
	v.SetDefault("tun.address", "")

	v.SetDefault("session.offer_metadata", "")
	v.SetDefault("session.rekey_rate_limit", zssp.DefaultRekeyRateLimit)
	v.SetDefault("session.service_interval", device.DefaultServiceInterval)

	v.SetDefault("admission.rate", 1.0)
	v.SetDefault("admission.burst", 4)
	v.SetDefault("admission.cache_size", 1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.filename", "")
	v.SetDefault("log.file.max_size", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9193")
	v.SetDefault("metrics.path", "/metrics")
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the configuration and decodes keys and addresses.
func (c *Config) Validate() error {
	if c.Identity.PrivateKey == "" {
		return invalid("identity.private_key is required")
	}
	scalar, err := base64.StdEncoding.DecodeString(c.Identity.PrivateKey)
	if err != nil {
		return invalid("identity.private_key: %v", err)
	}
	if c.Identity.KeyPair, err = zssp.P384KeyPairFromBytes(scalar); err != nil {
		return invalid("identity.private_key: %v", err)
	}

	if c.Peer.PublicKey == "" {
		return invalid("peer.public_key is required")
	}
	if c.Peer.StaticBlob, err = base64.StdEncoding.DecodeString(c.Peer.PublicKey); err != nil {
		return invalid("peer.public_key: %v", err)
	}
	if _, ok := device.ParseIdentityBlob(c.Peer.StaticBlob); !ok {
		return invalid("peer.public_key is not a valid identity")
	}
	if c.Peer.Endpoint != "" {
		if c.Peer.Addr, err = conn.ParseEndpoint(c.Peer.Endpoint); err != nil {
			return invalid("peer.endpoint: %v", err)
		}
	}

	psk := make([]byte, PSKSize)
	if c.PSK != "" {
		raw, err := base64.StdEncoding.DecodeString(c.PSK)
		if err != nil {
			return invalid("psk: %v", err)
		}
		if len(raw) > PSKSize {
			return invalid("psk longer than %d bytes", PSKSize)
		}
		copy(psk, raw)
	}
	c.PSKSecret = zssp.NewSecret(psk)

	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return invalid("listen_port %d out of range", c.ListenPort)
	}
	if c.MTU < zssp.MinTransportMTU || c.MTU > 65507 {
		return invalid("mtu %d must be between %d and 65507", c.MTU, zssp.MinTransportMTU)
	}
	if c.TUN.Name == "" {
		return invalid("tun.name is required")
	}
	if c.TUN.Address != "" {
		if _, _, err := net.ParseCIDR(c.TUN.Address); err != nil {
			return invalid("tun.address: %v", err)
		}
	}

	if c.Session.RekeyRateLimit <= 0 {
		return invalid("session.rekey_rate_limit must be positive")
	}
	if c.Session.ServiceInterval <= 0 || c.Session.ServiceInterval > zssp.ServiceInterval {
		return invalid("session.service_interval must be in (0, %s]", zssp.ServiceInterval)
	}
	if c.Admission.Rate <= 0 || c.Admission.Burst <= 0 || c.Admission.CacheSize <= 0 {
		return invalid("admission rate, burst and cache_size must be positive")
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return invalid("log.level %q (must be trace/debug/info/warn/error)", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return invalid("log.format %q (must be text/json)", c.Log.Format)
	}
	if c.Metrics.Enabled && (c.Metrics.Listen == "" || !strings.HasPrefix(c.Metrics.Path, "/")) {
		return invalid("metrics.listen and an absolute metrics.path are required when metrics are enabled")
	}
	return nil
}

// Device returns the settings of the tunnel node.
func (c *Config) Device() device.Config {
	return device.Config{
		Identity:        c.Identity.KeyPair,
		PeerStaticBlob:  c.Peer.StaticBlob,
		PSK:             c.PSKSecret,
		PeerAddr:        c.Peer.Addr,
		MTU:             c.MTU,
		OfferMetadata:   []byte(c.Session.OfferMetadata),
		RekeyRateLimit:  c.Session.RekeyRateLimit,
		ServiceInterval: c.Session.ServiceInterval,
		Admission: device.AdmissionConfig{
			Rate:      c.Admission.Rate,
			Burst:     c.Admission.Burst,
			CacheSize: c.Admission.CacheSize,
		},
		Debug: c.Debug,
	}
}
