// Package config loads the YAML configuration consumed by both cmd
// binaries: the pre-shared key, the tun_ssl and debug flags named in
// spec §6, and the listen/dial addresses around them. Grounded on the
// teacher's own internal/config.go — same load-then-default shape, same
// yaml.v3 library.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document, shared by client and server
// (each reads only the fields relevant to its role).
type Config struct {
	Listen struct {
		SOCKS5 string `yaml:"socks5"` // client: local SOCKS5 listen address
		HTTP   string `yaml:"http"`   // server: inbound tunnel listen address
	} `yaml:"listen"`

	// Server is the wss:// (or ws://) URL the client dials to reach the
	// relay server. Unused on the server side.
	Server string `yaml:"server"`

	// MetricsAddr, when non-empty, serves Prometheus /metrics over plain
	// HTTP at this address. Empty disables the metrics server.
	MetricsAddr string `yaml:"metrics_addr"`

	// Key is the hex-encoded 16-byte pre-shared key. Empty means no key
	// (only valid when TunSSL is true — see Validate).
	Key string `yaml:"key"`

	// TunSSL mirrors spec §6's `tun_ssl`: true when the carrier is
	// already TLS-protected, disabling the REQ timestamp-expiry check and
	// permitting a keyless deployment.
	TunSSL bool `yaml:"tun_ssl"`

	// Debug mirrors spec §6's `debug`: maintains the weak-reference
	// tunnel registry for leak diagnostics when true.
	Debug bool `yaml:"debug"`

	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Load reads and parses path, applying defaults for anything left zero.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.SOCKS5 == "" {
		c.Listen.SOCKS5 = "127.0.0.1:1080"
	}
	if c.Listen.HTTP == "" {
		c.Listen.HTTP = "0.0.0.0:8443"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
}

// Validate rejects the one configuration this module refuses to run
// with: no pre-shared key over a non-TLS carrier, which per spec §9's
// resolved open question leaves HMAC with nothing to key itself on.
func (c *Config) Validate() error {
	if c.Key == "" && !c.TunSSL {
		return fmt.Errorf("config: key is required unless tun_ssl is true")
	}
	if c.Key != "" {
		if _, err := c.KeyBytes(); err != nil {
			return fmt.Errorf("config: invalid key: %w", err)
		}
	}
	return nil
}

// KeyBytes decodes the hex-encoded Key field. An empty Key decodes to nil
// (the inert-cryptor case).
func (c *Config) KeyBytes() ([]byte, error) {
	if c.Key == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(c.Key)
	if err != nil {
		return nil, err
	}
	if len(b) != 16 {
		return nil, fmt.Errorf("config: key must decode to 16 bytes, got %d", len(b))
	}
	return b, nil
}
