// Package config loads and validates the service configuration from TOML.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/custodia/certauth/internal/util"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Keystore KeystoreConfig `toml:"keystore"`
	Auth     AuthConfig     `toml:"auth"`
	Admin    AdminConfig    `toml:"admin"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port    int    `toml:"port"`
	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`

	// TrustedProxies is the CIDR allowlist of TLS terminators whose
	// certificate-verification headers are honored. Requests from other
	// peers are treated as carrying no certificate.
	TrustedProxies []string `toml:"trusted_proxies"`
}

// StorageConfig controls the persistent record store.
type StorageConfig struct {
	Path string `toml:"path"`
}

// KeystoreConfig controls master key derivation.
type KeystoreConfig struct {
	// Profile names the argon2id parameter set: interactive, moderate or
	// sensitive.
	Profile string `toml:"profile"`
}

// AuthConfig controls the authentication state machine.
type AuthConfig struct {
	AttemptLimit      int `toml:"attempt_limit"`
	SessionTTLMinutes int `toml:"session_ttl_minutes"`
	PendingTTLMinutes int `toml:"pending_ttl_minutes"`

	// ExemptPrefixes lists route prefixes excluded from the second-factor
	// gate, for emergency access paths authenticated by other means.
	ExemptPrefixes []string `toml:"exempt_prefixes"`
}

// AdminConfig controls the administrative API surface.
type AdminConfig struct {
	Token string `toml:"token"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port: 8444,
		},
		Storage: StorageConfig{
			Path: "./data/certauth.db",
		},
		Keystore: KeystoreConfig{
			Profile: util.KDFProfileModerate,
		},
		Auth: AuthConfig{
			AttemptLimit:      3,
			SessionTTLMinutes: 720,
			PendingTTLMinutes: 10,
		},
	}
}

// Load reads a TOML configuration file over the defaults and validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that would misbehave at
// runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	if _, err := util.Argon2idProfile(c.Keystore.Profile); err != nil {
		return fmt.Errorf("keystore.profile: %w", err)
	}
	if c.Auth.AttemptLimit < 1 {
		return fmt.Errorf("auth.attempt_limit must be at least 1")
	}
	if c.Auth.SessionTTLMinutes < 1 {
		return fmt.Errorf("auth.session_ttl_minutes must be at least 1")
	}
	if c.Auth.PendingTTLMinutes < 1 {
		return fmt.Errorf("auth.pending_ttl_minutes must be at least 1")
	}
	for _, prefix := range c.Auth.ExemptPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("auth.exempt_prefixes entry %q must start with /", prefix)
		}
	}
	return nil
}

// TrustedProxyPrefixes parses the trusted proxy CIDRs. Bare addresses are
// accepted as single-host prefixes.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.Server.TrustedProxies))
	for _, raw := range c.Server.TrustedProxies {
		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("server.trusted_proxies entry %q: %w", raw, err)
			}
			prefixes = append(prefixes, prefix)
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("server.trusted_proxies entry %q: %w", raw, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// SessionTTL returns the session lifetime as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Auth.SessionTTLMinutes) * time.Minute
}

// PendingTTL returns the enrollment setup window as a duration.
func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.Auth.PendingTTLMinutes) * time.Minute
}
