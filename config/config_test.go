package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/custodia/certauth/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "certauth.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8444, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Auth.AttemptLimit)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9000
trusted_proxies = ["10.0.0.0/8", "192.168.1.1"]

[auth]
attempt_limit = 5
exempt_prefixes = ["/emergency"]

[keystore]
profile = "interactive"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Auth.AttemptLimit)
	assert.Equal(t, []string{"/emergency"}, cfg.Auth.ExemptPrefixes)
	assert.Equal(t, "interactive", cfg.Keystore.Profile)

	prefixes, err := cfg.TrustedProxyPrefixes()
	require.NoError(t, err)
	require.Len(t, prefixes, 2)
	assert.Equal(t, 32, prefixes[1].Bits(), "bare address becomes a /32")
}

func TestValidateRejectsBadValues(t *testing.T) {
	for name, mutate := range map[string]func(*config.Config){
		"BadPort":          func(c *config.Config) { c.Server.Port = 0 },
		"HalfTLS":          func(c *config.Config) { c.Server.TLSCert = "cert.pem" },
		"BadProxy":         func(c *config.Config) { c.Server.TrustedProxies = []string{"not-an-ip"} },
		"BadProfile":       func(c *config.Config) { c.Keystore.Profile = "bogus" },
		"ZeroAttemptLimit": func(c *config.Config) { c.Auth.AttemptLimit = 0 },
		"RelativeExempt":   func(c *config.Config) { c.Auth.ExemptPrefixes = []string{"emergency"} },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
