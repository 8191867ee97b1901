package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaultsWithEnvOverrides(t *testing.T) {
	t.Setenv("PEOPLEDESK_CONFIG", "")
	t.Setenv("PEOPLEDESK_LINK_SECRET", testSecret)
	t.Setenv("PEOPLEDESK_LOCKOUT_THRESHOLD", "3")
	t.Setenv("PEOPLEDESK_SESSION_TTL", "2h")
	t.Setenv("PEOPLEDESK_SECURE_COOKIES", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Auth.LockoutThreshold)
	require.Equal(t, 2*time.Hour, cfg.Auth.SessionTTL)
	require.False(t, cfg.HTTP.SecureCookies)
	require.Equal(t, 15*time.Minute, cfg.Auth.LinkTTL)
	require.Equal(t, MinBcryptCost, cfg.Auth.BcryptCost)
}

func TestLoadTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peopledesk.toml")
	body := `
http_addr = ":9999"
issuer = "hr-test"

[auth]
link_secret = "` + testSecret + `"
lockout_duration = "30m"
emergency_secret = "break-glass"

[http]
rate_burst = 7
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.HTTPAddr)
	require.Equal(t, "hr-test", cfg.Issuer)
	require.Equal(t, 30*time.Minute, cfg.Auth.LockoutDuration)
	require.Equal(t, "break-glass", cfg.Auth.EmergencySecret)
	require.Equal(t, 7, cfg.HTTP.RateBurst)
	require.Equal(t, 5, cfg.HTTP.RatePerSecond)
}

func TestValidateRejectsWeakSettings(t *testing.T) {
	cfg := Default()
	cfg.Auth.LinkSecret = testSecret
	require.NoError(t, cfg.Validate())

	cfg.Auth.BcryptCost = 10
	require.ErrorContains(t, cfg.Validate(), "bcrypt_cost")

	cfg = Default()
	require.ErrorContains(t, cfg.Validate(), "link_secret")
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	t.Setenv("PEOPLEDESK_CONFIG", "")
	t.Setenv("PEOPLEDESK_LINK_SECRET", testSecret)
	t.Setenv("PEOPLEDESK_RATE_BURST", "lots")
	_, err := Load("")
	require.Error(t, err)
}
