package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"MAIL_LASER_TARGET_EMAILS", "MAIL_LASER_WEBHOOK_URL", "MAIL_LASER_SMTP_BIND",
		"MAIL_LASER_SMTP_PORT", "MAIL_LASER_HEALTH_BIND", "MAIL_LASER_HEALTH_PORT",
		"MAIL_LASER_WEBHOOK_TIMEOUT_S", "MAIL_LASER_WEBHOOK_MAX_RETRIES",
		"MAIL_LASER_CB_THRESHOLD", "MAIL_LASER_CB_RESET_S", "MAIL_LASER_HEADER_PREFIXES",
	}
	for _, v := range vars {
		require.NoError(t, os.Unsetenv(v))
	}
}

func TestLoad_DefaultsAndRequiredFields(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.Setenv("MAIL_LASER_TARGET_EMAILS", "a@x,b@y"))
	require.NoError(t, os.Setenv("MAIL_LASER_WEBHOOK_URL", "https://hooks.example.com/in"))
	t.Cleanup(func() { clearEnv(t) })

	cfg, err := Load(Release(true))
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x", "b@y"}, cfg.TargetEmails)
	assert.Equal(t, "0.0.0.0:2525", cfg.SMTPAddr())
	assert.Equal(t, "0.0.0.0:8080", cfg.HealthAddr())
	assert.Equal(t, 30, cfg.WebhookTimeoutSec)
	assert.Equal(t, 3, cfg.WebhookMaxRetries)
	assert.Equal(t, 5, cfg.CircuitThreshold)
	assert.Equal(t, 60, cfg.CircuitResetSec)
}

func TestLoad_RejectsEmptyTargetList(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.Setenv("MAIL_LASER_WEBHOOK_URL", "https://hooks.example.com/in"))
	t.Cleanup(func() { clearEnv(t) })

	_, err := Load(Release(true))
	assert.Error(t, err)
}

func TestLoad_RejectsHTTPInReleaseMode(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.Setenv("MAIL_LASER_TARGET_EMAILS", "a@x"))
	require.NoError(t, os.Setenv("MAIL_LASER_WEBHOOK_URL", "http://hooks.example.com/in"))
	t.Cleanup(func() { clearEnv(t) })

	_, err := Load(Release(true))
	assert.Error(t, err)

	cfg, err := Load(Release(false))
	require.NoError(t, err)
	assert.Equal(t, "http://hooks.example.com/in", cfg.WebhookURL)
}

func TestMatchTarget_CaseInsensitive(t *testing.T) {
	clearEnv(t)
	require.NoError(t, os.Setenv("MAIL_LASER_TARGET_EMAILS", "Ops@Example.com"))
	require.NoError(t, os.Setenv("MAIL_LASER_WEBHOOK_URL", "https://hooks.example.com/in"))
	t.Cleanup(func() { clearEnv(t) })

	cfg, err := Load(Release(true))
	require.NoError(t, err)

	original, ok := cfg.MatchTarget("ops@example.COM")
	require.True(t, ok)
	assert.Equal(t, "Ops@Example.com", original)

	_, ok = cfg.MatchTarget("nope@example.com")
	assert.False(t, ok)
}
