package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("GOOGLE_CLIENT_ID", "client-id")
	t.Setenv("WORKFLOW_WEBHOOK_URL", "https://hooks.example.com/webhook/user-email")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, 10, cfg.DatabaseMaxOpen)
	assert.Equal(t, DefaultSessionSecret, cfg.SessionSecret)
	assert.Equal(t, 2*time.Second, cfg.CorrelationSettleDelay)
	assert.Equal(t, 8, cfg.CorrelationAttempts)
	assert.Equal(t, 5, cfg.CorrelationBatch)
	assert.False(t, cfg.CorrelationAllowUnverified)
	assert.Empty(t, cfg.GoogleClientSecret)
	assert.False(t, cfg.FastPathEnabled(), "the workflow gets an unspent code by default")
}

func TestLoad_FastPathFollowsClientSecret(t *testing.T) {
	setRequired(t)
	t.Setenv("GOOGLE_CLIENT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.FastPathEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("CORRELATION_DELAY", "250ms")
	t.Setenv("CORRELATION_ATTEMPTS", "12")
	t.Setenv("CORRELATION_ALLOW_UNVERIFIED", "true")
	t.Setenv("WORKFLOW_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.CorrelationDelay)
	assert.Equal(t, 12, cfg.CorrelationAttempts)
	assert.True(t, cfg.CorrelationAllowUnverified)
	assert.Equal(t, 15*time.Second, cfg.WorkflowTimeout, "invalid durations fall back to the default")
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("GOOGLE_CLIENT_ID", "client-id")
	t.Setenv("WORKFLOW_WEBHOOK_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKFLOW_WEBHOOK_URL")
}

func TestLoad_RejectsZeroAttempts(t *testing.T) {
	setRequired(t)
	t.Setenv("CORRELATION_ATTEMPTS", "0")

	_, err := Load()
	require.Error(t, err)
}
