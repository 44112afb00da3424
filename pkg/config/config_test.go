package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provisioner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
api:
  base_url: https://hpc.example.org/api
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultReconnectBase, cfg.Channel.ReconnectBase.Std())
	assert.Equal(t, DefaultReconnectMax, cfg.Channel.ReconnectMax.Std())
	assert.Equal(t, DefaultMaxReconnects, cfg.Channel.MaxReconnects)
	assert.Equal(t, DefaultPollInterval, cfg.Poller.Interval.Std())
	assert.Equal(t, DefaultPollMaxWindow, cfg.Poller.MaxWindow.Std())
	assert.Equal(t, DefaultOpenDelay, cfg.Session.OpenDelay.Std())
	assert.False(t, cfg.Session.RetainMessagesOnRetry)
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `
api:
  base_url: http://localhost:8000
  request_timeout: 3s
channel:
  reconnect_base: 500ms
  reconnect_max: 10s
  max_reconnects: 4
poller:
  interval: 1s
  max_window: 2m
session:
  open_delay: 250ms
  retain_messages_on_retry: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.API.RequestTimeout.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Channel.ReconnectBase.Std())
	assert.Equal(t, 4, cfg.Channel.MaxReconnects)
	assert.Equal(t, 2*time.Minute, cfg.Poller.MaxWindow.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.Session.OpenDelay.Std())
	assert.True(t, cfg.Session.RetainMessagesOnRetry)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
api:
  base_url: http://localhost:8000
poller:
  interval: quickly
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quickly")
}

func TestValidateRequiresBaseURL(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url")
}

func TestValidateRejectsNonHTTPScheme(t *testing.T) {
	cfg := Default()
	cfg.API.BaseURL = "ftp://hpc.example.org"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http")
}

func TestValidateRejectsInvertedBackoff(t *testing.T) {
	cfg := Default()
	cfg.API.BaseURL = "https://hpc.example.org"
	cfg.Channel.ReconnectBase = Duration(time.Minute)
	cfg.Channel.ReconnectMax = Duration(time.Second)
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsIntervalBeyondWindow(t *testing.T) {
	cfg := Default()
	cfg.API.BaseURL = "https://hpc.example.org"
	cfg.Poller.Interval = Duration(10 * time.Minute)
	cfg.Poller.MaxWindow = Duration(5 * time.Minute)
	require.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
