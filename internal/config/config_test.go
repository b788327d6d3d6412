package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Queue.Backend)
	assert.Equal(t, 3, cfg.Pool.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Store.RetryBackoff)
	assert.Equal(t, cfg.Pool.MaxJobsRunning, cfg.Queue.MaxRunning)
	assert.Equal(t, cfg.Pool.MaxJobsQueued, cfg.Queue.MaxQueued)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
store:
  path: /var/lib/pool/pool.db
  retry_ceiling: 120
pool:
  poll_interval: 10s
  max_jobs_running: 2
  max_jobs_queued: 1
  max_attempts: 5
  obstime_limit: 6h
  script: /opt/search.sh
  required_subbands: [0]
queue:
  backend: pbs
  pbs:
    queue_name: batch
    user: pulsar
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/var/lib/pool/pool.db", cfg.Store.Path)
	assert.Equal(t, 120, cfg.Store.RetryCeiling)
	assert.Equal(t, 10*time.Second, cfg.Pool.PollInterval)
	assert.Equal(t, 6*time.Hour, cfg.Pool.ObstimeLimit)
	assert.Equal(t, []int{0}, cfg.Pool.RequiredSubbands)
	assert.Equal(t, "pbs", cfg.Queue.Backend)
	assert.Equal(t, "batch", cfg.Queue.PBS.QueueName)
	// Unset nested fields keep their defaults.
	assert.Equal(t, "jobpool", cfg.Queue.PBS.JobName)
	// Limits flow from pool to queue.
	assert.Equal(t, 2, cfg.Queue.MaxRunning)
	assert.Equal(t, 1, cfg.Queue.MaxQueued)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeConfig(t, "pool: [unterminated")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Pool.MaxAttempts = 0
	cfg.Pool.MaxJobsRunning = 0
	cfg.Queue.Backend = "slurm"
	cfg.Notify.Kind = "smtp"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "max_attempts")
	assert.Contains(t, msg, "max_jobs_running")
	assert.Contains(t, msg, `"slurm"`)
	assert.Contains(t, msg, "notify.smtp")
}

func TestValidate_UploadNeedsBucket(t *testing.T) {
	cfg := Default()
	cfg.Upload.Enabled = true
	require.Error(t, cfg.Validate())

	cfg.Upload.Bucket = "survey-results"
	require.NoError(t, cfg.Validate())
}
