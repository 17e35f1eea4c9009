package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	c, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "mongodb://localhost:27017", c.Mongo.URI)
	assert.Equal(t, "local", c.Scheduler.Shell)
	assert.Equal(t, time.Minute, c.Scheduler.MisfireThreshold)
	assert.Equal(t, 30*time.Second, c.Scheduler.IdleWaitTime)
	assert.Equal(t, "fires", c.Worker.Destination)
	assert.Equal(t, 10*time.Second, c.RPC.Timeout)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quartz.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mongo:
  database: jobs
scheduler:
  shell: dispatch
  max_batch_size: 10
  misfire_threshold: 5s
log:
  format: console
`), 0o600))
	t.Setenv("QUARTZ_SCHEDULER_INSTANCE_ID", "node-1")
	t.Setenv("QUARTZ_REDIS_URL", "redis://cache:6379/2")

	c, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "jobs", c.Mongo.Database)
	assert.Equal(t, "dispatch", c.Scheduler.Shell)
	assert.Equal(t, 10, c.Scheduler.MaxBatchSize)
	assert.Equal(t, 5*time.Second, c.Scheduler.MisfireThreshold)
	assert.Equal(t, "node-1", c.Scheduler.InstanceID)
	assert.Equal(t, "redis://cache:6379/2", c.Redis.URL)
	assert.Equal(t, "console", c.Log.Format)
}

func TestLoadConfigRejectsUnknownShell(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("QUARTZ_SCHEDULER_SHELL", "carrier-pigeon")

	_, err := loadConfig("")
	assert.ErrorContains(t, err, "scheduler.shell")
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	l, err := newLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = newLogger(LogConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}

func TestBuiltinJobsRegistered(t *testing.T) {
	l, err := newLogger(LogConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	jobs := builtinJobs(l)
	_, err = jobs.New("shell")
	require.NoError(t, err)
	_, err = jobs.New("log")
	require.NoError(t, err)
}
