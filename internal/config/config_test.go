package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.HTTPAddr)
	assert.Equal(t, "./sessions", cfg.SessionRoot)
	assert.Equal(t, "axon", cfg.SharedPrefix)
	assert.Equal(t, "localhost:6379", cfg.SharedAddr())
	assert.Equal(t, 4, cfg.GPUCount)
	assert.Equal(t, time.Duration(0), cfg.JobTimeout)
	assert.Equal(t, 24*time.Hour, cfg.SessionRetention)
	assert.Equal(t, 2, cfg.SimMaxWorkers)
	assert.Equal(t, time.Hour, cfg.RoastTimeout)
	assert.True(t, cfg.DefaultSecret())
	assert.Equal(t, "models/kernels", cfg.KernelDir)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SHARED_HOST", "redis.internal")
	t.Setenv("SHARED_PORT", "6380")
	t.Setenv("GPU_COUNT", "8")
	t.Setenv("HMAC_SECRET", "s3cret")
	t.Setenv("JOB_TIMEOUT_SECONDS", "900")
	t.Setenv("KERNEL_DIR", "/opt/kernels")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.SharedAddr())
	assert.Equal(t, 8, cfg.GPUCount)
	assert.False(t, cfg.DefaultSecret())
	assert.Equal(t, 15*time.Minute, cfg.JobTimeout)
	assert.Equal(t, "/opt/kernels", cfg.KernelDir)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("GPU_COUNT", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GPU_COUNT")
}
