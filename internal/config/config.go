// Package config loads service configuration from the environment, with an
// optional .env file in the working directory for development setups.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the explicit configuration for one axond process. Every
// component receives the fields it needs at construction; nothing reads the
// environment after startup.
type Config struct {
	HTTPAddr string

	SessionRoot string
	ModelRoot   string
	KernelDir   string

	SharedHost   string
	SharedPort   int
	SharedDB     int
	SharedPrefix string

	HMACSecret string

	GPUCount      int
	GPUMinFreeMiB int

	JobTimeout       time.Duration
	SessionRetention time.Duration
	ReapInterval     time.Duration

	SimMaxWorkers  int
	RoastTimeout   time.Duration
	SimnibsTimeout time.Duration

	RoastBuildDir string
	MatlabRuntime string
	SimnibsHome   string
	ResampleBin   string

	AuditDSN string
}

// Load reads configuration from the environment. A .env file in the working
// directory is consulted first when present; real environment variables win.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	if _, err := os.Stat(".env"); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read .env: %w", err)
		}
	}
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8000")
	v.SetDefault("SESSION_ROOT", "./sessions")
	v.SetDefault("MODEL_ROOT", "./models")
	v.SetDefault("KERNEL_DIR", "")
	v.SetDefault("SHARED_HOST", "localhost")
	v.SetDefault("SHARED_PORT", 6379)
	v.SetDefault("SHARED_DB", 0)
	v.SetDefault("SHARED_PREFIX", "axon")
	v.SetDefault("HMAC_SECRET", "change_me")
	v.SetDefault("GPU_COUNT", 4)
	v.SetDefault("GPU_MIN_FREE_MIB", 0)
	v.SetDefault("JOB_TIMEOUT_SECONDS", 0)
	v.SetDefault("SESSION_RETENTION_HOURS", 24)
	v.SetDefault("REAP_INTERVAL_MINUTES", 60)
	v.SetDefault("SIM_MAX_WORKERS", 2)
	v.SetDefault("ROAST_TIMEOUT_SECONDS", 3600)
	v.SetDefault("SIMNIBS_TIMEOUT_SECONDS", 7200)
	v.SetDefault("ROAST_BUILD_DIR", "")
	v.SetDefault("MATLAB_RUNTIME", "")
	v.SetDefault("SIMNIBS_HOME", "")
	v.SetDefault("RESAMPLE_BIN", "")
	v.SetDefault("AUDIT_DSN", "")

	cfg := &Config{
		HTTPAddr:         v.GetString("HTTP_ADDR"),
		SessionRoot:      v.GetString("SESSION_ROOT"),
		ModelRoot:        v.GetString("MODEL_ROOT"),
		KernelDir:        v.GetString("KERNEL_DIR"),
		SharedHost:       v.GetString("SHARED_HOST"),
		SharedPort:       v.GetInt("SHARED_PORT"),
		SharedDB:         v.GetInt("SHARED_DB"),
		SharedPrefix:     v.GetString("SHARED_PREFIX"),
		HMACSecret:       v.GetString("HMAC_SECRET"),
		GPUCount:         v.GetInt("GPU_COUNT"),
		GPUMinFreeMiB:    v.GetInt("GPU_MIN_FREE_MIB"),
		JobTimeout:       time.Duration(v.GetInt("JOB_TIMEOUT_SECONDS")) * time.Second,
		SessionRetention: time.Duration(v.GetInt("SESSION_RETENTION_HOURS")) * time.Hour,
		ReapInterval:     time.Duration(v.GetInt("REAP_INTERVAL_MINUTES")) * time.Minute,
		SimMaxWorkers:    v.GetInt("SIM_MAX_WORKERS"),
		RoastTimeout:     time.Duration(v.GetInt("ROAST_TIMEOUT_SECONDS")) * time.Second,
		SimnibsTimeout:   time.Duration(v.GetInt("SIMNIBS_TIMEOUT_SECONDS")) * time.Second,
		RoastBuildDir:    v.GetString("ROAST_BUILD_DIR"),
		MatlabRuntime:    v.GetString("MATLAB_RUNTIME"),
		SimnibsHome:      v.GetString("SIMNIBS_HOME"),
		ResampleBin:      v.GetString("RESAMPLE_BIN"),
		AuditDSN:         v.GetString("AUDIT_DSN"),
	}
	if cfg.KernelDir == "" {
		cfg.KernelDir = filepath.Join(cfg.ModelRoot, "kernels")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SharedAddr returns the host:port of the shared state backend.
func (c *Config) SharedAddr() string {
	return fmt.Sprintf("%s:%d", c.SharedHost, c.SharedPort)
}

// Validate rejects configurations the service cannot run under.
func (c *Config) Validate() error {
	if c.GPUCount < 1 {
		return fmt.Errorf("config: GPU_COUNT must be at least 1, got %d", c.GPUCount)
	}
	if c.SimMaxWorkers < 1 {
		return fmt.Errorf("config: SIM_MAX_WORKERS must be at least 1, got %d", c.SimMaxWorkers)
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("config: SESSION_RETENTION_HOURS must be positive")
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("config: REAP_INTERVAL_MINUTES must be positive")
	}
	if c.SessionRoot == "" || c.ModelRoot == "" {
		return fmt.Errorf("config: SESSION_ROOT and MODEL_ROOT are required")
	}
	return nil
}

// DefaultSecret reports whether the HMAC secret was left at its placeholder
// value. Callers log a warning; the service still starts so that local
// development works out of the box.
func (c *Config) DefaultSecret() bool {
	return c.HMACSecret == "" || c.HMACSecret == "change_me"
}
