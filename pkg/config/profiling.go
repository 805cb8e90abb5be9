package config

import "fmt"

// ProfilingConfig contains Pyroscope profiling configuration.
// A Pi Zero has little headroom, so only CPU and in-use heap are on by default.
type ProfilingConfig struct {
	Enabled           bool              `yaml:"enabled" json:"enabled" env:"PYROSCOPE_ENABLED"`
	ApplicationName   string            `yaml:"applicationName" json:"applicationName" env:"PYROSCOPE_APPLICATION_NAME" env-default:"office-status"`
	ServerAddress     string            `yaml:"serverAddress" json:"serverAddress" env:"PYROSCOPE_SERVER_ADDRESS"`
	BasicAuthUser     string            `yaml:"basicAuthUser" json:"basicAuthUser" env:"PYROSCOPE_BASIC_AUTH_USER"`
	BasicAuthPassword string            `yaml:"basicAuthPassword" json:"basicAuthPassword" env:"PYROSCOPE_BASIC_AUTH_PASSWORD"`
	TenantID          string            `yaml:"tenantID" json:"tenantID" env:"PYROSCOPE_TENANT_ID"`
	Tags              map[string]string `yaml:"tags" json:"tags"`

	AllocProfiles     bool `yaml:"allocProfiles" json:"allocProfiles" env:"PYROSCOPE_ALLOC_PROFILES"`
	GoroutineProfile  bool `yaml:"goroutineProfile" json:"goroutineProfile" env:"PYROSCOPE_GOROUTINE_PROFILE"`
	DisableCPUProfile bool `yaml:"disableCpuProfile" json:"disableCpuProfile" env:"PYROSCOPE_DISABLE_CPU_PROFILE"`
	DisableGCRuns     bool `yaml:"disableGCRuns" json:"disableGCRuns" env:"PYROSCOPE_DISABLE_GC_RUNS"`
}

// ValidateProfiling validates profiling configuration if enabled
func ValidateProfiling(cfg *ProfilingConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.ApplicationName == "" {
		return fmt.Errorf("profiling application name is required when profiling is enabled")
	}

	if cfg.ServerAddress == "" {
		return fmt.Errorf("profiling server address is required when profiling is enabled")
	}

	return nil
}
