// Package config provides configuration loading for rolloutd.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the rolloutd daemon.
type Config struct {
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	HTTP        HTTPConfig        `koanf:"http"`
	Scheduler   SchedulerConfig   `koanf:"scheduler"`
	Coordinator CoordinatorConfig `koanf:"coordinator"`
	Migration   MigrationConfig   `koanf:"migration"`
	Validation  ValidationConfig  `koanf:"validation"`
	Health      HealthConfig      `koanf:"health"`
	Workspace   WorkspaceConfig   `koanf:"workspace"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig controls OpenTelemetry trace export.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	ServiceName  string  `koanf:"service_name"`
	SampleRatio  float64 `koanf:"sample_ratio"`
}

// HTTPConfig controls the run-control HTTP API.
type HTTPConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// SchedulerConfig controls phase sequencing policy.
type SchedulerConfig struct {
	// SuccessThreshold is the minimum success rate for a parallel phase to
	// be considered successful. Integration phases ignore it: any failure
	// there is fatal.
	SuccessThreshold float64 `koanf:"success_threshold"`
}

// CoordinatorConfig controls parallel dispatch.
type CoordinatorConfig struct {
	// MaxConcurrent caps in-flight executors. Zero selects a budget from
	// item count and complexity.
	MaxConcurrent int `koanf:"max_concurrent"`
	// LocalBudget and ScaledBudget are the two automatic budget choices.
	LocalBudget  int `koanf:"local_budget"`
	ScaledBudget int `koanf:"scaled_budget"`
	// LocalItemLimit and LocalComplexityLimit bound the "small run" shape
	// that selects LocalBudget.
	LocalItemLimit       int     `koanf:"local_item_limit"`
	LocalComplexityLimit float64 `koanf:"local_complexity_limit"`

	PollInterval    Duration `koanf:"poll_interval"`
	MonitorTimeout  Duration `koanf:"monitor_timeout"`
	DispatchRetries int      `koanf:"dispatch_retries"`
	// LaunchRate limits executor launches per second; LaunchBurst is the
	// limiter burst size.
	LaunchRate  float64 `koanf:"launch_rate"`
	LaunchBurst int     `koanf:"launch_burst"`
}

// MigrationConfig controls traffic ramping.
type MigrationConfig struct {
	// RampSteps are traffic percentages, strictly increasing, ending at 100.
	RampSteps   []int    `koanf:"ramp_steps"`
	SettleDelay Duration `koanf:"settle_delay"`
}

// ValidationConfig controls confidence gates.
type ValidationConfig struct {
	ComponentThreshold float64 `koanf:"component_threshold"`
	SystemThreshold    float64 `koanf:"system_threshold"`
	CriticalOverall    float64 `koanf:"critical_overall"`
	CriticalPooled     float64 `koanf:"critical_pooled"`
}

// HealthConfig controls the PromQL health checker.
type HealthConfig struct {
	MetricsURL         string  `koanf:"metrics_url"`
	ErrorRateThreshold float64 `koanf:"error_rate_threshold"`
	LatencyP95Seconds  float64 `koanf:"latency_p95_seconds"`
}

// WorkspaceConfig controls git-backed execution isolation.
type WorkspaceConfig struct {
	RepoPath   string `koanf:"repo_path"`
	BaseBranch string `koanf:"base_branch"`
}

// Default returns the built-in defaults. Values mirror the documented
// policy: 80% phase tolerance, 0.80/0.85 gates, the six-step ramp.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "rolloutd",
			SampleRatio:  1.0,
		},
		HTTP: HTTPConfig{
			Host: "localhost",
			Port: 9292,
		},
		Scheduler: SchedulerConfig{
			SuccessThreshold: 0.80,
		},
		Coordinator: CoordinatorConfig{
			MaxConcurrent:        0,
			LocalBudget:          2,
			ScaledBudget:         6,
			LocalItemLimit:       5,
			LocalComplexityLimit: 15,
			PollInterval:         Duration(5 * time.Second),
			MonitorTimeout:       Duration(2 * time.Hour),
			DispatchRetries:      2,
			LaunchRate:           4,
			LaunchBurst:          2,
		},
		Migration: MigrationConfig{
			RampSteps:   []int{10, 25, 50, 75, 90, 100},
			SettleDelay: Duration(10 * time.Second),
		},
		Validation: ValidationConfig{
			ComponentThreshold: 0.80,
			SystemThreshold:    0.85,
			CriticalOverall:    0.70,
			CriticalPooled:     0.80,
		},
		Health: HealthConfig{
			MetricsURL:         "",
			ErrorRateThreshold: 0.05,
			LatencyP95Seconds:  2.0,
		},
		Workspace: WorkspaceConfig{
			RepoPath:   ".",
			BaseBranch: "main",
		},
	}
}

// Validate checks invariants that would otherwise surface mid-run.
func (c *Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	if c.Scheduler.SuccessThreshold < 0 || c.Scheduler.SuccessThreshold > 1 {
		return fmt.Errorf("scheduler.success_threshold must be in [0,1]: %v", c.Scheduler.SuccessThreshold)
	}
	if c.Coordinator.MaxConcurrent < 0 {
		return fmt.Errorf("coordinator.max_concurrent cannot be negative: %d", c.Coordinator.MaxConcurrent)
	}
	if c.Coordinator.LocalBudget < 1 || c.Coordinator.ScaledBudget < 1 {
		return fmt.Errorf("coordinator budgets must be at least 1")
	}
	if c.Coordinator.PollInterval.Duration() <= 0 {
		return fmt.Errorf("coordinator.poll_interval must be positive")
	}
	if c.Coordinator.MonitorTimeout.Duration() <= 0 {
		return fmt.Errorf("coordinator.monitor_timeout must be positive")
	}
	if c.Coordinator.LaunchRate <= 0 {
		return fmt.Errorf("coordinator.launch_rate must be positive")
	}
	if err := validateRamp(c.Migration.RampSteps); err != nil {
		return err
	}
	for name, v := range map[string]float64{
		"validation.component_threshold": c.Validation.ComponentThreshold,
		"validation.system_threshold":    c.Validation.SystemThreshold,
		"validation.critical_overall":    c.Validation.CriticalOverall,
		"validation.critical_pooled":     c.Validation.CriticalPooled,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1]: %v", name, v)
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be in [0,1]: %v", c.Telemetry.SampleRatio)
	}
	return nil
}

func validateRamp(steps []int) error {
	if len(steps) == 0 {
		return fmt.Errorf("migration.ramp_steps cannot be empty")
	}
	prev := 0
	for _, s := range steps {
		if s <= prev || s > 100 {
			return fmt.Errorf("migration.ramp_steps must be strictly increasing in (0,100]: %v", steps)
		}
		prev = s
	}
	if steps[len(steps)-1] != 100 {
		return fmt.Errorf("migration.ramp_steps must end at 100: %v", steps)
	}
	return nil
}
