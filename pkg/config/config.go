// Package config loads and validates SchedulerConfig, per spec §3 and §6.
// Adapted from the teacher's pkg/observability/tracing.go TracingConfig
// (yaml-tagged struct + DefaultXConfig constructor) and its
// pkg/k8s/cli.go use of gopkg.in/yaml.v2 for structured file parsing.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// RetryConfig mirrors spec §3's RetryPolicy shape as it appears on disk.
type RetryConfig struct {
	MaxRetryBeforeBackoff int `yaml:"max_retry_before_backoff"`
	BackoffDuration       int `yaml:"backoff_duration"`
}

// SchedulerConfig is the on-disk shape of spec §3's SchedulerConfig,
// covering every key named in spec §6.
type SchedulerConfig struct {
	CheckTime                   int         `yaml:"check_time"`
	MaximizeResourceUtilization bool        `yaml:"maximize_resource_utilization"`
	MemorySaveMode              bool        `yaml:"memory_save_mode"`
	CompeteGPUs                 []int       `yaml:"compete_gpus"`
	UseAllGPUs                  bool        `yaml:"use_all_gpus"`
	GPULeft                     int         `yaml:"gpu_left"`
	MinGPU                      int         `yaml:"min_gpu"`
	MaxGPU                      int         `yaml:"max_gpu"`
	RetryConfig                 RetryConfig `yaml:"retry_config"`
	WorkDir                     string      `yaml:"work_dir"`
	GPUCommandFile               string      `yaml:"gpu_command_file"`
	GPUsCommandFile               string      `yaml:"gpus_command_file"`
}

// DefaultSchedulerConfig returns the spec §6 default of check_time=5 with
// everything else zero-valued; callers must still set sizing and a
// command file path.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{CheckTime: 5}
}

// Load reads and validates a SchedulerConfig from a YAML file.
func Load(path string) (SchedulerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SchedulerConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultSchedulerConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SchedulerConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return SchedulerConfig{}, err
	}
	return cfg, nil
}

// Validate rejects sizing configurations that the sizing formula (spec
// §4.E, §9 Open Question 1) cannot reasonably resolve. This is the
// [SUPPLEMENT] sizing validator named in SPEC_FULL.md §9.
func (c SchedulerConfig) Validate() error {
	if c.MinGPU < 0 || c.MaxGPU < 0 || c.GPULeft < 0 {
		return fmt.Errorf("config: min_gpu, max_gpu, gpu_left must be non-negative")
	}
	if c.MaxGPU > 0 && c.MinGPU > c.MaxGPU {
		return fmt.Errorf("config: min_gpu (%d) must not exceed max_gpu (%d)", c.MinGPU, c.MaxGPU)
	}
	if c.CheckTime <= 0 {
		return fmt.Errorf("config: check_time must be positive")
	}
	if c.RetryConfig.MaxRetryBeforeBackoff < 0 || c.RetryConfig.BackoffDuration < 0 {
		return fmt.Errorf("config: retry_config values must be non-negative")
	}
	return nil
}

// ChosenCount implements spec §4.E step 1's sizing formula:
//
//	K = min(max_gpu, max(min_gpu, probed_count - gpu_left))
//
// clamped to [1, probed_count]. A max_gpu of 0 is treated as unset and
// imposes no upper bound (matching Validate). This is the explicit min/max formulation
// spec §9 Open Question 1 resolves in favor of (not the looser
// max(min_gpu, probed-gpu_left) alternative the source material also
// mentions).
func (c SchedulerConfig) ChosenCount(probedCount int) int {
	if probedCount <= 0 {
		return 0
	}
	k := probedCount - c.GPULeft
	if k < c.MinGPU {
		k = c.MinGPU
	}
	if c.MaxGPU > 0 && k > c.MaxGPU {
		k = c.MaxGPU
	}
	if k < 1 {
		k = 1
	}
	if k > probedCount {
		k = probedCount
	}
	return k
}
