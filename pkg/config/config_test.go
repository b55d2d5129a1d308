package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadParsesAllKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler.yaml")
	content := `
check_time: 2
maximize_resource_utilization: false
memory_save_mode: true
compete_gpus: [0, 1, 2]
use_all_gpus: false
gpu_left: 1
min_gpu: 2
max_gpu: 3
retry_config:
  max_retry_before_backoff: 3
  backoff_duration: 10
work_dir: /data/job
gpu_command_file: /cfg/single.txt
gpus_command_file: /cfg/multi.txt
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.CheckTime)
	assert.True(t, cfg.MemorySaveMode)
	assert.Equal(t, []int{0, 1, 2}, cfg.CompeteGPUs)
	assert.Equal(t, 3, cfg.RetryConfig.MaxRetryBeforeBackoff)
	assert.Equal(t, "/data/job", cfg.WorkDir)
}

func TestValidateRejectsInvertedSizing(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.MinGPU = 5
	cfg.MaxGPU = 2
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min_gpu")
}

func TestChosenCountSizingFormula(t *testing.T) {
	cfg := SchedulerConfig{GPULeft: 1, MinGPU: 2, MaxGPU: 3}
	assert.Equal(t, 3, cfg.ChosenCount(4)) // spec §8 scenario S1

	cfg2 := SchedulerConfig{GPULeft: 0, MinGPU: 1, MaxGPU: 1}
	assert.Equal(t, 1, cfg2.ChosenCount(8))

	cfg3 := SchedulerConfig{GPULeft: 10, MinGPU: 1, MaxGPU: 4}
	assert.Equal(t, 1, cfg3.ChosenCount(4)) // clamps up to min_gpu

	cfg4 := SchedulerConfig{GPULeft: 0, MinGPU: 0, MaxGPU: 0}
	assert.Equal(t, 1, cfg4.ChosenCount(1)) // clamped into [1, probed]
}
