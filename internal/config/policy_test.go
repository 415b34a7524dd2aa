package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPolicyDefaults(t *testing.T) {
	policy, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, []int{10, 50, 100}, policy.CanaryStages)
	assert.Equal(t, 30, *policy.StageWindowSeconds)
	assert.Equal(t, 1000, *policy.MetricWindowSize)
	assert.Nil(t, policy.DefaultThresholds)
}

func TestLoadPolicyOverrides(t *testing.T) {
	path := writePolicy(t, `
canary_stages: [5, 25, 100]
stage_window_seconds: 0
metric_window_size: 200
default_thresholds:
  max_error_rate: 0.05
  max_latency_seconds: 2.0
`)
	policy, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 25, 100}, policy.CanaryStages)
	assert.Equal(t, 0, *policy.StageWindowSeconds)
	assert.Equal(t, 200, *policy.MetricWindowSize)
	require.NotNil(t, policy.DefaultThresholds)
	assert.Equal(t, 0.05, *policy.DefaultThresholds.MaxErrorRate)
	assert.Equal(t, 2.0, *policy.DefaultThresholds.MaxLatencySeconds)
	assert.Nil(t, policy.DefaultThresholds.MinSuccessRate)
}

func TestLoadPolicyInvalid(t *testing.T) {
	cases := map[string]string{
		"not increasing": `canary_stages: [50, 10, 100]`,
		"over 100":       `canary_stages: [10, 150]`,
		"not ending 100": `canary_stages: [10, 50]`,
		"bad window":     `stage_window_seconds: -5`,
		"bad size":       `metric_window_size: 0`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadPolicy(writePolicy(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("MODELFLEET_ADDR", "")
	t.Setenv("MODELFLEET_KAFKA_BROKERS", " broker-1:9092 , broker-2:9092 ")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8072", cfg.Addr)
	assert.Equal(t, "modelfleet.alerts", cfg.KafkaTopic)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
}
