package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadDefaults tests that an empty path yields the defaults
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Indexer)
	assert.Equal(t, 1, cfg.Processes)
	assert.Equal(t, DefaultChunkSize, cfg.QueueChunkSize)
	assert.Equal(t, DefaultBatchSize, cfg.QueueBatchSize)
	assert.Equal(t, DefaultGetSize, cfg.QueueGetSize)
	assert.Equal(t, "simple", cfg.QueueType)
}

// TestLoadFile tests YAML parsing over defaults
func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hutch.yaml")
	data := `
indexer: true
processes: 4
queue_type: redis
queue_host: redis.internal
queue_port: 6380
queue_worker_chunk_size: 512
stage_for_followup: region_indexer, vis_indexer
run_timeout: 30m
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Processes)
	assert.Equal(t, "redis", cfg.QueueType)
	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr())
	assert.Equal(t, 512, cfg.QueueChunkSize)
	// Unset keys keep their defaults
	assert.Equal(t, DefaultBatchSize, cfg.QueueBatchSize)
	assert.Equal(t, 30*time.Minute, cfg.RunTimeout.Std())
}

// TestValidate tests rejection of broken settings
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative processes", func(c *Config) { c.Processes = -1 }},
		{"zero chunk size", func(c *Config) { c.QueueChunkSize = 0 }},
		{"zero batch size", func(c *Config) { c.QueueBatchSize = 0 }},
		{"unknown queue type", func(c *Config) { c.QueueType = "kafka" }},
		{"negative short uuids", func(c *Config) { c.ShortUUIDs = -5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// TestFollowups tests stage_for_followup parsing
func TestFollowups(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		expected []string
	}{
		{"empty", "", nil},
		{"single", "region_indexer", []string{"region_indexer"}},
		{"spaced list", "region_indexer, vis_indexer", []string{"region_indexer", "vis_indexer"}},
		{"trailing comma", "region_indexer,", []string{"region_indexer"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.StageForFollowup = tt.value
			assert.Equal(t, tt.expected, cfg.Followups())
		})
	}
}
