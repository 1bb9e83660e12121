package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30m" or "1h" parse.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Defaults for queue batch sizing. ChunkSize bounds per-worker memory and
// the blast radius of a worker crash; BatchSize is the number of uuids one
// reporting round covers; GetSize caps how many uuids one cycle loads.
const (
	DefaultChunkSize = 1024
	DefaultBatchSize = 5000
	DefaultGetSize   = 2000000
)

// Config holds the full hutch configuration, loaded from YAML over the
// built-in defaults.
type Config struct {
	// Indexer enables cycle execution on this node. A node with the
	// indexer disabled still serves the API but refuses POST /index.
	Indexer bool `yaml:"indexer"`

	// Processes is the worker pool size. Zero or one means a single
	// worker.
	Processes int `yaml:"processes"`

	// DatabaseURL is the primary-store connection string (PostgreSQL).
	DatabaseURL string `yaml:"database_url"`

	// SearchURL is the search-store address (Elasticsearch).
	SearchURL string `yaml:"search_url"`

	// RenderURL is the base address of the embed endpoint service.
	RenderURL string `yaml:"render_url"`

	// ListenAddr is the trigger endpoint bind address.
	ListenAddr string `yaml:"listen_addr"`

	// Queue backend selection and sizing.
	QueueType      string `yaml:"queue_type"`   // "" or "simple" or "redis"
	QueueServer    bool   `yaml:"queue_server"` // this node runs the queue server
	QueueWorker    bool   `yaml:"queue_worker"` // this node runs a queue worker
	QueueName      string `yaml:"queue_name"`
	QueueChunkSize int    `yaml:"queue_worker_chunk_size"`
	QueueBatchSize int    `yaml:"queue_worker_batch_size"`
	QueueGetSize   int    `yaml:"queue_worker_get_size"`
	QueueHost      string `yaml:"queue_host"`
	QueuePort      int    `yaml:"queue_port"`
	QueueDB        int    `yaml:"queue_db"`

	// ShortUUIDs caps the invalidation set for debugging. Zero disables.
	ShortUUIDs int `yaml:"indexer_short_uuids"`

	// InitialLog enables the one-time per-uuid timing log.
	InitialLog     bool   `yaml:"indexer_initial_log"`
	InitialLogPath string `yaml:"indexer_initial_log_path"`

	// StageForFollowup lists downstream indexer names, comma separated,
	// that receive the cycle's uuid set before the run starts.
	StageForFollowup string `yaml:"stage_for_followup"`

	// RunTimeout bounds the controller's drain loop. Zero means no limit.
	RunTimeout Duration `yaml:"run_timeout"`

	// BindTimeout bounds a worker's wait for the exported snapshot.
	BindTimeout Duration `yaml:"bind_timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Indexer:        true,
		Processes:      1,
		DatabaseURL:    "postgres://localhost:5432/hutch?sslmode=disable",
		SearchURL:      "http://localhost:9200",
		RenderURL:      "http://localhost:6543",
		ListenAddr:     ":8943",
		QueueType:      "simple",
		QueueServer:    true,
		QueueWorker:    true,
		QueueName:      "indxQ",
		QueueChunkSize: DefaultChunkSize,
		QueueBatchSize: DefaultBatchSize,
		QueueGetSize:   DefaultGetSize,
		QueueHost:      "localhost",
		QueuePort:      6379,
		QueueDB:        2,
		BindTimeout:    Duration(60 * time.Second),
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail deep inside a cycle.
func (c *Config) Validate() error {
	if c.Processes < 0 {
		return fmt.Errorf("processes must not be negative: %d", c.Processes)
	}
	if c.QueueChunkSize <= 0 {
		return fmt.Errorf("queue_worker_chunk_size must be positive: %d", c.QueueChunkSize)
	}
	if c.QueueBatchSize <= 0 {
		return fmt.Errorf("queue_worker_batch_size must be positive: %d", c.QueueBatchSize)
	}
	if c.QueueGetSize <= 0 {
		return fmt.Errorf("queue_worker_get_size must be positive: %d", c.QueueGetSize)
	}
	switch c.QueueType {
	case "", "simple", "redis":
	default:
		return fmt.Errorf("unknown queue_type: %q", c.QueueType)
	}
	if c.ShortUUIDs < 0 {
		return fmt.Errorf("indexer_short_uuids must not be negative: %d", c.ShortUUIDs)
	}
	return nil
}

// Followups returns the parsed stage_for_followup list.
func (c *Config) Followups() []string {
	if strings.TrimSpace(c.StageForFollowup) == "" {
		return nil
	}
	parts := strings.Split(strings.ReplaceAll(c.StageForFollowup, " ", ""), ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RedisAddr returns the remote queue backend address.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.QueueHost, c.QueuePort)
}
