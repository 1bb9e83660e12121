package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/api"
	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/embed"
	"github.com/cuemby/hutch/pkg/indexer"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/queue"
	"github.com/cuemby/hutch/pkg/resolver"
	"github.com/cuemby/hutch/pkg/search"
	"github.com/cuemby/hutch/pkg/snapshot"
	"github.com/cuemby/hutch/pkg/state"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hutch",
	Short: "Hutch - search index reindexer",
	Long: `Hutch keeps a document search index consistent with a primary
transactional object store by running invalidation-and-reindex cycles:
it maps committed transactions to the set of stale documents, rebuilds
them concurrently under a pinned database snapshot, and commits the
results with external-version semantics.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hutch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(indexCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// pipeline bundles the wired components.
type pipeline struct {
	cfg     *config.Config
	db      *snapshot.DB
	indexer *indexer.Indexer
	state   *state.Store
}

// buildPipeline wires the pipeline from configuration.
func buildPipeline() (*pipeline, error) {
	configPath, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	db, err := snapshot.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	searchClient, err := search.NewClient(search.Config{URL: cfg.SearchURL})
	if err != nil {
		db.Close()
		return nil, err
	}

	// The remote queue backend is optional; a backend that cannot be
	// constructed falls back to the in-process queue up front.
	var backend queue.Backend
	if cfg.QueueType == "redis" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisBackend, err := queue.NewRedisBackend(ctx, queue.RedisConfig{
			Addr:      cfg.RedisAddr(),
			DB:        cfg.QueueDB,
			QueueName: cfg.QueueName,
			GetSize:   cfg.QueueGetSize,
		})
		cancel()
		if err != nil {
			log.Logger.Warn().Err(err).Msg("Failed to initialize remote queue backend, using in-process queue")
		} else {
			backend = redisBackend
		}
	}
	queueServer := queue.NewServer(queue.Config{
		Backend:   backend,
		ChunkSize: cfg.QueueChunkSize,
		BatchSize: cfg.QueueBatchSize,
		GetSize:   cfg.QueueGetSize,
	})

	stateStore := state.New(searchClient, cfg.Followups())
	res := resolver.New(db, searchClient)
	render := embed.NewClient(cfg.RenderURL)
	ix := indexer.New(cfg, indexer.NewPrimaryStore(db), searchClient, res, stateStore, queueServer, render)

	return &pipeline{
		cfg:     cfg,
		db:      db,
		indexer: ix,
		state:   stateStore,
	}, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the trigger endpoint",
	Long: `Start the HTTP trigger endpoint. POST /index runs one reindex
cycle and blocks for its duration; POST /index/reindex stages a priority
request; /healthz and /metrics serve health and Prometheus metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPipeline()
		if err != nil {
			return err
		}
		defer p.db.Close()

		server := api.NewServer(p.cfg.ListenAddr, p.indexer, p.state)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return server.Shutdown(ctx)
		}
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Run one reindex cycle",
	Long: `Run a single reindex cycle from the command line and print the
final cycle state record as JSON.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPipeline()
		if err != nil {
			return err
		}
		defer p.db.Close()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		recovery, _ := cmd.Flags().GetBool("recovery")
		record, _ := cmd.Flags().GetBool("record")
		itemTypes, _ := cmd.Flags().GetStringSlice("types")
		lastXmin, _ := cmd.Flags().GetInt64("last-xmin")

		req := indexer.Request{
			Record:   &record,
			DryRun:   dryRun,
			Recovery: recovery,
			Types:    itemTypes,
		}
		if cmd.Flags().Changed("last-xmin") {
			req.LastXmin = &lastXmin
		}

		cs, err := p.indexer.RunCycle(cmd.Context(), req)
		if cs != nil {
			out, merr := json.MarshalIndent(cs, "", "  ")
			if merr == nil {
				fmt.Println(string(out))
			}
		}
		return err
	},
}

func init() {
	indexCmd.Flags().Bool("dry-run", false, "Resolve the invalidation set without writing anything")
	indexCmd.Flags().Bool("recovery", false, "Run against a standby (no snapshot export)")
	indexCmd.Flags().Bool("record", true, "Persist the cycle outcome")
	indexCmd.Flags().StringSlice("types", nil, "Restrict a full reindex to these item types")
	indexCmd.Flags().Int64("last-xmin", 0, "Override the persisted watermark")
}
