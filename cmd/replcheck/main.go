package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/replcheck/replcheck/internal/alert"
	"github.com/replcheck/replcheck/internal/config"
	"github.com/replcheck/replcheck/internal/consensus"
	"github.com/replcheck/replcheck/internal/healthlog"
	"github.com/replcheck/replcheck/internal/storage"
	"github.com/replcheck/replcheck/internal/verify"
)

var (
	cfgFile string

	checkMode          string
	checkIndex         string
	checkMaxBatchCount int64
	checkMaxBatchBytes int64
	checkLogBatches    bool
)

var rootCmd = &cobra.Command{
	Use:   "replcheck",
	Short: "Replcheck - Replica Consistency Verification",
	Long:  `A replicated document store that continuously verifies its members hold identical data`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "replcheck.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVar(&checkMode, "mode", string(verify.ModeDataConsistency), "validation mode")
	checkCmd.Flags().StringVar(&checkIndex, "index", "", "index name for extraIndexKeysCheck")
	checkCmd.Flags().Int64Var(&checkMaxBatchCount, "max-batch-count", 0, "max units per batch")
	checkCmd.Flags().Int64Var(&checkMaxBatchBytes, "max-batch-bytes", 0, "max bytes per batch")
	checkCmd.Flags().BoolVar(&checkLogBatches, "log-batches", true, "log every batch to the health log")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("replcheck v0.1.0-alpha")
		fmt.Println("Replica Consistency Verification")
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize replcheck node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		engine, err := storage.Open(cfg.StoragePath())
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer engine.Close()

		fmt.Printf("Initialized replcheck node: %s\n", cfg.Node.ID)
		fmt.Printf("Data directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("Database path: %s\n", cfg.StoragePath())

		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start replcheck node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Printf("Starting replcheck node: %s\n", cfg.Node.ID)

		engine, err := storage.Open(cfg.StoragePath())
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer engine.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sink, closeSink, err := buildSink(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeSink()

		handler := verify.NewHandler(engine, sink, nil, verify.HandlerConfig{
			HealthLogEveryN:     cfg.Check.HealthLogEveryN,
			ThrottleBytesPerSec: cfg.Check.ThrottleBytesPerSec,
			WarnOnlyNamespaces:  cfg.Check.WarnOnlyNamespaces,
		})
		handler.SetDisabled(cfg.Check.Disabled)

		fmt.Println("Starting Raft consensus...")
		node, err := consensus.NewNode(&consensus.NodeConfig{
			NodeID:    cfg.Node.ID,
			BindAddr:  cfg.Node.BindAddr,
			DataDir:   cfg.Node.DataDir,
			Bootstrap: cfg.Node.Bootstrap,
			PeerAddrs: cfg.Node.PeerAddrs,
		}, engine, handler)
		if err != nil {
			return fmt.Errorf("failed to create raft node: %w", err)
		}

		if err := node.Start(ctx); err != nil {
			return fmt.Errorf("failed to start raft node: %w", err)
		}
		defer node.Stop()

		fmt.Printf("Raft node started, leader: %s\n", node.Leader())
		fmt.Println("Replcheck node is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		if err := node.Stop(); err != nil {
			return fmt.Errorf("failed to stop raft node: %w", err)
		}

		fmt.Println("Replcheck node stopped")
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check [namespace]",
	Short: "Verify local store consistency",
	Long:  `Runs a consistency check against the local store only, without replicating instructions. Useful for offline index and missing-key verification.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		engine, err := storage.Open(cfg.StoragePath())
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer engine.Close()

		boltSink, err := healthlog.NewBoltSink(cfg.HealthLogPath())
		if err != nil {
			return fmt.Errorf("failed to open health log: %w", err)
		}
		defer boltSink.Close()

		handler := verify.NewHandler(engine, boltSink, nil, verify.HandlerConfig{
			HealthLogEveryN:     cfg.Check.HealthLogEveryN,
			ThrottleBytesPerSec: cfg.Check.ThrottleBytesPerSec,
			WarnOnlyNamespaces:  cfg.Check.WarnOnlyNamespaces,
		})
		runner := verify.NewRunner(engine, verify.NewLocalLog(handler), boltSink, nil, cfg.Check.ThrottleBytesPerSec)

		var namespaces []string
		if len(args) > 0 {
			namespaces = append(namespaces, args[0])
		} else {
			metas, err := engine.Collections()
			if err != nil {
				return fmt.Errorf("failed to list collections: %w", err)
			}
			for _, meta := range metas {
				namespaces = append(namespaces, meta.Namespace)
			}
		}

		maxCount := checkMaxBatchCount
		if maxCount == 0 {
			maxCount = cfg.Check.MaxBatchCount
		}
		maxBytes := checkMaxBatchBytes
		if maxBytes == 0 {
			maxBytes = cfg.Check.MaxBatchBytes
		}

		before, err := boltSink.Entries(0)
		if err != nil {
			return fmt.Errorf("failed to read health log: %w", err)
		}
		seen := len(before)

		for _, ns := range namespaces {
			fmt.Printf("Checking namespace: %s\n", ns)
			err := runner.Run(context.Background(), verify.CheckParams{
				Namespace:        ns,
				Mode:             verify.ValidationMode(checkMode),
				IndexName:        checkIndex,
				MaxBatchCount:    maxCount,
				MaxBatchBytes:    maxBytes,
				MaxIdenticalKeys: cfg.Check.MaxIdenticalKeys,
				LogBatch:         checkLogBatches,
			})
			if err != nil {
				fmt.Printf("  ❌ FAILED: %v\n", err)
				continue
			}

			entries, err := boltSink.Entries(0)
			if err != nil {
				return fmt.Errorf("failed to read health log: %w", err)
			}
			var findings int
			for _, entry := range entries[seen:] {
				if entry.Severity == healthlog.SeverityError {
					findings++
				}
			}
			seen = len(entries)

			if findings > 0 {
				fmt.Printf("  ❌ FAILED: %d finding(s) in the health log\n", findings)
			} else {
				fmt.Printf("  ✅ OK: store is consistent\n")
			}
		}

		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display node status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		engine, err := storage.Open(cfg.StoragePath())
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer engine.Close()

		fmt.Printf("Node ID: %s\n", cfg.Node.ID)
		fmt.Printf("Data Directory: %s\n", cfg.Node.DataDir)
		fmt.Printf("\nCollections:\n")

		metas, err := engine.Collections()
		if err != nil {
			return fmt.Errorf("failed to list collections: %w", err)
		}
		if len(metas) == 0 {
			fmt.Println("  (none)")
		}
		for _, meta := range metas {
			fmt.Printf("  - %s (uuid: %s, indexes: %d)\n", meta.Namespace, meta.UUID, len(meta.Indexes))
		}

		boltSink, err := healthlog.NewBoltSink(cfg.HealthLogPath())
		if err != nil {
			return fmt.Errorf("failed to open health log: %w", err)
		}
		defer boltSink.Close()

		entries, err := boltSink.Entries(0)
		if err != nil {
			return fmt.Errorf("failed to read health log: %w", err)
		}

		var errCount, warnCount int
		for _, entry := range entries {
			switch entry.Severity {
			case healthlog.SeverityError:
				errCount++
			case healthlog.SeverityWarning:
				warnCount++
			}
		}

		fmt.Printf("\nHealth Log: %d entries (%d errors, %d warnings)\n", len(entries), errCount, warnCount)
		for _, entry := range tail(entries, 5) {
			fmt.Printf("  [%s] %s %s: %s\n",
				entry.Severity, entry.Timestamp.Format("2006-01-02 15:04:05"), entry.Operation, entry.Msg)
		}

		return nil
	},
}

func buildSink(ctx context.Context, cfg *config.Config) (healthlog.Sink, func(), error) {
	boltSink, err := healthlog.NewBoltSink(cfg.HealthLogPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open health log: %w", err)
	}

	sinks := healthlog.FanoutSink{boltSink}
	closers := []func(){func() { boltSink.Close() }}

	if cfg.HealthLog.Postgres.Enabled {
		pgSink, err := healthlog.NewPostgresSink(ctx, cfg.HealthLog.Postgres.ConnectionString())
		if err != nil {
			boltSink.Close()
			return nil, nil, fmt.Errorf("failed to connect postgres health log: %w", err)
		}
		sinks = append(sinks, pgSink)
		closers = append(closers, func() { pgSink.Close(context.Background()) })
		fmt.Printf("Health log mirrored to PostgreSQL: %s:%d/%s\n",
			cfg.HealthLog.Postgres.Host, cfg.HealthLog.Postgres.Port, cfg.HealthLog.Postgres.Database)
	}

	if cfg.Alerts.Enabled {
		manager := alert.NewManager(true, cfg.Alerts.SlackWebhook)
		sinks = append(sinks, alert.NewNotifier(manager))
		fmt.Println("Slack alerting enabled")
	}

	return sinks, func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}, nil
}

func tail(entries []healthlog.Entry, n int) []healthlog.Entry {
	if len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
