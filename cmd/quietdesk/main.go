// QuietDesk Daemon - inbox triage decision engine
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/quietdesk/quietdesk/internal/api"
	"github.com/quietdesk/quietdesk/internal/batch"
	"github.com/quietdesk/quietdesk/internal/config"
	"github.com/quietdesk/quietdesk/internal/heartbeat"
	"github.com/quietdesk/quietdesk/internal/learning"
	"github.com/quietdesk/quietdesk/internal/llm"
	"github.com/quietdesk/quietdesk/internal/logging"
	"github.com/quietdesk/quietdesk/internal/rules"
	"github.com/quietdesk/quietdesk/internal/scheduler"
	"github.com/quietdesk/quietdesk/internal/storage"
	"github.com/quietdesk/quietdesk/internal/triage"
)

var (
	configPath string
	dataDir    string
	port       int
)

func main() {
	// .env is optional; real env always wins
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "quietdesk",
		Short: "QuietDesk Daemon - inbox triage that learns your habits",
		RunE:  runDaemon,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Config file path")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP server port (overrides config)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if cfg.Features.DebugMode {
		logging.SetLevel(logging.DEBUG)
	}

	logging.Info("starting QuietDesk daemon")

	db, err := storage.Open(storage.Config{Path: cfg.DatabasePath()})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	itemStore := storage.NewItemStore(db)
	ruleStore := storage.NewRuleStore(db)
	batchStore := storage.NewBatchStore(db)
	jobStore := storage.NewJobStore(db)

	llmClient := llm.NewClient(llm.Config{
		APIKey:  cfg.Claude.APIKey,
		Model:   cfg.Claude.Model,
		Timeout: time.Duration(cfg.Claude.Timeout) * time.Second,
	})
	if !llmClient.IsConfigured() {
		logging.Warn("ANTHROPIC_API_KEY not set - classification degrades to heuristics")
	}

	judgeCfg := llm.DefaultJudgeConfig()
	if cfg.Claude.Timeout > 0 {
		judgeCfg.Timeout = time.Duration(cfg.Claude.Timeout) * time.Second
	}
	judge := llm.NewAPIJudge(llmClient, judgeCfg)

	aggregator := batch.NewAggregator(batchStore, itemStore, ruleStore)
	classifier := triage.NewClassifier(ruleStore, itemStore, judge, aggregator, triage.DefaultConfig())

	var learner *learning.Learner
	if cfg.Features.EnableLearning {
		learner = learning.NewLearner(ruleStore, itemStore)
	}

	ruleSvc := rules.NewService(ruleStore)
	author := rules.NewAuthor(llmClient, ruleSvc)

	hbCfg := heartbeat.DefaultConfig()
	hbCfg.BackupPath = cfg.BackupPath()
	hb := heartbeat.New(nil, jobStore, learner, db, hbCfg)

	sched := scheduler.New(scheduler.Config{})
	if cfg.Features.EnableHeartbeat {
		interval := time.Duration(cfg.Heartbeat.Interval)
		if interval <= 0 {
			interval = 15 * time.Minute
		}
		sched.Register(scheduler.IntervalTask("heartbeat", "Heartbeat sync", interval,
			func(taskCtx context.Context) error {
				_, err := hb.Run(taskCtx, heartbeat.RunOptions{})
				return err
			}))
		sched.Register(scheduler.IntervalTask("classify-pending", "Classify pending items", interval,
			func(taskCtx context.Context) error {
				n, err := classifier.ClassifyPending(taskCtx, 50)
				if n > 0 {
					logging.Info("classified %d pending items", n)
				}
				return err
			}))
		if err := sched.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	server := api.New(api.Config{
		Port:       cfg.Server.Port,
		Host:       cfg.Server.Host,
		DB:         db,
		Classifier: classifier,
		Aggregator: aggregator,
		Learner:    learner,
		RuleSvc:    ruleSvc,
		Author:     author,
		Heartbeat:  hb,
	})

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logging.Info("shutting down")
		sched.Stop()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Stop(shutdownCtx)
	}()

	return server.Start()
}
