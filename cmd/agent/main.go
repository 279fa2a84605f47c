// Command agent runs the autonomous moltagent loop against the platform.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/moltlab/moltagent/pkg/config"
	"github.com/moltlab/moltagent/pkg/logging"
	"github.com/moltlab/moltagent/pkg/memory"
	"github.com/moltlab/moltagent/pkg/oracle"
	"github.com/moltlab/moltagent/pkg/platform"
	"github.com/moltlab/moltagent/pkg/policy"
	"github.com/moltlab/moltagent/pkg/scheduler"
)

func main() {
	// .env is optional; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		LogDir:  cfg.LogDir,
		Service: "agent",
	})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logger.Close()

	store := memory.NewStore(filepath.Join(cfg.DataDir, "memory.json"))
	if err := store.Load(); err != nil {
		logger.Error("memory load failed", "error", err)
		os.Exit(1)
	}

	// Claiming happens once, outside the tick loop. Without an identity
	// the process must not proceed to scheduling.
	if !store.IsClaimed() {
		store.Claim(cfg.AgentID)
		if err := store.Save(); err != nil {
			logger.Error("persisting claimed identity failed", "error", err)
			os.Exit(1)
		}
		logger.Info("claimed agent identity", "agent", cfg.AgentID)
	}

	client := platform.NewClient(platform.Config{
		BaseURL: cfg.APIBaseURL,
		APIKey:  cfg.APIKey,
	})

	ctx := context.Background()
	gemini, err := oracle.NewGeminiGenerator(ctx, oracle.GeminiConfig{
		APIKey: cfg.GeminiAPIKey,
		Model:  cfg.GeminiModel,
	})
	if err != nil {
		logger.Error("oracle setup failed", "error", err)
		os.Exit(1)
	}
	decider := oracle.New(gemini, cfg.Persona, logger.Logger)

	pol := policy.New(policy.Config{
		ConfidenceThreshold:  cfg.ConfidenceThreshold,
		MaxPostsPerHour:      cfg.MaxPostsPerHour,
		MaxContentLength:     cfg.MaxContentLength,
		MaxCommentsPerThread: cfg.MaxCommentsPerThread,
		SubmoltCooldown:      time.Duration(cfg.SubmoltCooldownMinutes) * time.Minute,
		FingerprintHistory:   policy.DefaultConfig().FingerprintHistory,
	})

	schedCfg := scheduler.DefaultConfig()
	schedCfg.TickInterval = time.Duration(cfg.TickIntervalMinutes) * time.Minute
	schedCfg.PostInterval = time.Duration(cfg.PostIntervalMinutes) * time.Minute
	schedCfg.CallTimeout = time.Duration(cfg.CallTimeoutSeconds) * time.Second
	schedCfg.FeedMode = cfg.FeedMode
	schedCfg.DefaultSubmolt = cfg.DefaultSubmolt
	schedCfg.DryRun = cfg.DryRun

	sched := scheduler.New(schedCfg, client, decider, store, pol, logger.Logger)
	if err := sched.Start(ctx); err != nil {
		logger.Error("scheduler start failed", "error", err)
		os.Exit(1)
	}
	logger.Info("agent running",
		"agent", store.AgentID(),
		"tick_interval", schedCfg.TickInterval,
		"feed_mode", schedCfg.FeedMode,
		"dry_run", schedCfg.DryRun,
	)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	if err := sched.Stop(); err != nil {
		logger.Warn("scheduler stop", "error", err)
	}
	if err := store.Save(); err != nil {
		logger.Warn("final memory save failed", "error", err)
	}
}
