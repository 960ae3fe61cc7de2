package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"rhinoguard/internal/alerts"
	"rhinoguard/internal/api"
	"rhinoguard/internal/config"
	"rhinoguard/internal/engine"
	"rhinoguard/internal/gateway"
	"rhinoguard/internal/ingest"
	"rhinoguard/internal/logging"
	"rhinoguard/internal/metrics"
	"rhinoguard/internal/model"
	"rhinoguard/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "rhinoguard.yaml", "path to config file (yaml, toml or json)")
	envFile := flag.String("env", ".env", "optional env file loaded before the config")
	watch := flag.Duration("watch", 3*time.Second, "config reload poll interval, 0 disables")
	flag.Parse()

	envErr := godotenv.Load(*envFile)

	cfgManager, err := config.NewManager(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	if envErr != nil && !os.IsNotExist(envErr) {
		logger.Warn("env file not loaded", "path", *envFile, "err", envErr)
	}
	logger.Info("starting rhinoguard",
		"version", version,
		"config", cfgManager.Path(),
		"backend", cfg.Backend.BaseURL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := gateway.NewClient(cfgManager, logger)
	store := alerts.NewStore(cfgManager, client, logger)
	metricsStore := metrics.NewStore(0)

	var journalDone chan struct{}
	journal, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("storage init failed", "err", err)
		os.Exit(1)
	}
	if journal != nil {
		if err := journal.Init(ctx); err != nil {
			logger.Error("storage schema init failed", "driver", cfg.Storage.Driver, "err", err)
			os.Exit(1)
		}
		defer journal.Close()
		j := storage.NewJournal(journal, 0, logger)
		j.Attach(store)
		journalDone = make(chan struct{})
		go func() {
			defer close(journalDone)
			j.Run(ctx)
		}()
		logger.Info("alert journal enabled", "driver", cfg.Storage.Driver)
	}

	syncer := engine.NewSyncer(cfgManager, store, metricsStore, logger)
	syncer.Start(ctx)

	detections := make(chan model.Detection, cfg.Ingest.ChannelBuffer)
	dispatcher := engine.NewDispatcher(cfgManager, store, metricsStore, logger)
	dispatcher.Start(ctx, detections)

	ingest.StartREST(ctx, cfgManager, detections, logger)
	ingest.StartKafka(ctx, cfgManager, ingest.NewParser(), detections, logger)
	ingest.StartFileTail(ctx, cfgManager, detections, logger)

	api.Start(ctx, cfgManager, store, api.Options{
		Metrics: metricsStore,
		Journal: journal,
		Sync:    syncer,
		Logger:  logger,
		Version: version,
	})

	if *watch > 0 {
		go cfgManager.Watch(*watch, func(next *config.Config) {
			logger.Info("config reloaded",
				"alerts_enabled", next.Features.AlertsEnabled,
				"ranger_positions", next.Features.RangerPositions,
				"real_time_updates", next.Features.RealTimeUpdates,
				"sync_interval", next.Sync.Interval.String(),
			)
			if next.Features.RealTimeUpdates {
				syncer.Start(ctx)
			} else {
				syncer.Stop()
			}
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, ctx.Done())
	}

	<-ctx.Done()
	logger.Info("shutting down")
	syncer.Stop()
	if journalDone != nil {
		<-journalDone
	}
}
