package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aldric144/ghostquant-crypto-sub006/config"
	"github.com/aldric144/ghostquant-crypto-sub006/discovery"
	"github.com/aldric144/ghostquant-crypto-sub006/internal/health"
	"github.com/aldric144/ghostquant-crypto-sub006/logger"
	"github.com/aldric144/ghostquant-crypto-sub006/reader/binance"
	"github.com/aldric144/ghostquant-crypto-sub006/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithEnv("APP_ENV").WithFields(logger.Fields{
		"service": cfg.Tradefeed.Name,
		"version": cfg.Tradefeed.Version,
	}).Info("starting tradefeed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(
			cfg.Metrics.CloudWatch.Region,
			cfg.Metrics.CloudWatch.Namespace,
			cfg.Metrics.CloudWatch.Dashboard,
		)
	}

	publisher := writer.NewStreamPublisher(cfg)
	if err := publisher.Connect(ctx); err != nil {
		log.WithError(err).Warn("broker connection failed; trades will be dropped until it returns")
	}

	disc := discovery.NewDiscovery(cfg)
	trades := binance.Binance_Trade_NewReader(cfg, publisher)

	healthSrv, err := health.NewServer(cfg.Health, publisher, trades, disc)
	if err != nil {
		log.WithError(err).Error("failed to create health server")
		os.Exit(1)
	}

	if err := disc.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start pair discovery")
		os.Exit(1)
	}
	if !disc.WaitReady(ctx) {
		log.Warn("initial pair discovery incomplete; starting on fallback pairs")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := trades.Binance_Trade_Start(ctx, disc.GetPairs()); err != nil {
			log.WithError(err).Warn("trade reader failed to start")
		}
	}()

	if healthSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthSrv.Run(ctx); err != nil {
				log.WithError(err).Error("health server exited")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping trade reader")
	trades.Binance_Trade_Stop()

	log.Info("stopping pair discovery")
	disc.Stop()

	log.Info("disconnecting stream publisher")
	publisher.Disconnect()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tradefeed stopped")
}
