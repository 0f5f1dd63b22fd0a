package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cryptoagg/client"
	"cryptoagg/config"
	"cryptoagg/internal/metrics"
	"cryptoagg/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Cryptoagg.Name,
		"version":     cfg.Cryptoagg.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting cryptoagg")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Configure(cfg.Metrics)
	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		logger.InitCloudWatch(ctx, logger.CloudWatchOptions{
			Region:          cw.Region,
			Namespace:       cw.Namespace,
			Dashboard:       cw.Dashboard,
			AccessKeyID:     cw.AccessKeyID,
			SecretAccessKey: cw.SecretAccessKey,
		})
	}
	logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)

	channels, err := cfg.Channels()
	if err != nil {
		log.WithError(err).Error("invalid subscriptions")
		os.Exit(1)
	}

	agg, err := client.NewAsync(client.Options{Config: cfg, Log: log})
	if err != nil {
		log.WithError(err).Error("failed to create client")
		os.Exit(1)
	}
	metrics.StartConnectionMetrics(ctx, agg.ConnectionStats, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for resp := range agg.Responses() {
			entry := log.WithComponent("main").WithFields(logger.Fields{
				"channel":        resp.Channel.String(),
				"request":        resp.Kind.String(),
				"correlation_id": resp.CorrelationID,
			})
			if resp.Err != nil {
				entry.WithError(resp.Err).Warn("request failed")
				continue
			}
			if resp.Handle != nil {
				entry.WithField("connection_id", resp.Handle.ConnectionID).Info("channel subscribed")
			}
		}
	}()

	for _, ch := range channels {
		if _, err := agg.Subscribe(ch); err != nil {
			log.WithError(err).WithField("channel", ch.String()).Warn("subscribe not queued")
		}
	}
	log.WithField("channels", len(channels)).Info("all subscriptions queued")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	if err := agg.Close(); err != nil {
		log.WithError(err).Warn("client did not stop cleanly")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		log.Warn("timed out waiting for response consumer")
	}
	log.Info("shutdown complete")
}
