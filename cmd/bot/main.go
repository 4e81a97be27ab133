// Command bot runs the autonomous breakout-and-trail trading loop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"trailbot/internal/broker"
	"trailbot/internal/calendar"
	"trailbot/internal/config"
	"trailbot/internal/controller"
	"trailbot/internal/engine"
	"trailbot/internal/models"
	"trailbot/internal/monitor"
	"trailbot/internal/performance"
	"trailbot/internal/retry"
	"trailbot/internal/sizing"
	"trailbot/internal/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(configPath, logger); err != nil {
		logger.WithError(err).Error("Bot exited with error")
		os.Exit(1)
	}
}

func run(configPath string, logger *logrus.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger.SetLevel(parseLevel(cfg.Logging.Level))

	logger.WithField("mode", cfg.Mode).Info("Starting trailbot")
	if cfg.IsPaperTrading() {
		logger.Info("PAPER TRADING MODE - no real money at risk")
	} else {
		logger.Warn("LIVE TRADING MODE - real money at risk, waiting 10s to confirm")
		time.Sleep(10 * time.Second)
	}

	store, err := storage.NewStorage(cfg.Persistence.DBPath)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Error("Closing storage")
		}
	}()

	cal, err := calendar.New(cfg.Hours.Calendar, calendar.ExtendedHours{
		PreMarket:  cfg.Hours.AllowPreMarket,
		AfterHours: cfg.Hours.AllowAfterHours,
	})
	if err != nil {
		return fmt.Errorf("loading exchange calendar: %w", err)
	}

	key, secret := cfg.Credentials()
	alpaca := broker.NewAlpacaClient(broker.AlpacaConfig{
		Key:          key,
		Secret:       secret,
		Paper:        cfg.IsPaperTrading(),
		Endpoint:     cfg.Broker.Endpoint,
		DataEndpoint: cfg.Broker.DataEndpoint,
		CallTimeout:  cfg.BrokerCallTimeout(),
		EntryTIF:     cfg.Entries.TIF,
		StopTIF:      cfg.Stops.TIF,
	}, logger)
	bkr := broker.NewCircuitBreakerBroker(alpaca, logger)

	sizer := sizing.New(cfg)
	eng := engine.New(bkr, store, logger, cfg.EventCheckInterval())

	controllers := make([]*controller.Controller, 0, len(cfg.Symbols()))
	for _, symbol := range cfg.Symbols() {
		backoff := retry.NewBackoff(retry.DefaultConfig(cfg.TickInterval()))
		c := controller.New(symbol, cfg, bkr, store, sizer, cal, logger, backoff)
		eng.Register(symbol, c)
		controllers = append(controllers, c)
	}

	tracker := performance.New(store, logger, cal.Location())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var mon *monitor.Server
	if cfg.Monitor.Enabled {
		mon = monitor.NewServer(monitor.Config{
			Port:      cfg.Monitor.Port,
			AuthToken: os.Getenv("TRAILBOT_MONITOR_TOKEN"),
		}, store, bkr, tracker, cal, cfg.Symbols(), logger)
		go func() {
			if err := mon.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("Monitor server stopped")
			}
		}()
	}

	if err := bkr.Ping(ctx); err != nil {
		return fmt.Errorf("reaching broker: %w", err)
	}
	logger.Info("Broker connection verified")

	if err := store.AppendEvent(models.NewEvent(models.EventBotStarted, "", map[string]any{
		"mode":    cfg.Mode,
		"symbols": cfg.Symbols(),
	})); err != nil {
		logger.WithError(err).Error("Recording startup event")
	}

	loop := NewLoop(cfg, bkr, store, eng, controllers, cal, tracker, logger)
	runErr := loop.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	if err := store.AppendEvent(models.NewEvent(models.EventBotStopped, "", nil)); err != nil {
		logger.WithError(err).Error("Recording shutdown event")
	}
	if mon != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := mon.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Shutting down monitor")
		}
	}
	logger.Info("Bot stopped")
	return runErr
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
