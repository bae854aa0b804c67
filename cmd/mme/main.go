package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/your-org/aalto-mme/internal/config"
	"github.com/your-org/aalto-mme/internal/mme"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config/mme.yaml", "path to configuration file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := createLogger(*logLevel)
	defer logger.Sync()

	logger.Info("Starting MME (Mobility Management Entity)",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("mme_name", cfg.MME.Name),
		zap.String("s1_bind", fmt.Sprintf("%s:%d", cfg.MME.S1.BindAddress, cfg.MME.S1.Port)),
		zap.String("s11_bind", fmt.Sprintf("%s:%d", cfg.MME.S11.BindAddress, cfg.MME.S11.Port)),
		zap.String("s6a_backend", cfg.MME.S6a.Backend),
	)

	coordinator, err := mme.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build MME coordinator", zap.Error(err))
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("MME started successfully", zap.String("name", cfg.MME.Name))
		serverErrors <- coordinator.Start(context.Background())
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatal("MME server error", zap.Error(err))
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := coordinator.Stop(shutdownCtx); err != nil {
			logger.Error("Failed to gracefully shutdown MME", zap.Error(err))
		}

		logger.Info("MME shutdown complete")
	}
}

func createLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}

	return logger
}
