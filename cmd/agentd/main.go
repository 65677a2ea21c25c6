// Command agentd is the sentinel host intrusion detection agent binary. It
// loads a YAML configuration file, starts the detection pipeline (event
// collection, behavioral tracking, risk scoring, anomaly detection,
// connection-pattern analysis, and alert gating), serves a read-only
// /healthz and /snapshot HTTP surface, and shuts down gracefully on
// SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tripwire/sentinel/internal/agentcore"
	"github.com/tripwire/sentinel/internal/config"
	"github.com/tripwire/sentinel/internal/opsserver"

	_ "github.com/tripwire/sentinel/internal/collector/audittail"
	_ "github.com/tripwire/sentinel/internal/collector/kernelprobe"
)

func main() {
	configPath := flag.String("config", "/etc/sentinel/config.yaml", "path to the sentinel agent YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinel-agent: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("collector", cfg.Collector),
		slog.String("log_level", cfg.LogLevel),
		slog.Float64("risk_threshold", cfg.RiskThreshold),
	)

	core, err := agentcore.New(cfg, logger)
	if err != nil {
		logger.Error("failed to build agent core", slog.Any("error", err))
		os.Exit(1)
	}

	var pubKey *rsa.PublicKey
	if cfg.OpsServer.JWTPublicKeyPath != "" {
		pubKey, err = loadJWTPublicKey(cfg.OpsServer.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to load ops server JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("ops server JWT validation enabled")
	} else {
		logger.Warn("jwt_public_key_path not configured; /snapshot is unauthenticated")
	}

	opsSrv := opsserver.New(core)
	core.AttachSnapshotSink(opsSrv)
	opsRouter := opsserver.NewRouter(opsSrv, pubKey)

	httpServer := &http.Server{
		Addr:         cfg.OpsServer.Addr,
		Handler:      opsRouter,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := core.Start(ctx); err != nil {
		logger.Error("failed to start agent core", slog.Any("error", err))
		os.Exit(1)
	}

	go func() {
		logger.Info("ops server listening", slog.String("addr", cfg.OpsServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	core.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ops server shutdown error", slog.Any("error", err))
	}

	logger.Info("sentinel agent exited cleanly")
}

// loadJWTPublicKey reads and parses a PEM-encoded RSA public key used to
// validate bearer tokens on the ops server's /snapshot endpoint.
func loadJWTPublicKey(path string) (*rsa.PublicKey, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse RSA public key from %q: %w", path, err)
	}
	return key, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
