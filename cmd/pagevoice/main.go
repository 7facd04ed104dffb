package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/ent0n29/pagevoice/internal/config"
	"github.com/ent0n29/pagevoice/internal/httpapi"
	"github.com/ent0n29/pagevoice/internal/ledger"
	"github.com/ent0n29/pagevoice/internal/logging"
	"github.com/ent0n29/pagevoice/internal/negotiator"
	"github.com/ent0n29/pagevoice/internal/observability"
	"github.com/ent0n29/pagevoice/internal/preload"
	"github.com/ent0n29/pagevoice/internal/protocol"
	"github.com/ent0n29/pagevoice/internal/proxy"
	"github.com/ent0n29/pagevoice/internal/session"
)

func main() {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}

	logger, logCloser, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogOutput)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup failed: %v\n", err)
		os.Exit(2)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("pagevoice exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	ctx := context.Background()
	store, err := ledger.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("ledger init: %w", err)
	}
	defer store.Close()
	logger.Info("session ledger ready", "mode", store.Mode())

	checks := map[string]httpapi.Pinger{}
	if p, ok := store.(httpapi.Pinger); ok {
		checks["postgres"] = p
	}

	cacheOpts := []preload.Option{
		preload.WithTTL(cfg.PreloadTTL),
		preload.WithFetchTimeout(cfg.PreloadFetchTimeout),
		preload.WithLogger(logger),
		preload.WithRecorder(metrics),
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		artifacts := preload.NewRedisStore(redis.NewClient(opts),
			preload.WithRedisTTL(cfg.GreetingCacheTTL),
			preload.WithPrefix(cfg.RedisPrefix),
		)
		defer artifacts.Close()
		checks["redis"] = artifacts
		cacheOpts = append(cacheOpts, preload.WithStore(artifacts))
		logger.Info("greeting artifacts shared through redis", "prefix", cfg.RedisPrefix)
	}

	neg := negotiator.NewClient(negotiator.Config{
		URL:          cfg.NegotiateURL,
		APIKey:       cfg.NegotiateAPIKey,
		DefaultModel: cfg.DefaultModel,
		Timeout:      cfg.NegotiateTimeout,
	})
	greeter := negotiator.NewGreetingClient(cfg.GreetingURL, cfg.GreetingTimeout)
	cache := preload.New(greeter, neg, cacheOpts...)
	defer cache.Close()

	sessions := session.NewManager(cfg.SessionIdleTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvent("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
		logger.Info("session expired after inactivity", "session_id", s.ID, "content_id", s.ContentID)
	})

	px := proxy.New(proxy.Config{
		DefaultModel:     cfg.DefaultModel,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ConfigureTimeout: cfg.ConfigureTimeout,
		CloseGracePeriod: cfg.CloseGracePeriod,
		InboundRate:      cfg.InboundRate,
		InboundBurst:     cfg.InboundBurst,
		Session:          sessionConfig(cfg),
	}, proxy.Deps{
		Dialer: proxy.UpstreamDialer{
			URL:     cfg.UpstreamURL,
			Timeout: cfg.HandshakeTimeout,
		},
		Sessions: cache,
		Registry: sessions,
		Ledger:   store,
		Metrics:  metrics,
		Logger:   logger,
	})

	api := httpapi.New(px, cache, sessions, store, metrics, httpapi.Options{
		AllowAnyOrigin: cfg.AllowAnyOrigin,
		Gatherer:       reg,
		Checks:         checks,
		Logger:         logger,
	})

	// Realtime sockets are hijacked and outlive Shutdown, so every request
	// context derives from runCtx and is cancelled with it.
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}

	sessions.StartJanitor(runCtx, 5*time.Second)
	cache.StartJanitor(runCtx, time.Minute)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr, "upstream", cfg.UpstreamURL, "model", cfg.DefaultModel)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	logger.Info("shutdown complete")
	return nil
}

// sessionConfig applies configured overrides to the default session.update body.
func sessionConfig(cfg config.Config) protocol.SessionConfig {
	sc := proxy.DefaultSessionConfig()
	if v := strings.TrimSpace(cfg.Voice); v != "" {
		sc.Voice = v
	}
	if v := strings.TrimSpace(cfg.Instructions); v != "" {
		sc.Instructions = v
	}
	if cfg.Temperature > 0 {
		sc.Temperature = cfg.Temperature
	}
	if cfg.MaxResponseTokens > 0 {
		sc.MaxResponseOutputTokens = cfg.MaxResponseTokens
	}
	if v := strings.TrimSpace(cfg.TranscriptionModel); v != "" {
		sc.InputAudioTranscription = &protocol.TranscriptionConfig{Model: v}
	}
	if sc.TurnDetection != nil {
		sc.TurnDetection.Threshold = cfg.VADThreshold
		if cfg.VADPrefixPaddingMS > 0 {
			sc.TurnDetection.PrefixPaddingMS = cfg.VADPrefixPaddingMS
		}
		if cfg.VADSilenceMS > 0 {
			sc.TurnDetection.SilenceDurationMS = cfg.VADSilenceMS
		}
	}
	return sc
}
