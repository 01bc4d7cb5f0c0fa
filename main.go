package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"slack-thread-exporter/internal/config"
	"slack-thread-exporter/internal/conversation"
	"slack-thread-exporter/internal/logging"
	"slack-thread-exporter/internal/metrics"
	"slack-thread-exporter/internal/ratelimit"
	"slack-thread-exporter/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, level, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if !cfg.DotEnv {
		logger.Info("no .env file found, using environment variables")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	gates := ratelimit.NewRegistry(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	httpClient := &http.Client{Timeout: 30 * time.Second}
	assemblerFor := func(c *config.Config) *conversation.Assembler {
		clients := conversation.SlackClients{
			APIURL:     c.Slack.APIURL,
			HTTPClient: httpClient,
			PageLimit:  c.Slack.PageLimit,
			Policy:     c.Policy(),
			Registry:   gates,
			Observer:   m,
			Logger:     logger,
		}
		return conversation.NewAssembler(clients.New, c.FetchOptions(), logger)
	}

	srv := server.New(assemblerFor(cfg),
		server.WithLogger(logger),
		server.WithMetrics(m, reg),
		server.WithSigningSecret(cfg.Security.SigningSecret),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.File != "" {
		go func() {
			err := config.Watch(ctx, cfg.File, logger, func(next *config.Config) {
				if lvl, err := logging.ParseLevel(next.Logging.Level); err == nil {
					level.SetLevel(lvl)
				}
				gates.SetLimit(next.RateLimit.RPS, next.RateLimit.Burst)
				srv.Update(assemblerFor(next), next.Security.SigningSecret)
				if next.Addr() != cfg.Addr() {
					logger.Warn("listen address changes need a restart", zap.String("configured", next.Addr()))
				}
			})
			if err != nil {
				logger.Error("config watcher stopped", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Fetch.RequestTimeout.Duration() + 30*time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", httpServer.Addr),
			zap.String("config_file", cfg.File),
			zap.Bool("signature_required", cfg.Security.SigningSecret != ""),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
