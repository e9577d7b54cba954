package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/nhle/jobmail/internal/credential"
	"github.com/nhle/jobmail/internal/dedup"
	"github.com/nhle/jobmail/internal/ingest"
	"github.com/nhle/jobmail/internal/metrics"
	"github.com/nhle/jobmail/internal/model"
	"github.com/nhle/jobmail/internal/source/email"
	"github.com/nhle/jobmail/internal/store"
)

// app holds the wired collaborators shared by every command.
type app struct {
	cfg      *model.AppConfig
	logger   *log.Logger
	store    *store.SQLiteStore
	keys     *credential.Keyring
	dialer   *email.Dialer
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	runner   *ingest.Runner
	redis    *redis.Client
}

func newLogger(level string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Prefix:          "jobmail",
	})
	if lvl, err := log.ParseLevel(level); err == nil {
		logger.SetLevel(lvl)
	}
	return logger
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := model.LoadConfig(configPathFlag)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	logger := newLogger(level)
	log.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	keys, err := credential.Open(cfg.Keyring)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		keys:     keys,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)
	a.dialer = email.NewDialer(
		email.WithDialTimeout(cfg.Ingest.DialTimeout),
		email.WithLogger(logger.WithPrefix("mail")),
	)

	opts := []ingest.Option{
		ingest.WithConfig(cfg.Ingest),
		ingest.WithLogger(logger.WithPrefix("ingest")),
		ingest.WithMetrics(a.metrics),
	}
	if cfg.Redis.URL != "" {
		rdb, err := dedup.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Warn("seen cache disabled", "error", err)
		} else {
			a.redis = rdb
			opts = append(opts, ingest.WithSeenCache(dedup.NewFilter(rdb, cfg.Redis.TTL)))
		}
	}

	coordinator := ingest.NewCoordinator(st, a.dialer, keys, opts...)
	a.runner = ingest.NewRunner(coordinator, st, st,
		ingest.WithLookback(cfg.Ingest.InitialLookback),
		ingest.WithRunnerLogger(logger.WithPrefix("runner")),
	)
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("closing redis", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
}

// printResult writes a one-line summary of a cycle.
func printResult(userID string, res model.IngestResult) {
	switch {
	case res.Err != nil && res.Imported == 0 && res.Fetched == 0:
		fmt.Printf("%s: %s\n", userID, res.Message)
	default:
		fmt.Printf("%s: imported %d, skipped %d (%d duplicates), failed %d\n",
			userID, res.Imported, res.Skipped, res.Duplicates, res.Failed)
		if res.TimedOut {
			fmt.Printf("%s: cycle timed out, remaining messages will be retried\n", userID)
		} else if res.Err != nil {
			fmt.Printf("%s: %s\n", userID, res.Message)
		}
	}
}
