package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flemzord/strata/internal/apperr"
	"github.com/flemzord/strata/internal/artifact"
	"github.com/flemzord/strata/internal/compose"
	"github.com/flemzord/strata/internal/compress"
	"github.com/flemzord/strata/internal/config"
	"github.com/flemzord/strata/internal/decay"
	"github.com/flemzord/strata/internal/lock"
	"github.com/flemzord/strata/internal/manifest"
	"github.com/flemzord/strata/internal/metrics"
	"github.com/flemzord/strata/internal/redact"
	"github.com/flemzord/strata/internal/registry"
	"github.com/flemzord/strata/internal/source"
	"github.com/flemzord/strata/internal/summarize"
	"github.com/flemzord/strata/internal/telemetry"
	"github.com/flemzord/strata/internal/tokens"
	"github.com/flemzord/strata/modules/manifest/sqlite"
	"github.com/flemzord/strata/modules/summarizer/anthropic"
)

// app holds the collaborators a command needs, built from the config.
type app struct {
	cfg     *config.Config
	project string
	logger  *slog.Logger

	store     manifest.Store
	repo      *manifest.Repository
	locks     *lock.Table
	reader    source.Reader
	artifacts *artifact.Store
	estimator tokens.Estimator
	metrics   *metrics.Metrics
	gatherer  *prometheus.Registry

	closers []func(context.Context) error
}

// openApp loads the config, installs telemetry, and opens the manifest
// backend. The caller must Close the app.
func openApp(ctx context.Context, g *globals) (*app, error) {
	cfg, _, err := config.LoadOrDefault(g.configPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "config", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "config", err)
	}
	if err := manifest.ValidateProjectID(g.project); err != nil {
		return nil, err
	}

	logger := newLogger(cfg, os.Stderr)
	a := &app{
		cfg:       cfg,
		project:   g.project,
		logger:    logger,
		locks:     lock.New(),
		reader:    source.JSONLReader{},
		artifacts: artifact.NewStore(cfg.DataDir),
		estimator: tokens.NewCharEstimator(cfg.Tokens.CharsPerToken),
		gatherer:  prometheus.NewRegistry(),
	}

	a.metrics, err = metrics.New(a.gatherer)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "metrics", err)
	}

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		a.closers = append(a.closers, shutdown)
	}

	switch cfg.Manifest.Backend {
	case config.BackendSQLite:
		st, err := sqlite.Open(ctx, cfg.Manifest.SQLite)
		if err != nil {
			_ = a.Close(ctx)
			return nil, apperr.Wrap(apperr.Internal, "manifest", err)
		}
		a.store = st
		a.closers = append(a.closers, func(context.Context) error { return st.Close() })
	default:
		a.store = manifest.NewFileStore(cfg.DataDir)
	}

	a.repo = manifest.NewRepository(a.store, logger)
	a.repo.OnConflict = a.metrics.ManifestConflict

	logger.Debug("strata ready",
		"project", a.project,
		"data_dir", cfg.DataDir,
		"backend", cfg.Manifest.Backend,
	)
	return a, nil
}

// Close releases the backend and flushes telemetry, last opened first.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func (a *app) registry() *registry.Registry {
	return registry.New(registry.Deps{
		Repo:      a.repo,
		Locks:     a.locks,
		Syncer:    source.NewSyncer(a.logger),
		Reader:    a.reader,
		Artifacts: a.artifacts,
		Estimator: a.estimator,
		Logger:    a.logger,
		DataDir:   a.cfg.DataDir,
	})
}

// orchestrator builds the compression orchestrator. It needs summarizer
// credentials, so only commands that compress call it.
func (a *app) orchestrator() (*compress.Orchestrator, error) {
	s, err := newSummarizer(a.cfg.Summarizer, a.logger)
	if err != nil {
		return nil, err
	}
	return a.orchestratorWith(s), nil
}

func (a *app) orchestratorWith(s summarize.Summarizer) *compress.Orchestrator {
	return compress.New(compress.Deps{
		Repo:       a.repo,
		Locks:      a.locks,
		Reader:     a.reader,
		Summarizer: s,
		Artifacts:  a.artifacts,
		Estimator:  a.estimator,
		Metrics:    a.metrics,
		Logger:     a.logger,
	}, compress.Config{
		MinDeltaMessages: a.cfg.Compression.MinDeltaMessages,
		Decay:            decay.Model{MaxDistance: a.cfg.Decay.MaxDistance},
	})
}

func (a *app) engine() *compose.Engine {
	return compose.New(compose.Deps{
		Repo:      a.repo,
		Reader:    a.reader,
		Artifacts: a.artifacts,
		Estimator: a.estimator,
		Metrics:   a.metrics,
		Logger:    a.logger,
	}, compose.Config{
		Score: compose.ScoreConfig{
			MinScore:          a.cfg.Composition.MinScore,
			OverBudgetPenalty: a.cfg.Composition.OverBudgetPenalty,
		},
	})
}

// artifactPath resolves an artifact name of the current project.
func (a *app) artifactPath(name string) string {
	return a.artifacts.Path(a.project, name)
}

func newSummarizer(cfg config.SummarizerConfig, logger *slog.Logger) (summarize.Summarizer, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		s, err := anthropic.New(cfg.Config, logger)
		if err != nil {
			return nil, apperr.Wrap(apperr.Validation, "summarizer", err)
		}
		return s, nil
	default:
		return nil, apperr.New(apperr.Validation, "summarizer", "unknown provider %q", cfg.Provider)
	}
}

// newLogger builds the configured handler, wrapped so configured
// credentials never reach the output.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	r := redact.New(
		cfg.Summarizer.APIKey,
		os.Getenv(cfg.Summarizer.APIKeyEnv),
		cfg.Gateway.Auth.BearerToken,
		cfg.Gateway.Auth.BasicPass,
	)
	return slog.New(redact.NewHandler(h, r))
}

// withApp opens the app around fn.
func withApp(ctx context.Context, g *globals, fn func(*app) error) error {
	a, err := openApp(ctx, g)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			a.logger.Warn("shutdown", "error", cerr)
		}
	}()
	return fn(a)
}

// absPath makes a user-supplied path absolute for display and storage.
func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
