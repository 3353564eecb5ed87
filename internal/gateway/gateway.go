// Package gateway is the ops HTTP server: a health probe over the manifest
// backend and the Prometheus scrape endpoint. It exposes no compression or
// composition API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pinger checks a backend's availability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of a Gateway. All are optional.
type Deps struct {
	Store    Pinger
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Gateway serves the ops endpoints.
type Gateway struct {
	config    Config
	store     Pinger
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	now       func() time.Time
}

// New creates a Gateway.
func New(cfg Config, deps Deps) *Gateway {
	cfg.Defaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config:   cfg,
		store:    deps.Store,
		gatherer: deps.Gatherer,
		logger:   logger.With("component", "gateway"),
		now:      time.Now,
	}
}

// Validate checks the bind address.
func (g *Gateway) Validate() error {
	if _, err := net.ResolveTCPAddr("tcp", g.config.Bind); err != nil {
		return errors.New("gateway: invalid bind address: " + g.config.Bind)
	}
	return nil
}

// Handler returns the router, for embedding and tests.
func (g *Gateway) Handler() http.Handler {
	return g.buildRouter()
}

// Start listens on the configured address and serves in the background.
// It returns the bound address, which differs from the configured one when
// the port is 0.
func (g *Gateway) Start(ctx context.Context) (net.Addr, error) {
	g.startedAt = g.now()
	g.server = &http.Server{
		Addr:         g.config.Bind,
		Handler:      g.buildRouter(),
		ReadTimeout:  g.config.ReadTimeout,
		WriteTimeout: g.config.WriteTimeout,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", g.config.Bind)
	if err != nil {
		return nil, fmt.Errorf("gateway: listen failed: %w", err)
	}

	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway serve error", "error", err)
		}
	}()
	return ln.Addr(), nil
}

// Stop shuts the server down gracefully within the configured timeout.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()

	g.logger.Info("gateway shutting down")
	return g.server.Shutdown(shutdownCtx)
}
