package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/pipeline"
	"github.com/loqalabs/loqa-avatar/internal/voices"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start wires every component, serves HTTP until ctx is cancelled, then
// drains in-flight runs and shuts everything down.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	comps, err := build(ctx, r.cfg, r.logger)
	if err != nil {
		return err
	}
	defer comps.close(r.logger)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           r.routes(comps, metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := comps.store.Prune(gctx); err != nil && gctx.Err() == nil {
					r.logger.Warn("run journal prune failed", slog.String("error", err.Error()))
				}
			}
		}
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	return g.Wait()
}

func (r *Runtime) routes(c *components, metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		r.handleReady(w, c)
	})
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	c.api.Register(mux)
	return c.api.Wrap(mux)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, c *components) {
	if r.ready.Load() && c.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// Render runs a single synthesis request through a freshly built pipeline
// without starting the HTTP server.
func Render(ctx context.Context, cfg config.Config, logger *slog.Logger, req voices.SynthesisRequest) (pipeline.Result, error) {
	cfg.Bus.Enabled = false
	comps, err := build(ctx, cfg, logger)
	if err != nil {
		return pipeline.Result{}, err
	}
	defer comps.close(logger)
	return comps.dispatcher.Submit(ctx, req)
}
