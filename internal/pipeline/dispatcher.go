package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/voices"
)

var errWorkerPanic = errors.New("pipeline worker panicked")

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, req voices.SynthesisRequest) (Result, error)
}

// Submitter is what transports call to get a request rendered.
type Submitter interface {
	Submit(ctx context.Context, req voices.SynthesisRequest) (Result, error)
}

// Dispatcher bounds the number of runs in flight. Runs beyond
// max_concurrency wait for a worker, up to queue_depth of them; anything past
// that is refused with ErrBusy. A waiting caller whose context ends gives its
// queue slot back immediately.
type Dispatcher struct {
	pool    *ants.Pool
	admit   *semaphore.Weighted
	slots   *semaphore.Weighted
	pending atomic.Int64
	runner  Runner
	timeout time.Duration
	log     *slog.Logger
}

func NewDispatcher(runner Runner, cfg config.PipelineConfig, log *slog.Logger) (*Dispatcher, error) {
	log = log.With(slog.String("component", "dispatcher"))
	pool, err := ants.NewPool(cfg.MaxConcurrency,
		ants.WithPanicHandler(func(p any) {
			log.Error("pipeline worker panic", slog.Any("panic", p))
		}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	d := &Dispatcher{
		pool:    pool,
		admit:   semaphore.NewWeighted(int64(cfg.MaxConcurrency + max(cfg.QueueDepth, 0))),
		slots:   semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		runner:  runner,
		timeout: time.Duration(cfg.RunTimeoutMS) * time.Millisecond,
		log:     log,
	}
	d.registerMetrics()
	return d, nil
}

func (d *Dispatcher) registerMetrics() {
	meter := otel.Meter(instrumentationName)
	_, err := meter.Int64ObservableGauge("avatar_pipeline_inflight_runs",
		metric.WithDescription("Runs currently executing or waiting for a worker"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(d.pending.Load())
			return nil
		}))
	if err != nil {
		d.log.Warn("failed to register inflight gauge", slogError(err))
	}
}

// Submit runs req on a worker and waits for it to reach a terminal state.
// Cancelling ctx while queued returns ctx.Err() without running anything;
// cancelling it during the run cancels the run and Submit waits for cleanup.
func (d *Dispatcher) Submit(ctx context.Context, req voices.SynthesisRequest) (Result, error) {
	if !d.admit.TryAcquire(1) {
		d.log.Warn("rejecting run", slog.String("reason", "queue full"))
		return Result{}, ErrBusy
	}
	d.pending.Add(1)
	admitted := func() {
		d.pending.Add(-1)
		d.admit.Release(1)
	}

	if err := d.slots.Acquire(ctx, 1); err != nil {
		admitted()
		return Result{}, err
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	err := d.pool.Submit(func() {
		defer admitted()
		defer d.slots.Release(1)
		defer cancel()
		res, err := Result{}, errWorkerPanic
		defer func() { done <- outcome{res: res, err: err} }()
		res, err = d.runner.Run(runCtx, req)
	})
	if err != nil {
		cancel()
		d.slots.Release(1)
		admitted()
		if errors.Is(err, ants.ErrPoolOverload) || errors.Is(err, ants.ErrPoolClosed) {
			d.log.Warn("rejecting run", slogError(err))
			return Result{}, ErrBusy
		}
		return Result{}, err
	}

	out := <-done
	return out.res, out.err
}

// Running reports how many workers are busy.
func (d *Dispatcher) Running() int { return d.pool.Running() }

// Close stops accepting work and waits up to timeout for in-flight runs.
func (d *Dispatcher) Close(timeout time.Duration) error {
	return d.pool.ReleaseTimeout(timeout)
}
