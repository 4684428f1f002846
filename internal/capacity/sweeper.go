package capacity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ms-capacity/internal/config"
	"ms-capacity/internal/logger"
	"ms-capacity/internal/metrics"
	"ms-capacity/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
)

// SweepLease lets one instance sweep at a time. Correctness never depends on
// it: claims are skip-locked row by row.
type SweepLease interface {
	TryAcquire(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}

type SweepResult struct {
	Released int
	Failed   int
	Skipped  bool
	Duration time.Duration
}

type SweeperStats struct {
	Running       bool      `json:"running"`
	Runs          int64     `json:"runs"`
	TotalReleased int64     `json:"total_released"`
	TotalFailed   int64     `json:"total_failed"`
	LastRun       time.Time `json:"last_run"`
	LastReleased  int       `json:"last_released"`
}

// Sweeper returns units held by expired reservations to the ledger.
type Sweeper struct {
	svc      *Service
	lease    SweepLease
	interval time.Duration
	batch    int
	leaseTTL time.Duration
	log      *logger.Logger
	metrics  *metrics.Recorder

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	runs          int64
	totalReleased int64
	totalFailed   int64
	lastRun       time.Time
	lastReleased  int
}

type SweeperOption func(*Sweeper)

func WithLease(l SweepLease) SweeperOption {
	return func(w *Sweeper) { w.lease = l }
}

func NewSweeper(svc *Service, cfg config.CapacityConfig, log *logger.Logger, opts ...SweeperOption) *Sweeper {
	w := &Sweeper{
		svc:      svc,
		interval: cfg.SweepInterval,
		batch:    cfg.SweepBatchSize,
		leaseTTL: cfg.SweepLeaseTTL,
		log:      log,
		metrics:  svc.metrics,
	}
	if w.interval <= 0 {
		w.interval = 5 * time.Minute
	}
	if w.batch <= 0 {
		w.batch = 500
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunOnce releases up to the batch size of expired holds. A hold whose
// release fails is not retried in the same run.
func (w *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	var result SweepResult

	if w.lease != nil {
		ttl := w.leaseTTL
		if ttl <= 0 {
			ttl = w.interval
		}
		acquired, err := w.lease.TryAcquire(ctx, ttl)
		switch {
		case err != nil:
			w.log.Warn("SWEEPER", fmt.Sprintf("Lease unavailable, sweeping without it: %v", err))
		case !acquired:
			w.log.Debug("SWEEPER", "Another instance holds the sweep lease")
			result.Skipped = true
			return result, nil
		default:
			defer func() {
				if err := w.lease.Release(context.WithoutCancel(ctx)); err != nil {
					w.log.Warn("SWEEPER", fmt.Sprintf("Lease release failed: %v", err))
				}
			}()
		}
	}

	ctx, span := telemetry.StartSpan(ctx, "capacity.sweep")

	var exclude []string
	var runErr error
	for result.Released+result.Failed < w.batch {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		claimed, released, err := w.svc.releaseNextExpired(ctx, exclude)
		if err != nil {
			if claimed == "" || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				runErr = err
				break
			}
			result.Failed++
			exclude = append(exclude, claimed)
			w.log.Error("SWEEPER", fmt.Sprintf("Release of expired reservation %s failed: %v", claimed, err))
			continue
		}
		if released == nil {
			break
		}
		result.Released++
	}

	result.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("released", result.Released),
		attribute.Int("failed", result.Failed),
	)
	telemetry.EndSpan(span, runErr)
	w.metrics.SweepDuration(ctx, result.Duration.Seconds())

	w.mu.Lock()
	w.runs++
	w.totalReleased += int64(result.Released)
	w.totalFailed += int64(result.Failed)
	w.lastRun = start
	w.lastReleased = result.Released
	w.mu.Unlock()

	if result.Released > 0 || result.Failed > 0 {
		w.log.LogSweep(fmt.Sprintf("Released %d expired reservations, %d failed (%s)",
			result.Released, result.Failed, result.Duration.Round(time.Millisecond)))
	}
	if runErr != nil {
		return result, fmt.Errorf("sweep: %w", runErr)
	}
	return result, nil
}

// Start runs RunOnce immediately and then every interval until Stop is
// called or ctx is done. A stopped sweeper can be started again.
func (w *Sweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	w.running = true
	stopCh := make(chan struct{})
	w.stopCh = stopCh
	w.wg.Add(1)
	w.mu.Unlock()

	w.log.Info("SWEEPER", fmt.Sprintf("Starting expiry sweeper (interval %s, batch %d)", w.interval, w.batch))

	go w.loop(ctx, stopCh)
	return nil
}

func (w *Sweeper) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		if w.stopCh == stopCh {
			w.running = false
		}
		w.mu.Unlock()
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Sweeper) tick(ctx context.Context) {
	if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
		w.log.Error("SWEEPER", err.Error())
	}
}

// Stop ends the loop and waits for an in-flight run to finish.
func (w *Sweeper) Stop() {
	w.mu.Lock()
	if w.stopCh == nil {
		w.mu.Unlock()
		return
	}
	stopCh := w.stopCh
	w.stopCh = nil
	w.running = false
	w.mu.Unlock()

	close(stopCh)
	w.wg.Wait()
	w.log.Info("SWEEPER", "Expiry sweeper stopped")
}

func (w *Sweeper) Stats() SweeperStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return SweeperStats{
		Running:       w.running,
		Runs:          w.runs,
		TotalReleased: w.totalReleased,
		TotalFailed:   w.totalFailed,
		LastRun:       w.lastRun,
		LastReleased:  w.lastReleased,
	}
}
