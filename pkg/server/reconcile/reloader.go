package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/3vilhamster/partition-placement/pkg/server/tables"
)

// DefaultInterval is the reload period used when none is configured
const DefaultInterval = 30 * time.Second

// Reloader periodically refreshes every loaded table from the catalog, so a
// mapping changed by another process replaces the local one
type Reloader struct {
	mu        sync.RWMutex
	directory *tables.Directory
	interval  time.Duration
	logger    *zap.Logger
	clock     clockwork.Clock
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup

	lastReloadTime time.Time
	reloadCount    int
	swaps          int
	evictions      int
	failures       int
}

// Stats is a point-in-time view of the reloader counters
type Stats struct {
	IsRunning      bool
	Interval       time.Duration
	LastReloadTime time.Time
	ReloadCount    int
	Swaps          int
	Evictions      int
	Failures       int
}

// ReloaderParams defines dependencies for creating a Reloader
type ReloaderParams struct {
	fx.In

	Directory *tables.Directory
	Logger    *zap.Logger
	Clock     clockwork.Clock `optional:"true"`
	Interval  time.Duration   `optional:"true" name:"reloadInterval"`
}

// NewReloader creates a new reloader
func NewReloader(params ReloaderParams) *Reloader {
	clock := params.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	interval := params.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Reloader{
		directory: params.Directory,
		interval:  interval,
		logger:    logger,
		clock:     clock,
	}
}

// Start starts the reload loop
func (r *Reloader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning {
		return nil
	}
	r.isRunning = true
	r.stopCh = make(chan struct{})

	r.logger.Info("Starting catalog reloader", zap.Duration("interval", r.interval))

	r.wg.Add(1)
	go r.runReloadLoop(ctx, r.stopCh)

	return nil
}

// Stop stops the reload loop and waits for a running pass to finish
func (r *Reloader) Stop() {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	r.isRunning = false
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("Catalog reloader stopped")
}

// IsRunning returns whether the reload loop is running
func (r *Reloader) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isRunning
}

func (r *Reloader) runReloadLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer r.wg.Done()

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			// failures are logged and counted by ReloadAll
			_ = r.ReloadAll(ctx)
		}
	}
}

// ReloadAll reloads every table of the directory once. Failures of single
// tables do not stop the pass, they are combined into the returned error and
// the failing tables keep their published map.
func (r *Reloader) ReloadAll(ctx context.Context) error {
	var (
		errs    error
		swapped int
		evicted int
		failed  int
	)

	for _, table := range r.directory.Tables() {
		outcome, err := r.directory.Reload(ctx, table.ID)
		if err != nil {
			failed++
			errs = multierr.Append(errs, fmt.Errorf("table %d: %w", table.ID, err))
			continue
		}
		switch outcome {
		case tables.ReloadSwapped:
			swapped++
		case tables.ReloadEvicted:
			evicted++
		}
	}

	r.mu.Lock()
	r.lastReloadTime = r.clock.Now()
	r.reloadCount++
	r.swaps += swapped
	r.evictions += evicted
	r.failures += failed
	r.mu.Unlock()

	if errs != nil {
		r.logger.Warn("Catalog reload finished with errors",
			zap.Int("swapped", swapped),
			zap.Int("evicted", evicted),
			zap.Int("failed", failed),
			zap.Error(errs))
		return errs
	}

	r.logger.Debug("Catalog reload finished",
		zap.Int("swapped", swapped),
		zap.Int("evicted", evicted))
	return nil
}

// Stats returns the reload counters
func (r *Reloader) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		IsRunning:      r.isRunning,
		Interval:       r.interval,
		LastReloadTime: r.lastReloadTime,
		ReloadCount:    r.reloadCount,
		Swaps:          r.swaps,
		Evictions:      r.evictions,
		Failures:       r.failures,
	}
}
