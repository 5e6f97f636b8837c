package health

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/3vilhamster/partition-placement/pkg/server/store"
)

// Constants for catalog health checking
const (
	DefaultHealthCheckInterval = 5 * time.Second
	DefaultHealthCheckTimeout  = 2 * time.Second

	// probeTableID is read on every check, no real table uses it
	probeTableID = 0
)

// Checker probes the catalog and reports when it becomes reachable or
// unreachable
type Checker struct {
	mu        sync.RWMutex
	store     store.Store
	interval  time.Duration
	timeout   time.Duration
	logger    *zap.Logger
	clock     clockwork.Clock
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup

	healthy          bool
	checked          bool
	failures         int
	lastCheckTime    time.Time
	onHealthyChanged func(healthy bool)
}

// CheckerParams defines dependencies for creating a Checker
type CheckerParams struct {
	fx.In

	Store  store.Store
	Logger *zap.Logger
	Clock  clockwork.Clock `optional:"true"`
	Config *CheckerConfig  `optional:"true"`
}

// CheckerConfig provides configuration for the health checker
type CheckerConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Metrics is a point-in-time view of the checker state
type Metrics struct {
	IsRunning     bool
	Healthy       bool
	Failures      int
	LastCheckTime time.Time
}

// NewChecker creates a new catalog health checker
func NewChecker(params CheckerParams) *Checker {
	clock := params.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	interval := DefaultHealthCheckInterval
	timeout := DefaultHealthCheckTimeout

	if params.Config != nil {
		if params.Config.Interval > 0 {
			interval = params.Config.Interval
		}
		if params.Config.Timeout > 0 {
			timeout = params.Config.Timeout
		}
	}

	return &Checker{
		store:    params.Store,
		interval: interval,
		timeout:  timeout,
		logger:   params.Logger,
		clock:    clock,
	}
}

// Start runs a first check, then keeps checking on every interval
func (c *Checker) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return nil
	}
	c.isRunning = true
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	c.logger.Info("Starting catalog health checker",
		zap.Duration("interval", c.interval),
		zap.Duration("timeout", c.timeout))

	c.Check(ctx)

	c.wg.Add(1)
	go c.runCheckLoop(stopCh)

	return nil
}

// Stop stops the health checker
func (c *Checker) Stop() {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return
	}
	close(c.stopCh)
	c.isRunning = false
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("Catalog health checker stopped")
}

// IsRunning returns whether the health checker is running
func (c *Checker) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isRunning
}

// SetCallback sets the callback for health changes. It also fires for the
// first check.
func (c *Checker) SetCallback(callback func(healthy bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHealthyChanged = callback
}

func (c *Checker) runCheckLoop(stopCh <-chan struct{}) {
	defer c.wg.Done()

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.Chan():
			c.Check(context.Background())
		}
	}
}

// Check probes the catalog once and returns whether it answered
func (c *Checker) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.store.SelectRows(ctx, store.HashRelation, probeTableID)
	healthy := err == nil

	c.mu.Lock()
	c.lastCheckTime = c.clock.Now()
	if !healthy {
		c.failures++
	}
	changed := !c.checked || c.healthy != healthy
	c.checked = true
	c.healthy = healthy
	callback := c.onHealthyChanged
	c.mu.Unlock()

	if !changed {
		return healthy
	}

	if healthy {
		c.logger.Info("Catalog is reachable")
	} else {
		c.logger.Warn("Catalog is unreachable", zap.Error(err))
	}
	if callback != nil {
		callback(healthy)
	}
	return healthy
}

// GetHealthMetrics returns health checking metrics
func (c *Checker) GetHealthMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Metrics{
		IsRunning:     c.isRunning,
		Healthy:       c.healthy,
		Failures:      c.failures,
		LastCheckTime: c.lastCheckTime,
	}
}
