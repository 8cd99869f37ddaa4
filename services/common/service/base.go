// Package service provides the shared HTTP service scaffold: router, lifecycle,
// background workers and standard health endpoints.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/Asupkay/vibe-platform/internal/logging"
	"github.com/Asupkay/vibe-platform/internal/metrics"
)

const healthCheckTimeout = 5 * time.Second

// HealthCheck checks one dependency. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// BaseConfig contains shared configuration for all services.
type BaseConfig struct {
	ID      string
	Name    string
	Version string
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	// Checks run on /health. Any failing check marks the service unhealthy.
	Checks map[string]HealthCheck
}

// BaseService owns the router and the lifecycle of background workers.
type BaseService struct {
	id      string
	name    string
	version string
	router  *mux.Router
	logger  *logging.Logger
	metrics *metrics.Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	hydrate func(context.Context) error
	statsFn func() map[string]any
	workers []func(context.Context)
	cron    *cron.Cron

	checks          map[string]HealthCheck
	healthMu        sync.RWMutex
	checkResults    map[string]bool
	lastHealthCheck time.Time
	startTime       time.Time
}

// NewBase constructs a BaseService from shared config.
func NewBase(cfg BaseConfig) *BaseService {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default(cfg.ID)
	}
	checks := make(map[string]HealthCheck, len(cfg.Checks))
	for k, v := range cfg.Checks {
		if v != nil {
			checks[k] = v
		}
	}
	return &BaseService{
		id:           cfg.ID,
		name:         cfg.Name,
		version:      cfg.Version,
		router:       mux.NewRouter(),
		logger:       logger,
		metrics:      cfg.Metrics,
		stopCh:       make(chan struct{}),
		checks:       checks,
		checkResults: make(map[string]bool),
	}
}

func (b *BaseService) ID() string                { return b.id }
func (b *BaseService) Name() string              { return b.name }
func (b *BaseService) Version() string           { return b.version }
func (b *BaseService) Router() *mux.Router       { return b.router }
func (b *BaseService) Logger() *logging.Logger   { return b.logger }
func (b *BaseService) Metrics() *metrics.Metrics { return b.metrics }

// WithHydrate sets a hook run once during Start, before workers launch.
func (b *BaseService) WithHydrate(fn func(context.Context) error) *BaseService {
	b.hydrate = fn
	return b
}

// WithStats sets the statistics provider for /info.
func (b *BaseService) WithStats(fn func() map[string]any) *BaseService {
	b.statsFn = fn
	return b
}

// AddWorker registers a background worker started after hydrate completes.
// Workers must return when ctx is done or StopChan is closed.
func (b *BaseService) AddWorker(fn func(context.Context)) *BaseService {
	b.workers = append(b.workers, fn)
	return b
}

// AddTickerWorker registers fn to run every interval until Stop.
func (b *BaseService) AddTickerWorker(interval time.Duration, fn func(context.Context) error) *BaseService {
	worker := func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					b.logger.WithContext(ctx).WithError(err).Warn("worker error")
				}
			}
		}
	}
	b.workers = append(b.workers, worker)
	return b
}

// AddCronWorker schedules fn with a cron spec ("@every 30s", "0 * * * *").
// Overlapping runs are skipped.
func (b *BaseService) AddCronWorker(spec string, fn func(context.Context) error) error {
	if b.cron == nil {
		b.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	}
	_, err := b.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-b.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		if err := fn(ctx); err != nil {
			b.logger.WithContext(ctx).WithError(err).WithField("schedule", spec).Warn("cron worker error")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	return nil
}

// StopChan exposes the stop channel for worker goroutines.
func (b *BaseService) StopChan() <-chan struct{} {
	return b.stopCh
}

// Start runs hydrate once, then launches workers and the cron scheduler.
func (b *BaseService) Start(ctx context.Context) error {
	b.healthMu.Lock()
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	b.healthMu.Unlock()

	if b.hydrate != nil {
		if err := b.hydrate(ctx); err != nil {
			return fmt.Errorf("hydrate: %w", err)
		}
	}

	for _, w := range b.workers {
		worker := w
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			worker(ctx)
		}()
	}
	if b.cron != nil {
		b.cron.Start()
	}

	b.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"version": b.version,
		"workers": b.WorkerCount(),
	}).Info("service started")
	return nil
}

// Stop signals workers and waits for them. Safe to call more than once.
func (b *BaseService) Stop() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		if b.cron != nil {
			<-b.cron.Stop().Done()
		}
	})
	b.wg.Wait()
	return nil
}

// WorkerCount returns the number of registered workers, cron jobs included.
func (b *BaseService) WorkerCount() int {
	n := len(b.workers)
	if b.cron != nil {
		n += len(b.cron.Entries())
	}
	return n
}

// CheckHealth refreshes the cached health state by probing every check.
func (b *BaseService) CheckHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	results := make(map[string]bool, len(b.checks))
	for name, check := range b.checks {
		err := check(ctx)
		if err != nil {
			b.logger.WithContext(ctx).WithError(err).WithField("check", name).Warn("health check failed")
		}
		results[name] = err == nil
	}

	b.healthMu.Lock()
	b.checkResults = results
	b.lastHealthCheck = time.Now()
	b.healthMu.Unlock()
}

// HealthStatus checks dependencies and returns healthy or unhealthy.
func (b *BaseService) HealthStatus() string {
	b.CheckHealth()
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	for _, ok := range b.checkResults {
		if !ok {
			return "unhealthy"
		}
	}
	return "healthy"
}

// HealthDetails describes the most recent health state.
func (b *BaseService) HealthDetails() map[string]any {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()

	checks := make(map[string]string, len(b.checkResults))
	for name, ok := range b.checkResults {
		if ok {
			checks[name] = "ok"
		} else {
			checks[name] = "failing"
		}
	}

	details := map[string]any{"checks": checks}
	if !b.lastHealthCheck.IsZero() {
		details["last_check"] = b.lastHealthCheck.Format(time.RFC3339)
	} else {
		details["last_check"] = ""
	}

	uptime := time.Duration(0)
	if !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}
	details["uptime"] = uptime.String()
	return details
}
