// Package health runs periodic health checks with optional auto-recovery
// and exports each result as a Prometheus gauge.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tutu-network/devpilot/internal/infra/metrics"
)

// DefaultInterval is how often checks run.
const DefaultInterval = 60 * time.Second

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
	// DetailFn, when set, annotates a healthy status.
	DetailFn func() string
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	logger   *slog.Logger
}

// NewChecker creates a checker over checks. A non-positive interval uses
// DefaultInterval.
func NewChecker(interval time.Duration, logger *slog.Logger, checks ...Check) *Checker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{checks: checks, interval: interval, logger: logger.With("component", "health")}
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check once and records the results.
func (c *Checker) RunOnce(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{Name: check.Name, CheckedAt: time.Now().UTC()}
		err := check.CheckFn(ctx)
		if err != nil && check.RecoverFn != nil {
			metrics.HealthRecoveries.WithLabelValues(check.Name).Inc()
			if rerr := check.RecoverFn(ctx); rerr == nil {
				err = check.CheckFn(ctx)
			} else {
				c.logger.Warn("recovery failed", "check", check.Name, "error", rerr)
			}
		}
		if err != nil {
			s.Error = err.Error()
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(0)
			c.logger.Warn("health check failed", "check", check.Name, "error", err)
		} else {
			s.Healthy = true
			if check.DetailFn != nil {
				s.Detail = check.DetailFn()
			}
			metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(1)
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

// Pinger is anything with a connectivity probe, such as a task store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StorageCheck pings the task store.
func StorageCheck(p Pinger) Check {
	return Check{Name: "storage", CheckFn: p.Ping}
}

// DataDirCheck verifies dir exists and is writable, recreating it when
// missing.
func DataDirCheck(dir string) Check {
	return Check{
		Name: "data_dir",
		CheckFn: func(ctx context.Context) error {
			return checkWritable(dir)
		},
		RecoverFn: func(ctx context.Context) error {
			return os.MkdirAll(dir, 0o755)
		},
	}
}

// Counter reports a document count.
type Counter interface {
	Count() int
}

// KnowledgeCheck reports how many documents the knowledge base holds. An
// empty knowledge base is healthy; searches simply return nothing.
func KnowledgeCheck(kb Counter) Check {
	return Check{
		Name: "knowledge",
		CheckFn: func(ctx context.Context) error {
			if kb == nil {
				return fmt.Errorf("knowledge base not configured")
			}
			return nil
		},
		DetailFn: func() string {
			return fmt.Sprintf("%d documents", kb.Count())
		},
	}
}

func checkWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	probe := filepath.Join(dir, ".health")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("data dir not writable: %w", err)
	}
	return os.Remove(probe)
}
