package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Scheduler runs an eviction sweep over every user whenever a cron
// expression is due. The expression is checked once per tick (one minute by
// default, the resolution of cron).
type Scheduler struct {
	engine   *Engine
	expr     string
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastRun time.Time
}

// NewScheduler validates expr and creates a Scheduler for e.
func NewScheduler(e *Engine, expr string, logger *slog.Logger) (*Scheduler, error) {
	gron := gronx.New()
	if !gron.IsValid(expr) {
		return nil, fmt.Errorf("invalid eviction schedule %q", expr)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{engine: e, expr: expr, interval: time.Minute, logger: logger}, nil
}

// Start begins the background loop. It returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("eviction scheduler started", "schedule", s.expr)
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("eviction scheduler stopped")
				return
			case t := <-ticker.C:
				s.tick(ctx, t)
			}
		}
	}()
	return nil
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()
	s.wg.Wait()
}

// LastRun returns when the last sweep started, or the zero time.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Scheduler) tick(ctx context.Context, t time.Time) {
	gron := gronx.New()
	due, err := gron.IsDue(s.expr, t.Truncate(time.Minute))
	if err != nil {
		s.logger.Error("eviction schedule check failed", "schedule", s.expr, "error", err)
		return
	}
	if !due {
		return
	}

	s.mu.Lock()
	s.lastRun = t
	s.mu.Unlock()

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("eviction sweep failed", "error", err)
	}
}

// Sweep runs one eviction pass over every user now.
func (s *Scheduler) Sweep(ctx context.Context) (map[string]Report, error) {
	return s.engine.Sweep(ctx)
}
