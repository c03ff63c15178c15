// Package scheduler runs the periodic background work of the sync core:
// draining the mutation queue while online, sweeping expired cache
// entries, and watching storage usage.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/syncbox/internal/errors"
	"github.com/kimhsiao/syncbox/internal/logging"
	"github.com/kimhsiao/syncbox/internal/store"
	syncpkg "github.com/kimhsiao/syncbox/internal/sync"
	"github.com/kimhsiao/syncbox/internal/sync/events"
)

// Config holds scheduler configuration.
type Config struct {
	DrainInterval time.Duration // How often to drain the queue when online (default: 1 minute)
	SweepInterval time.Duration // How often to sweep expired cache entries (default: 5 minutes)
	PressureRatio float64       // Usage ratio that triggers a pressure event (default: 0.9)
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval: 1 * time.Minute,
		SweepInterval: 5 * time.Minute,
		PressureRatio: 0.9,
	}
}

// Scheduler ticks the coordinator and the store on fixed intervals.
type Scheduler struct {
	coord *syncpkg.Coordinator
	store store.Store
	bus   *events.Bus

	drainInterval time.Duration
	sweepInterval time.Duration
	pressureRatio float64

	mu        sync.Mutex
	isRunning bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewScheduler creates a Scheduler over the coordinator and its store.
func NewScheduler(coord *syncpkg.Coordinator, st store.Store, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Scheduler{
		coord:         coord,
		store:         st,
		bus:           coord.Events(),
		drainInterval: config.DrainInterval,
		sweepInterval: config.SweepInterval,
		pressureRatio: config.PressureRatio,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the drain and sweep loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.drainLoop(ctx)
	go s.sweepLoop(ctx)

	logging.Info("Background scheduler started", map[string]interface{}{
		"drain_interval": s.drainInterval.String(),
		"sweep_interval": s.sweepInterval.String(),
	})
}

// Stop halts both loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("Background scheduler stopped", nil)
}

// drainLoop delivers the queued backlog whenever the network is up.
func (s *Scheduler) drainLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			state := s.coord.State()
			if !state.Online || state.PendingCount == 0 {
				continue
			}
			if _, err := s.coord.Drain(ctx); err != nil {
				logging.ErrorWithCode("Periodic drain failed", string(errors.CodeOf(err)), err, nil)
			}
		}
	}
}

// sweepLoop removes expired cache entries and checks storage pressure.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

// sweepOnce runs one sweep plus pressure check.
func (s *Scheduler) sweepOnce() {
	removed, err := s.store.SweepExpired(time.Now().Unix())
	if err != nil {
		logging.ErrorWithCode("Cache sweep failed", string(errors.CodeOf(err)), err, nil)
		return
	}
	if removed > 0 {
		logging.Info("Cache sweep removed expired entries", map[string]interface{}{"removed": removed})
	}

	usage, err := s.store.EstimateUsage()
	if err != nil {
		logging.ErrorWithCode("Usage estimate failed", string(errors.CodeOf(err)), err, nil)
		return
	}
	if usage.Quota > 0 && usage.Ratio() >= s.pressureRatio {
		logging.Warn("Storage under pressure", map[string]interface{}{
			"used":       usage.Used,
			"quota":      usage.Quota,
			"used_ratio": usage.Ratio(),
		})
		s.bus.Publish(events.Event{
			Type: events.StoragePressure,
			Detail: map[string]interface{}{
				"used":       usage.Used,
				"quota":      usage.Quota,
				"used_ratio": usage.Ratio(),
			},
		})
	}
}
