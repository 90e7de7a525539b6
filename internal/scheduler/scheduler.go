// Package scheduler drives session decision ticks on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/regime-trader/internal/session"
	"github.com/atlas-desktop/regime-trader/pkg/types"
)

// Config configures the tick scheduler.
type Config struct {
	Interval   time.Duration // Time between tick rounds
	NumWorkers int           // Concurrent session ticks per round
	TickBudget time.Duration // Per-round deadline
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:   time.Minute,
		NumWorkers: 4,
		TickBudget: 30 * time.Second,
	}
}

// Stats tracks scheduler activity.
type Stats struct {
	RoundsCompleted int64 `json:"roundsCompleted"`
	TicksCompleted  int64 `json:"ticksCompleted"`
	TicksFailed     int64 `json:"ticksFailed"`
	PanicsRecovered int64 `json:"panicsRecovered"`
}

// Scheduler periodically runs one decision tick for every active
// session. Sessions tick concurrently across assets; the per-asset
// lock inside the engine keeps each session serialized.
type Scheduler struct {
	logger *zap.Logger
	config *Config
	engine *session.Engine

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	roundsCompleted atomic.Int64
	ticksCompleted  atomic.Int64
	ticksFailed     atomic.Int64
	panicsRecovered atomic.Int64
}

// NewScheduler creates a scheduler over the engine.
func NewScheduler(logger *zap.Logger, config *Config, engine *session.Engine) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	return &Scheduler{
		logger: logger,
		config: config,
		engine: engine,
		done:   make(chan struct{}),
	}
}

// Start begins the tick loop. It returns immediately; ticks run in the
// background until Stop is called.
func (s *Scheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.logger.Info("Scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("workers", s.config.NumWorkers))

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunRound(ctx)
			}
		}
	}()
}

// Stop halts the tick loop and waits for the in-flight round.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Scheduler stopped",
		zap.Int64("rounds", s.roundsCompleted.Load()),
		zap.Int64("ticks", s.ticksCompleted.Load()))
}

// RunRound ticks every active session once. Failed ticks are logged
// and counted without aborting the round.
func (s *Scheduler) RunRound(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.config.TickBudget)
	defer cancel()

	sessions, err := s.engine.Sessions(ctx)
	if err != nil {
		s.logger.Error("Scheduler failed to list sessions", zap.Error(err))
		return
	}

	assets := make(chan string, len(sessions))
	for _, sess := range sessions {
		if sess.Status == types.SessionActive || sess.Status == types.SessionEmergencyStopped {
			assets <- sess.Asset
		}
	}
	close(assets)

	var wg sync.WaitGroup
	for i := 0; i < s.config.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for asset := range assets {
				s.tickOne(ctx, asset)
			}
		}()
	}
	wg.Wait()

	s.roundsCompleted.Add(1)
}

func (s *Scheduler) tickOne(ctx context.Context, asset string) {
	defer func() {
		if r := recover(); r != nil {
			s.panicsRecovered.Add(1)
			s.ticksFailed.Add(1)
			s.logger.Error("Recovered panic in session tick",
				zap.String("asset", asset),
				zap.Any("panic", r))
		}
	}()

	result, err := s.engine.Update(ctx, asset)
	if err != nil {
		// Sessions stopped between listing and ticking are expected.
		if errors.Is(err, session.ErrSessionStopped) || errors.Is(err, session.ErrSessionNotFound) {
			return
		}
		s.ticksFailed.Add(1)
		s.logger.Warn("Scheduled tick failed",
			zap.String("asset", asset),
			zap.Error(err))
		return
	}

	s.ticksCompleted.Add(1)
	if result.Trade != nil {
		s.logger.Info("Scheduled tick traded",
			zap.String("asset", asset),
			zap.String("side", string(result.Trade.Type)))
	}
}

// IsRunning reports whether the tick loop is active.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// GetStats returns a snapshot of scheduler counters.
func (s *Scheduler) GetStats() Stats {
	return Stats{
		RoundsCompleted: s.roundsCompleted.Load(),
		TicksCompleted:  s.ticksCompleted.Load(),
		TicksFailed:     s.ticksFailed.Load(),
		PanicsRecovered: s.panicsRecovered.Load(),
	}
}

// String describes the scheduler configuration.
func (s *Scheduler) String() string {
	return fmt.Sprintf("scheduler(interval=%s workers=%d)", s.config.Interval, s.config.NumWorkers)
}
