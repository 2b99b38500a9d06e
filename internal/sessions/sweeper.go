package sessions

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SweeperConfig holds the retention knobs.
type SweeperConfig struct {
	// Retention is how long chunks are kept (default 30 days).
	Retention time.Duration
	// Interval is the sweep period (default 1h).
	Interval time.Duration
}

// Sweeper periodically deletes chunks past the retention window.
type Sweeper struct {
	cfg    SweeperConfig
	index  *Index
	logger *zap.Logger

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewSweeper builds a sweeper with defaults filled in.
func NewSweeper(cfg SweeperConfig, index *Index, logger *zap.Logger) *Sweeper {
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Sweeper{
		cfg:    cfg,
		index:  index,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("session retention sweeper started",
		zap.Duration("retention", s.cfg.Retention),
		zap.Duration("interval", s.cfg.Interval))
}

// Stop halts the loop and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.SweepOnce(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// SweepOnce runs a single retention pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.Retention)
	n, err := s.index.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Warn("session retention sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("session chunks expired", zap.Int("purged", n))
	}
}
