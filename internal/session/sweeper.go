package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ScanStore clears expired scan payloads
type ScanStore interface {
	ClearStaleScans(ctx context.Context, before time.Time) (int, error)
}

// Sweeper periodically drops scan payloads older than the TTL
type Sweeper struct {
	store    ScanStore
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
	done     chan struct{}
	once     sync.Once
}

// NewSweeper creates a sweeper. A zero interval defaults to half the TTL.
func NewSweeper(store ScanStore, ttl, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = ttl / 2
	}
	return &Sweeper{
		store:    store,
		ttl:      ttl,
		interval: interval,
		logger:   logger.With("component", "scan-sweeper"),
		done:     make(chan struct{}),
	}
}

// Start starts the sweep loop
func (s *Sweeper) Start(ctx context.Context) {
	if s.ttl <= 0 || s.interval <= 0 {
		return
	}
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scan sweeper started", "ttl", s.ttl, "interval", s.interval)
}

// Stop stops the sweeper and waits for the loop to exit
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep clears stale payloads once and returns how many were cleared
func (s *Sweeper) Sweep(ctx context.Context) int {
	cleared, err := s.store.ClearStaleScans(ctx, time.Now().Add(-s.ttl))
	if err != nil {
		s.logger.Error("failed to clear stale scan payloads", "error", err)
		return 0
	}
	if cleared > 0 {
		s.logger.Info("cleared stale scan payloads", "count", cleared)
	}
	return cleared
}
