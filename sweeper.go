package authz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eventra/authz/logger"
)

// Sweeper periodically prunes expired role assignments and permission
// grants from a GrantStore. It is storage hygiene only: decisions already
// ignore expired rows at read time, so running a sweeper (or not) never
// changes a verdict.
type Sweeper struct {
	grants   GrantStore
	interval time.Duration
	log      logger.Logger
	now      func() time.Time

	notifyCh chan struct{}
	stopCh   chan struct{}
	mu       sync.Mutex
	started  bool
	wg       sync.WaitGroup
}

type SweeperOption func(*Sweeper)

func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

func WithSweeperLogger(l logger.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.log = l
		}
	}
}

func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSweeper(grants GrantStore, opts ...SweeperOption) (*Sweeper, error) {
	if grants == nil {
		return nil, fmt.Errorf("grant store is required")
	}
	s := &Sweeper{
		grants:   grants,
		interval: 5 * time.Minute,
		log:      logger.NewNullLogger(),
		now:      time.Now,
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the sweep loop. Starting twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-s.notifyCh:
				s.sweep(ctx)
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for it, or gives up when ctx does.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	close(s.stopCh)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// SweepNow schedules an immediate sweep without waiting for the ticker.
// Non-blocking; a sweep already pending is enough.
func (s *Sweeper) SweepNow() {
	select {
	case s.notifyCh <- struct{}{}:
	default:
	}
}

// SweepOnce prunes synchronously and reports how many rows were dropped.
// The loop uses it; callers without a running loop may too.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	return s.grants.PruneExpired(ctx, s.now())
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.SweepOnce(ctx)
	if err != nil {
		s.log.Error("expiry sweep failed", "err", err)
		return
	}
	if n > 0 {
		s.log.Info("expiry sweep", "pruned", n)
	}
}
