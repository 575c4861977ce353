/*
scheduler.go - Periodic settlement sweep

PURPOSE:
  Funds waitlisted requests whose funding arrived outside a contribution
  confirmation (manual adjustments, loan repayments, policy changes that
  lowered the reserve). Runs Service.SettleAll on a ticker.

DESIGN:
  - Runs a background goroutine with configurable interval
  - One pass covers every ACTIVE circle; per-circle failures are logged
    and do not stop the pass
  - Settlement is idempotent, so overlapping with request-driven settlement
    is safe: both take the group lock

CONFIGURATION:
  - Interval: How often to sweep (default: 1 hour)
  - Enabled:  Whether the sweeper runs at all

USAGE:
  sweeper := NewSettlementSweeper(svc, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: Settle endpoint (manual per-circle settlement)
  - circle/settlement.go: Settle, SettleAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/circle-engine/circle"
	"go.uber.org/zap"
)

// SettlementSweeper settles every active circle on an interval.
type SettlementSweeper struct {
	Service  *circle.Service
	Interval time.Duration
	Enabled  bool
	Now      func() time.Time

	log    *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSettlementSweeper creates an enabled sweeper with a one hour interval.
func NewSettlementSweeper(svc *circle.Service, log *zap.Logger) *SettlementSweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &SettlementSweeper{
		Service:  svc,
		Interval: time.Hour,
		Enabled:  true,
		Now:      func() time.Time { return time.Now().UTC() },
		log:      log.Named("sweeper"),
	}
}

// Start begins the sweep loop. It is a no-op when disabled or running.
func (s *SettlementSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.log.Info("started", zap.Duration("interval", s.Interval))
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *SettlementSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.log.Info("stopped")
}

func (s *SettlementSweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep synchronously and returns the results.
func (s *SettlementSweeper) RunNow(ctx context.Context) ([]*circle.SettlementResult, error) {
	return s.sweepOnce(ctx)
}

func (s *SettlementSweeper) sweep(ctx context.Context) {
	_, _ = s.sweepOnce(ctx)
}

func (s *SettlementSweeper) sweepOnce(ctx context.Context) ([]*circle.SettlementResult, error) {
	results, err := s.Service.SettleAll(ctx, s.Now())

	funded, failed := 0, 0
	for _, r := range results {
		funded += len(r.Funded())
		failed += len(r.Failed())
	}
	if err != nil {
		s.log.Warn("sweep finished with errors",
			zap.Int("circles", len(results)),
			zap.Int("funded", funded),
			zap.Int("failed", failed),
			zap.Error(err))
	} else if funded > 0 || failed > 0 {
		s.log.Info("sweep finished",
			zap.Int("circles", len(results)),
			zap.Int("funded", funded),
			zap.Int("failed", failed))
	}
	return results, err
}
