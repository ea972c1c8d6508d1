package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
	"github.com/rl1809/ticket-inventory/internal/port"
)

const sweeperLease = "expiry-sweeper"

type SweeperConfig struct {
	Interval    time.Duration
	ExpireAfter time.Duration
	BatchSize   int
	Retry       RetryPolicy
}

type SweepReport struct {
	Scanned int
	Expired int
	Skipped int
	Failed  int
}

type expirer interface {
	Expire(ctx context.Context, orderNo string) (domain.Order, error)
}

// ExpirySweeper periodically cancels pending orders that were never paid.
// With a LeaseLocker only one process in the cluster sweeps per tick.
type ExpirySweeper struct {
	ledger  port.OrderLedger
	expirer expirer
	locker  port.LeaseLocker
	cfg     SweeperConfig
	logger  *slog.Logger
}

func NewExpirySweeper(ledger port.OrderLedger, expirer expirer, locker port.LeaseLocker, cfg SweeperConfig, logger *slog.Logger) *ExpirySweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpirySweeper{
		ledger:  ledger,
		expirer: expirer,
		locker:  locker,
		cfg:     cfg,
		logger:  logger,
	}
}

func (s *ExpirySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweeper started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Duration("expire_after", s.cfg.ExpireAfter))

	for {
		select {
		case <-ctx.Done():
			if s.locker != nil {
				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
				if err := s.locker.Release(releaseCtx, sweeperLease); err != nil {
					s.logger.Warn("release sweeper lease failed", slog.Any("error", err))
				}
				cancel()
			}
			s.logger.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *ExpirySweeper) tick(ctx context.Context) {
	if s.locker != nil {
		ok, err := s.locker.Acquire(ctx, sweeperLease, 2*s.cfg.Interval)
		if err != nil {
			s.logger.Warn("acquire sweeper lease failed", slog.Any("error", err))
			return
		}
		if !ok {
			return
		}
	}

	report, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("sweep failed", slog.Any("error", err))
		return
	}
	if report.Scanned > 0 {
		s.logger.Info("sweep finished",
			slog.Int("scanned", report.Scanned),
			slog.Int("expired", report.Expired),
			slog.Int("skipped", report.Skipped),
			slog.Int("failed", report.Failed))
	}
}

// SweepOnce expires one batch of overdue pending orders. Orders that were
// paid, cancelled or removed in the meantime are skipped.
func (s *ExpirySweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var orders []domain.Order
	err := s.cfg.Retry.run(ctx, func(ctx context.Context) error {
		var err error
		orders, err = s.ledger.FindExpired(ctx, s.cfg.ExpireAfter, s.cfg.BatchSize)
		return err
	})
	if err != nil {
		return SweepReport{}, err
	}

	report := SweepReport{Scanned: len(orders)}
	for _, o := range orders {
		if ctx.Err() != nil {
			break
		}
		_, err := s.expirer.Expire(ctx, o.OrderNo)
		switch {
		case err == nil:
			report.Expired++
		case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
			report.Skipped++
		default:
			report.Failed++
			s.logger.Error("expire order failed", slog.String("order_no", o.OrderNo), slog.Any("error", err))
		}
	}
	return report, nil
}
