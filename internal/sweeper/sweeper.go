// Package sweeper physically deletes carts whose expiry has passed. Expired
// carts are already inert for readers; this only reclaims their rows.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/joao-fontenele/clinic-commerce/internal/store"
	"github.com/joao-fontenele/clinic-commerce/internal/telemetry"
)

type Sweeper struct {
	store    store.Store
	interval time.Duration
	batch    int
	now      func() time.Time
	metrics  *telemetry.Pipeline
	logger   *zap.Logger
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

func WithMetrics(m *telemetry.Pipeline) Option {
	return func(s *Sweeper) { s.metrics = m }
}

func New(s store.Store, interval time.Duration, batch int, logger *zap.Logger, opts ...Option) *Sweeper {
	sw := &Sweeper{
		store:    s,
		interval: interval,
		batch:    batch,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
	for _, opt := range opts {
		opt(sw)
	}
	if sw.batch <= 0 {
		sw.batch = 500
	}
	return sw
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("cart sweeper started", zap.Duration("interval", s.interval), zap.Int("batch_size", s.batch))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("cart sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx, s.now()); err != nil && ctx.Err() == nil {
				s.logger.Error("cart sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce deletes carts that expired before now, tenant by tenant, in
// batches. A failing tenant does not stop the others.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.Tenants().ListIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}

	var (
		total int
		errs  []error
	)
	for _, id := range ids {
		n, err := s.sweepTenant(ctx, id, now)
		total += n
		s.metrics.CartsSwept(ctx, id, n)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %d: %w", id, err))
			continue
		}
		if n > 0 {
			s.logger.Info("expired carts deleted", zap.Int64("tenant_id", id), zap.Int("count", n))
		}
	}
	return total, errors.Join(errs...)
}

func (s *Sweeper) sweepTenant(ctx context.Context, tenantID int64, now time.Time) (int, error) {
	sc := s.store.Scope(tenantID)
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := sc.DeleteExpiredCarts(ctx, now, s.batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < s.batch {
			return total, nil
		}
	}
}
