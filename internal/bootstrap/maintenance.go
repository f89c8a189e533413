package bootstrap

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/gridauth/internal/config"
	"github.com/smallbiznis/gridauth/internal/service"
)

// ScheduleMaintenance purges expired flows, secrets and refresh tokens and
// retires old signing keys every cfg.CleanupInterval.
func ScheduleMaintenance(lc fx.Lifecycle, cfg config.Config, maintenance *service.Maintenance, logger *zap.Logger) {
	if cfg.CleanupInterval <= 0 {
		return
	}
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})
			go func() {
				defer close(done)
				RunMaintenance(runCtx, maintenance, cfg.CleanupInterval, logger)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

// RunMaintenance runs one maintenance pass per interval until ctx is done.
func RunMaintenance(ctx context.Context, maintenance *service.Maintenance, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := maintenance.CleanupExpired(ctx, now.UTC()); err != nil && ctx.Err() == nil {
				logger.Warn("cleanup expired records", zap.Error(err))
			}
			if _, err := maintenance.RetireExpiredKeys(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("retire signing keys", zap.Error(err))
			}
		}
	}
}
