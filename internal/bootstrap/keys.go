package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/gridauth/internal/config"
	"github.com/smallbiznis/gridauth/internal/jwt"
)

// EnsureSigningKeys loads the key set on start and refuses to start without
// an active key. While running it reloads the set so rotations made by other
// instances or by gridauthctl become visible.
func EnsureSigningKeys(lc fx.Lifecycle, cfg config.Config, keys *jwt.KeyManager, logger *zap.Logger) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := keys.EnsureSigningKey(ctx, cfg.AutoGenerateSigningKey); err != nil {
				return fmt.Errorf("bootstrap signing keys: %w", err)
			}
			active, _ := keys.ActiveKey()
			logger.Info("signing keys loaded", zap.String("active_kid", active.KID), zap.Int("keys", len(keys.JWKS().Keys)))

			if cfg.KeyReloadInterval <= 0 {
				return nil
			}
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})
			go func() {
				defer close(done)
				ReloadKeys(runCtx, keys, cfg.KeyReloadInterval, logger)
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

// ReloadKeys refreshes the key snapshot every interval until ctx is done.
// A failed reload keeps the previous snapshot.
func ReloadKeys(ctx context.Context, keys *jwt.KeyManager, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := keys.Load(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("reload signing keys", zap.Error(err))
			}
		}
	}
}
