package ratelimit

import (
	"context"
	"time"

	"veogen-credits/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("ratelimit",
	fx.Provide(
		fx.Annotate(NewUserLimiter, fx.ResultTags(`name:"ratelimit.user"`)),
		fx.Annotate(NewWebhookLimiter, fx.ResultTags(`name:"ratelimit.webhook"`)),
	),
	fx.Invoke(RunSweeper),
)

func NewUserLimiter(cfg *config.Config) *Limiter {
	return New(cfg.RateLimit.User.Capacity, cfg.RateLimit.User.RefillEvery, SystemClock)
}

func NewWebhookLimiter(cfg *config.Config) *Limiter {
	return New(cfg.RateLimit.Webhook.Capacity, cfg.RateLimit.Webhook.RefillEvery, SystemClock)
}

type SweeperParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
	User      *Limiter `name:"ratelimit.user"`
	Webhook   *Limiter `name:"ratelimit.webhook"`
}

// RunSweeper reclaims idle buckets in the background for every limiter the
// app carries.
func RunSweeper(p SweeperParams) {
	every := p.Config.RateLimit.SweepEvery
	if every <= 0 {
		every = 5 * time.Minute
	}

	limiters := []*Limiter{p.User, p.Webhook}
	ctx, cancel := context.WithCancel(context.Background())

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				ticker := time.NewTicker(every)
				defer ticker.Stop()

				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						for _, l := range limiters {
							l.Sweep()
						}
						zap.L().Debug("ratelimit sweep completed")
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
