package purchase

import (
	"context"
	"time"

	"veogen-credits/pkg/config"
	"veogen-credits/pkg/task"
	"veogen-credits/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("purchase",
	fx.Provide(NewProviderClient, NewService),
	fx.Invoke(migrate, registerTasks, runExpiryScheduler),
)

func migrate(lc fx.Lifecycle, db *gorm.DB) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return db.WithContext(ctx).AutoMigrate(&PendingPurchase{})
		},
	})
}

type taskParams struct {
	fx.In
	Mux     *asynq.ServeMux `optional:"true"`
	Service *Service
}

func registerTasks(p taskParams) {
	if p.Mux == nil {
		return
	}

	p.Mux.HandleFunc(taskname.PurchaseExpiryRun, func(ctx context.Context, t *asynq.Task) error {
		_, err := p.Service.ExpireStale(ctx)
		return err
	})
}

type schedulerParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
	Enqueuer  task.Enqueuer `optional:"true"`
	Service   *Service
}

// runExpiryScheduler periodically sweeps stale purchases; with a queue
// available the sweep runs as an asynq task, otherwise inline.
func runExpiryScheduler(p schedulerParams) {
	every := p.Config.Payments.PurchaseTTL
	if every <= 0 {
		every = time.Hour
	}

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
						if p.Enqueuer != nil {
							if _, err := p.Enqueuer.Enqueue(ctx, asynq.NewTask(taskname.PurchaseExpiryRun, nil), asynq.Queue(taskname.QueueLow)); err != nil {
								zap.L().Error("failed to enqueue purchase expiry run", zap.Error(err))
							}
							continue
						}
						if _, err := p.Service.ExpireStale(ctx); err != nil {
							zap.L().Error("purchase expiry sweep failed", zap.Error(err))
						}
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
