package settlement

import (
	"context"
	"time"

	"veogen-credits/pkg/config"
	"veogen-credits/pkg/task"
	"veogen-credits/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("settlement",
	fx.Provide(NewEngine),
	fx.Invoke(registerTasks, runReconcileScheduler),
)

type taskParams struct {
	fx.In
	Mux    *asynq.ServeMux `optional:"true"`
	Engine *Engine
}

func registerTasks(p taskParams) {
	if p.Mux == nil {
		return
	}

	p.Mux.HandleFunc(taskname.ProviderReconcileRun, func(ctx context.Context, t *asynq.Task) error {
		_, err := p.Engine.ReconcileProviderPayments(ctx)
		return err
	})
}

type schedulerParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
	Enqueuer  task.Enqueuer `optional:"true"`
	Engine    *Engine
}

// runReconcileScheduler periodically checks awaiting provider purchases
// against the provider; with a queue available the sweep runs as an asynq
// task, otherwise inline.
func runReconcileScheduler(p schedulerParams) {
	every := p.Config.Payments.ReconcileEvery
	if every <= 0 {
		every = 10 * time.Minute
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
							if _, err := p.Enqueuer.Enqueue(ctx, asynq.NewTask(taskname.ProviderReconcileRun, nil), asynq.Queue(taskname.QueueLow)); err != nil {
								zap.L().Error("failed to enqueue provider reconcile run", zap.Error(err))
							}
							continue
						}
						if _, err := p.Engine.ReconcileProviderPayments(ctx); err != nil {
							zap.L().Error("provider reconcile sweep failed", zap.Error(err))
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
