package ledger

import (
	"context"

	"veogen-credits/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("ledger",
	fx.Provide(NewStore),
	fx.Invoke(bootstrap),
)

type bootstrapParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	DB        *gorm.DB
	Config    *config.Config
	Store     *Store
}

func bootstrap(p bootstrapParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.DB.WithContext(ctx).AutoMigrate(Models()...); err != nil {
				return err
			}

			if err := p.Store.SeedAdmin(ctx, p.Config.Credits.AdminUserID, p.Config.Credits.InitialAdminCredits); err != nil {
				zap.L().Error("failed to seed admin account", zap.Error(err))
				return err
			}
			return nil
		},
	})
}
