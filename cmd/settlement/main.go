package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"veogen-credits/pkg/config"
	"veogen-credits/pkg/db"
	"veogen-credits/pkg/health"
	"veogen-credits/pkg/logger"
	"veogen-credits/pkg/ratelimit"
	"veogen-credits/pkg/redis"
	"veogen-credits/pkg/server"
	"veogen-credits/pkg/task"
	"veogen-credits/services/admin"
	"veogen-credits/services/ledger"
	"veogen-credits/services/purchase"
	"veogen-credits/services/settlement"
	"veogen-credits/services/webhook"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		health.Module,
		ratelimit.Module,
		fx.Provide(provideSnowflakeNode),
		ledger.Module,
		purchase.Module,
		settlement.Module,
		webhook.Module,
		admin.Module,
		server.ProvideRouter,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
