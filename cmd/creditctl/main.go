package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"veogen-credits/pkg/config"
	"veogen-credits/pkg/db"
	"veogen-credits/pkg/logger"
	"veogen-credits/services/ledger"
	"veogen-credits/services/purchase"
	"veogen-credits/services/settlement"
)

var (
	userID  = flag.Int64("user", 0, "target user id")
	actorID = flag.Int64("actor", 0, "acting admin id (defaults to the configured admin)")
	amount  = flag.Int64("amount", 0, "credit delta to apply (negative corrects)")
	reason  = flag.String("reason", "", "reason recorded in the audit log")
	balance = flag.Bool("balance", false, "print the user's balance and exit")
)

func main() {
	flag.Parse()

	if *userID == 0 {
		flag.Usage()
		os.Exit(2)
	}

	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		fx.Provide(provideSnowflakeNode),
		ledger.Module,
		purchase.Module,
		settlement.Module,
		fx.Invoke(run),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

type runParams struct {
	fx.In
	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Config     *config.Config
	Store      *ledger.Store
	Engine     *settlement.Engine
}

func run(p runParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			defer p.Shutdowner.Shutdown()

			if *balance {
				credits, err := p.Store.GetBalance(ctx, *userID)
				if err != nil {
					return err
				}
				fmt.Printf("user %d balance: %d credits\n", *userID, credits)
				return nil
			}

			actor := *actorID
			if actor == 0 {
				actor = p.Config.Credits.AdminUserID
			}

			if _, err := p.Store.CreateUserIfAbsent(ctx, *userID, "", ""); err != nil {
				return err
			}

			res, err := p.Engine.GrantAdminCredit(ctx, actor, *userID, *amount, *reason)
			if err != nil {
				return err
			}

			fmt.Printf("applied transaction %s: user %d now has %d credits\n",
				res.Transaction.ID, *userID, res.NewBalance)
			return nil
		},
	})
}
