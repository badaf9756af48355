package admin

import (
	"veogen-credits/pkg/middleware"
	"veogen-credits/pkg/ratelimit"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("admin",
	fx.Provide(NewService, NewHandler),
	fx.Invoke(registerRoutes),
)

type routeParams struct {
	fx.In
	Router  *gin.Engine
	Handler *Handler
	Limiter *ratelimit.Limiter `name:"ratelimit.user"`
}

func registerRoutes(p routeParams) {
	v1 := p.Router.Group("/v1", middleware.Error())

	v1.GET("/users/:id/balance", p.Handler.GetBalance)
	v1.POST("/users/:id/spend",
		middleware.RateLimit(p.Limiter, func(c *gin.Context) string { return c.Param("id") }),
		p.Handler.SpendCredits,
	)

	v1.GET("/packages", p.Handler.ListPackages)
	v1.POST("/purchases/stars", p.Handler.BeginStarsPurchase)
	v1.POST("/purchases/provider", p.Handler.BeginProviderPurchase)

	adminGroup := v1.Group("/admin")
	adminGroup.POST("/credits/grant", p.Handler.GrantCredits)
	adminGroup.GET("/audit-logs", p.Handler.AuditLogs)
	adminGroup.GET("/transactions", p.Handler.Transactions)
	adminGroup.GET("/stats", p.Handler.GetStats)
}
