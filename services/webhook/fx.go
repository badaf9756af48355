package webhook

import (
	"veogen-credits/pkg/middleware"
	"veogen-credits/pkg/ratelimit"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook",
	fx.Provide(NewVerifier, NewHandler),
	fx.Invoke(registerRoutes),
)

type routeParams struct {
	fx.In
	Router  *gin.Engine
	Handler *Handler
	Limiter *ratelimit.Limiter `name:"ratelimit.webhook"`
}

func registerRoutes(p routeParams) {
	p.Router.POST("/webhook/payments",
		middleware.RateLimit(p.Limiter, nil),
		p.Handler.HandlePayment,
	)
}
