package server

import (
	"time"

	"veogen-credits/pkg/config"
	"veogen-credits/pkg/health"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ProvideRouter = fx.Module("http.router",
	fx.Provide(NewRouter),
)

type RouterParams struct {
	fx.In
	Config *config.Config
	Health health.HealthService
}

// NewRouter builds the shared gin engine; services attach their own routes
// through fx.Invoke hooks.
func NewRouter(p RouterParams) (*gin.Engine, error) {
	if p.Config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	// forwarding headers count only when the direct peer is listed here;
	// unset means ClientIP is always the connection address
	if err := r.SetTrustedProxies(p.Config.Server.TrustedProxies); err != nil {
		return nil, err
	}

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)

	return r, nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		zap.L().Info("http.request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
