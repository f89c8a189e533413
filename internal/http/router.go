package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/gridauth/internal/config"
	"github.com/smallbiznis/gridauth/internal/domain"
	"github.com/smallbiznis/gridauth/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/gridauth/internal/http/middleware"
	"github.com/smallbiznis/gridauth/internal/middleware"
	"github.com/smallbiznis/gridauth/internal/service"
	"github.com/smallbiznis/gridauth/internal/service/pilot"
)

// NewRouter wires Gin routes and middleware. gatherer may be nil when
// metrics are disabled.
func NewRouter(
	cfg config.Config,
	authHandler *handler.AuthHandler,
	authMiddleware *httpmiddleware.Auth,
	rateLimiter *middleware.RateLimiter,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(middleware.CORS(cfg))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}

	r.GET("/.well-known/openid-configuration", authHandler.OpenIDConfig)
	r.GET("/.well-known/jwks.json", authHandler.JWKS)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	bearer := authMiddleware.ValidateJWT

	auth := r.Group("/api/auth")
	{
		auth.GET("/authorize", authHandler.Authorize)
		auth.GET("/authorize/complete", authHandler.AuthorizeComplete)

		auth.POST("/device", authHandler.DeviceAuthorize)
		auth.GET("/device", authHandler.DeviceVerify)
		auth.GET("/device/complete", authHandler.DeviceComplete)

		auth.POST("/token", authHandler.Token)
		auth.POST("/revoke", authHandler.Revoke)
		auth.POST("/legacy-exchange", authHandler.LegacyExchange)

		userOnly := authMiddleware.RequireClass(domain.TokenClassUser)
		auth.GET("/refresh-tokens", bearer, userOnly, authHandler.ListRefreshTokens)
		auth.DELETE("/refresh-tokens/:jti", bearer, userOnly, authHandler.DeleteRefreshToken)
		auth.POST("/subjects/revoke", bearer, userOnly,
			authMiddleware.RequireProperty(service.PropertyProxyManagement), authHandler.RevokeSubject)
	}

	pilots := r.Group("/api/pilots")
	{
		pilots.POST("/secrets", bearer, authMiddleware.RequireProperty(pilot.PropertyOperator), authHandler.CreatePilotSecrets)
		pilots.POST("/login", authHandler.PilotLogin)

		pilotOnly := authMiddleware.RequireClass(domain.TokenClassPilot)
		pilots.POST("/match", bearer, pilotOnly, authHandler.MatchJob)
		pilots.POST("/jobs/:job_id/finalize", bearer, pilotOnly, authHandler.FinalizeJob)
		pilots.POST("/jobs/:job_id/verify", authHandler.VerifyJobCredential)
	}

	return r
}
