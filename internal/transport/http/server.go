package http

import (
	"github.com/gin-gonic/gin"

	"promptly/internal/bootstrap"
	"promptly/internal/transport/http/handler"
	"promptly/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(middleware.RequestLog(), gin.Recovery())

	var limiter middleware.Limiter
	if app.RateLimiter != nil {
		limiter = app.RateLimiter
	}
	auth := middleware.AuthJWT(app.Config.Auth.JWTSecret)
	rateLimit := middleware.RateLimit(limiter)

	healthHandler := handler.NewHealthHandler(app)
	authHandler := handler.NewAuthHandler(app.AuthService)
	sessionHandler := handler.NewSessionHandler(app.Orchestrator)

	router.GET("/healthz", healthHandler.Check)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", rateLimit, authHandler.Register)
	authGroup.POST("/login", rateLimit, authHandler.Login)
	authGroup.GET("/me", auth, authHandler.Me)

	sessions := v1.Group("/sessions")
	sessions.Use(auth, rateLimit)
	sessions.POST("", sessionHandler.Create)
	sessions.GET("/:id", sessionHandler.Get)
	sessions.GET("/:id/nodes", sessionHandler.Nodes)
	sessions.POST("/:id/answers", sessionHandler.SubmitAnswer)
	sessions.POST("/:id/answers/:nodeId/retry", sessionHandler.RetryAnswer)
	sessions.POST("/:id/cancel", sessionHandler.Cancel)
	sessions.POST("/:id/context", sessionHandler.AttachContext)
	sessions.GET("/:id/context/:fileId", sessionHandler.ContextFile)

	return router
}
