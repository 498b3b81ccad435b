package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/store2door/store2door-api/api/swagger"
	"github.com/store2door/store2door-api/internal/handler"
	"github.com/store2door/store2door-api/internal/middleware"
	"github.com/store2door/store2door-api/internal/models"
	"github.com/store2door/store2door-api/internal/repository"
	"github.com/store2door/store2door-api/internal/service"
	"github.com/store2door/store2door-api/internal/token"
	"github.com/store2door/store2door-api/pkg/cache"
	"github.com/store2door/store2door-api/pkg/config"
	"github.com/store2door/store2door-api/pkg/database"
	"github.com/store2door/store2door-api/pkg/logger"
	corsmiddleware "github.com/store2door/store2door-api/pkg/middleware/cors"
	reqidmiddleware "github.com/store2door/store2door-api/pkg/middleware/requestid"
)

// @title Store2Door API
// @version 1.0.0
// @description Authentication and account management for the store2door package-forwarding backend
// @BasePath /api
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(context.Background(), cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	rdb, err := cache.NewRedis(context.Background(), cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, rate limiting disabled", "error", err)
		rdb = nil
	} else {
		defer rdb.Close()
	}

	accountRepo := repository.NewAccountRepository(db)
	tokenRepo := repository.NewRefreshTokenRepository(db, cfg.Sessions.MaxActiveTokens)

	codec := token.NewCodec(cfg.JWT, nil)
	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(accountRepo, tokenRepo, codec, nil, logr, nil)
	accountSvc := service.NewAccountService(accountRepo, nil, logr)

	authHandler := handler.NewAuthHandler(authSvc, accountSvc, metricsSvc)
	accountHandler := handler.NewAccountHandler(accountSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.Use(middleware.RateLimit(cfg.RateLimit, rdb, logr))
	auth.POST("/register", authHandler.Register)
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)

	authed := api.Group("/auth")
	authed.Use(middleware.JWT(authSvc))
	authed.GET("/me", authHandler.Me)
	authed.POST("/logout", authHandler.Logout)
	authed.POST("/change-password", authHandler.ChangePassword)
	authed.GET("/users", middleware.RequireRoles(models.RoleAdmin), authHandler.ListUsers)

	accounts := api.Group("/accounts")
	accounts.Use(middleware.JWT(authSvc))
	accounts.GET("", middleware.RequireRoles(models.RoleStaff, models.RoleAdmin), accountHandler.List)
	accounts.GET("/:id", middleware.OwnerOrStaff("id"), accountHandler.Get)
	accounts.PATCH("/:id", middleware.RequireRoles(models.RoleAdmin), accountHandler.Update)
	accounts.DELETE("/:id", middleware.RequireRoles(models.RoleAdmin), accountHandler.Deactivate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cleanup := service.NewTokenCleanupJob(tokenRepo, metricsSvc, logr, cfg.Sessions)
	go cleanup.Run(ctx)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}
