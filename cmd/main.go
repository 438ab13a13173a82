// Package main is the entry point for the surface annotator service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/surface-annotator/backend/internal/access"
	"github.com/surface-annotator/backend/internal/attachments"
	"github.com/surface-annotator/backend/internal/auth"
	"github.com/surface-annotator/backend/internal/cache"
	"github.com/surface-annotator/backend/internal/config"
	"github.com/surface-annotator/backend/internal/database"
	"github.com/surface-annotator/backend/internal/gateway"
	"github.com/surface-annotator/backend/internal/handler"
	"github.com/surface-annotator/backend/internal/realtime"
	"github.com/surface-annotator/backend/internal/service"
	"github.com/surface-annotator/backend/internal/storage"
	"github.com/surface-annotator/backend/internal/telemetry"
)

func main() {
	// Parse command line flags
	role := flag.String("role", "", "Service role: gateway or handler (overrides SERVICE_ROLE env var)")
	port := flag.String("port", "", "Server port (overrides SERVER_PORT env var)")
	flag.Parse()

	// Override environment variables if flags are provided
	if *role != "" {
		os.Setenv("SERVICE_ROLE", *role)
	}
	if *port != "" {
		os.Setenv("SERVER_PORT", *port)
	}

	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			newGinEngine,
		),
		fx.Invoke(startServer),
	)

	app.Run()
}

// newLogger creates a new zap logger based on the environment.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsDevelopment() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newGinEngine creates and configures a new Gin engine.
func newGinEngine(cfg *config.Config) *gin.Engine {
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())
	engine.Use(otelgin.Middleware(cfg.ServiceName))

	corsCfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}
	if slices.Contains(cfg.AllowedOrigins, "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
		corsCfg.AllowCredentials = true
	}
	engine.Use(cors.New(corsCfg))

	return engine
}

// handlerDeps holds what the handler role opens and must close.
type handlerDeps struct {
	repo    database.Repository
	objects storage.ObjectStore
	bus     realtime.Bus
	hub     *realtime.Hub
}

func (d *handlerDeps) close(logger *zap.Logger) {
	if d.bus != nil {
		_ = d.bus.Close()
	}
	if d.objects != nil {
		if err := d.objects.Close(); err != nil {
			logger.Warn("Failed to close object store", zap.Error(err))
		}
	}
	if d.repo != nil {
		d.repo.Close()
	}
}

// registerHandler connects the handler role's backends and mounts its routes.
func registerHandler(cfg *config.Config, logger *zap.Logger, rg *gin.RouterGroup) (*handlerDeps, error) {
	deps := &handlerDeps{hub: realtime.NewHub(logger)}

	var err error
	deps.repo, err = database.NewPostgresRepository(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	deps.objects, err = storage.NewGCSStore(cfg, logger)
	if err != nil {
		deps.close(logger)
		return nil, fmt.Errorf("failed to open object storage: %w", err)
	}

	if cfg.RedisURL != "" {
		deps.bus, err = realtime.NewRedisBus(cfg, logger)
		if err != nil {
			deps.close(logger)
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
	} else {
		logger.Warn("REDIS_URL not set, events reach only this replica")
		deps.bus = realtime.NewLocalBus(deps.hub)
	}

	authz := access.NewAuthorizer(deps.repo, cache.NewFromConfig(cfg, logger), logger)
	publisher := realtime.NewPublisher(deps.bus, logger)
	pipeline := attachments.NewPipeline(deps.objects, deps.repo, publisher, cfg, logger)
	svc := service.New(deps.repo, authz, publisher, pipeline, logger)
	authn := auth.NewFromConfig(cfg, logger)

	h := handler.NewHandler(svc, deps.hub, authn.RequireAuth(), cfg.MaxUploadBytes, logger)
	h.RegisterRoutes(rg)

	return deps, nil
}

// startServer starts the HTTP server based on the configured role.
func startServer(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger, engine *gin.Engine) error {
	logger.Info("Starting service",
		zap.String("role", cfg.Role),
		zap.String("port", cfg.ServerPort),
	)

	shutdownTracing, err := telemetry.Init(context.Background(), cfg, logger)
	if err != nil {
		return err
	}

	// Setup API versioned routes
	apiV1 := engine.Group("/api/v1")

	var deps *handlerDeps
	if cfg.IsHandler() {
		engine.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "healthy",
				"role":    cfg.Role,
				"service": cfg.ServiceName,
			})
		})

		deps, err = registerHandler(cfg, logger, apiV1)
		if err != nil {
			logger.Error("Failed to start handler", zap.Error(err))
			return err
		}

		logger.Info("Handler routes registered")
	} else {
		// Gateway mode: setup proxy to handler
		gw := gateway.NewGateway(cfg, logger)
		engine.GET("/health", gw.HealthCheck)
		gw.RegisterRoutes(apiV1)

		logger.Info("Gateway routes registered",
			zap.String("handler_url", cfg.HandlerURL),
		)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	forwardCtx, stopForwarding := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if deps != nil {
				// Events published by any replica reach this replica's streams.
				if err := deps.bus.StartForwarder(forwardCtx, deps.hub.Broadcast); err != nil {
					return fmt.Errorf("failed to start event forwarder: %w", err)
				}
			}

			go func() {
				logger.Info("Server starting", zap.String("addr", server.Addr))
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Fatal("Server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Server shutting down")

			stopForwarding()
			if deps != nil {
				deps.hub.Close()
			}
			err := server.Shutdown(ctx)

			if deps != nil {
				deps.close(logger)
			}
			if terr := shutdownTracing(ctx); terr != nil {
				logger.Warn("Failed to flush traces", zap.Error(terr))
			}
			_ = logger.Sync()

			return err
		},
	})

	return nil
}
