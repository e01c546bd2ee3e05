package bootstrap

import (
	"context"
	"strings"
	"time"

	"crm_server/adapter/in/http"
	"crm_server/adapter/in/worker"
	"crm_server/adapter/out/messaging"
	"crm_server/config"
	"crm_server/core/port/out"
	mail "crm_server/core/service/email"
	"crm_server/infra/middleware"
	"crm_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/redis/go-redis/v9"
)

const (
	syncRateLimit     = 10
	syncRateWindow    = time.Minute
	limiterSweepEvery = 5 * time.Minute
)

func NewAPI(cfg *config.Config) (*fiber.App, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize dependencies")
		return nil, nil, err
	}

	// Sync dispatch: in-process pool or Redis stream to the worker fleet
	dispatcher, stopDispatcher, err := newDispatcher(cfg, deps)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	registry := mail.NewRegistry(ctx, StoreConfig(cfg), mail.StoreDeps{
		Loader:     deps.Timeline,
		Dispatcher: dispatcher,
		Notifier:   deps.SSEAdapter,
		Recent:     deps.EmailRepo,
	})

	syncLimiter := middleware.NewRateLimiter(syncRateLimit, syncRateWindow)
	go sweepLimiter(ctx, syncLimiter)

	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),

		// go-json: 표준 encoding/json 대비 빠른 직렬화
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		ReadBufferSize:  16384,
		WriteBufferSize: 16384,
		BodyLimit:       4 * 1024 * 1024,
		IdleTimeout:     2 * time.Minute,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.RequestLogger())

	// SSE 응답은 압축하면 flush가 지연됨
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
		Next: func(c *fiber.Ctx) bool {
			return strings.HasSuffix(c.Path(), "/events")
		},
	}))

	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID,Retry-After",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// Health check (no auth required)
	http.NewHealthHandler(pingers(deps)).Register(app)

	api := app.Group("/api/v1")
	api.Use(middleware.JWTAuth(cfg.JWTSecret, middleware.NewTokenBlacklist(redisOrNil(deps))))

	emailDeps := http.ContactEmailDeps{
		Stores:      registry,
		SyncLogs:    deps.SyncLogRepo,
		SyncLimiter: syncLimiter.Handler(),
	}
	if deps.BodyRepo != nil {
		emailDeps.Bodies = deps.BodyRepo
	}
	if deps.TimelineCache != nil {
		emailDeps.Cache = deps.TimelineCache
	}
	http.NewContactEmailHandler(emailDeps).Register(api)
	http.NewSSEHandler(deps.SSEAdapter, cfg.SSEHeartbeat, logger.Component("sse_handler")).Register(api)

	logger.Info("API server initialized (dispatch=%s)", cfg.SyncDispatch)

	return app, func() {
		cancel()
		registry.Stop()
		stopDispatcher()
		cleanup()
	}, nil
}

// newDispatcher returns the dispatcher for cfg.SyncDispatch and its shutdown.
func newDispatcher(cfg *config.Config, deps *Dependencies) (out.SyncDispatcher, func(), error) {
	if cfg.SyncDispatch == "stream" {
		d := messaging.NewStreamDispatcher(deps.Redis, dispatchTimeout(cfg), logger.Component("sync_dispatch"))
		logger.Info("Sync jobs dispatched to Redis stream %s", messaging.StreamContactSync)
		return d, func() {}, nil
	}

	pool := worker.NewSyncPool(deps.SyncService, poolConfig(cfg), logger.Component("worker"))
	if err := pool.Start(); err != nil {
		return nil, nil, err
	}
	return pool, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		pool.Stop(ctx)
	}, nil
}

func poolConfig(cfg *config.Config) *worker.PoolConfig {
	pc := worker.DefaultPoolConfig()
	if cfg.WorkerMax > 0 {
		pc.Workers = cfg.WorkerMax
	}
	if cfg.WorkerQueueSize > 0 {
		pc.QueueSize = cfg.WorkerQueueSize
	}
	pc.JobTimeout = jobTimeout(cfg)
	return pc
}

func pingers(deps *Dependencies) map[string]http.Pinger {
	checks := map[string]http.Pinger{
		"postgres": deps.DB.Ping,
	}
	if deps.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return deps.Redis.Ping(ctx).Err() }
	}
	if deps.MongoDB != nil {
		checks["mongodb"] = func(ctx context.Context) error { return deps.MongoDB.Ping(ctx, nil) }
	}
	return checks
}

// redisOrNil keeps a missing client a nil interface.
func redisOrNil(deps *Dependencies) redis.UniversalClient {
	if deps.Redis == nil {
		return nil
	}
	return deps.Redis
}

func sweepLimiter(ctx context.Context, rl *middleware.RateLimiter) {
	ticker := time.NewTicker(limiterSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rl.Cleanup(); n > 0 {
				logger.Debug("[RateLimiter] evicted %d idle callers", n)
			}
		}
	}
}
