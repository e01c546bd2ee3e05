package bootstrap

import (
	"context"
	"fmt"
	"time"

	"crm_server/adapter/in/worker"
	"crm_server/adapter/out/mongodb"
	"crm_server/adapter/out/persistence"
	"crm_server/adapter/out/provider"
	"crm_server/adapter/out/realtime"
	"crm_server/config"
	"crm_server/core/port/out"
	"crm_server/core/service/auth"
	mail "crm_server/core/service/email"
	"crm_server/infra/database"
	"crm_server/pkg/cache"
	"crm_server/pkg/crypto"
	"crm_server/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// Dependencies holds the connections and adapters shared by the API and the
// worker. Redis and MongoDB are optional; the matching fields stay nil.
type Dependencies struct {
	Config  *config.Config
	DB      *pgxpool.Pool
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client

	// Repositories
	EmailRepo      *persistence.EmailAdapter
	AttachmentRepo *persistence.AttachmentAdapter
	SyncLogRepo    *persistence.SyncLogAdapter
	OAuthRepo      *persistence.OAuthAdapter
	BodyRepo       *mongodb.BodyAdapter

	// Providers
	GmailProvider *provider.GmailAdapter
	TokenService  *auth.TokenService

	// Timeline (first pages cached in Redis when available)
	Timeline      out.TimelineLoader
	TimelineCache *persistence.CachedTimeline

	// Realtime
	SSEAdapter *realtime.SSEAdapter

	// Services
	SyncService *mail.SyncService
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// PostgreSQL (pgxpool + sqlx on the same pool)
	db, err := database.NewPostgres(ctx, cfg.DatabaseURL, database.DefaultPostgresConfig())
	if err != nil {
		return nil, nil, err
	}
	deps.DB = db
	cleanups = append(cleanups, db.Close)

	sqlDB := database.NewSQLX(db)
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { _ = sqlDB.Close() })

	// Redis
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedis(ctx, cfg.RedisURL, database.DefaultRedisConfig())
		if err != nil {
			if cfg.SyncDispatch == "stream" {
				cleanup()
				return nil, nil, fmt.Errorf("redis is required for stream dispatch: %w", err)
			}
			logger.Warn("Redis connection failed: %v", err)
		} else {
			deps.Redis = redisClient
			cleanups = append(cleanups, func() { _ = redisClient.Close() })
		}
	}

	// MongoDB (message bodies)
	if cfg.MongoDBURL != "" {
		mongoClient, err := mongodb.Connect(ctx, cfg.MongoDBURL)
		if err != nil {
			logger.Warn("MongoDB connection failed: %v", err)
		} else {
			deps.MongoDB = mongoClient
			cleanups = append(cleanups, func() {
				_ = mongoClient.Disconnect(context.Background())
			})

			deps.BodyRepo = mongodb.NewBodyAdapter(mongoClient.Database(cfg.MongoDBName), cfg.BodyTTL)
			if err := deps.BodyRepo.EnsureIndexes(ctx); err != nil {
				logger.Warn("Failed to ensure MongoDB indexes: %v", err)
			}
		}
	}

	// Repositories
	cipher, err := crypto.NewTokenCipher(cfg.EncryptionKey)
	if err != nil {
		logger.Warn("Token cipher unavailable: %v", err)
		cipher = nil
	}
	deps.EmailRepo = persistence.NewEmailAdapter(sqlDB)
	deps.AttachmentRepo = persistence.NewAttachmentAdapter(sqlDB)
	deps.SyncLogRepo = persistence.NewSyncLogAdapter(sqlDB)
	deps.OAuthRepo = persistence.NewOAuthAdapter(sqlDB, cipher)

	// Providers
	oauthConfig := auth.NewGoogleOAuthConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
	deps.TokenService = auth.NewTokenService(deps.OAuthRepo, auth.ConfigRefresher(oauthConfig))
	deps.GmailProvider = provider.NewGmailAdapter(&provider.GmailConfig{
		OAuth:     oauthConfig,
		RateLimit: cfg.GmailRateLimit,
		RateBurst: cfg.GmailRateBurst,
	})

	// Timeline
	timeline := mail.NewTimelineService(deps.EmailRepo, deps.AttachmentRepo)
	deps.Timeline = timeline
	if deps.Redis != nil {
		deps.TimelineCache = persistence.NewCachedTimeline(timeline, cache.NewRedisCache(deps.Redis, "crm"), cfg.SyncFirstPageTTL)
		deps.Timeline = deps.TimelineCache
	}

	// Realtime
	deps.SSEAdapter = realtime.NewSSEAdapter(logger.Component("sse"))

	// Sync engine
	syncDeps := mail.SyncDeps{
		EmailRepo:      deps.EmailRepo,
		AttachmentRepo: deps.AttachmentRepo,
		SyncLogRepo:    deps.SyncLogRepo,
		Mailbox:        deps.GmailProvider,
		Tokens:         deps.TokenService,
		Progress:       deps.SSEAdapter,
	}
	// typed nil 방지: optional 포트는 실제 값이 있을 때만 주입
	if deps.BodyRepo != nil {
		syncDeps.BodyRepo = deps.BodyRepo
	}
	if deps.TimelineCache != nil {
		syncDeps.Invalidator = deps.TimelineCache
	}
	deps.SyncService = mail.NewSyncService(syncDeps, mail.SyncConfig{
		MaxResults:     cfg.SyncMaxResults,
		MaxPages:       cfg.SyncMaxPages,
		AccountStagger: cfg.SyncAccountStagger,
	})

	logger.Info("Dependencies initialized (redis=%v, mongodb=%v)", deps.Redis != nil, deps.MongoDB != nil)
	return deps, cleanup, nil
}

// StoreConfig maps the email store settings onto the service config.
func StoreConfig(cfg *config.Config) mail.StoreConfig {
	sc := mail.DefaultStoreConfig()
	sc.PageSize = cfg.EmailPageSize
	sc.MaxContacts = cfg.EmailMaxContacts
	sc.MaxMessagesPerContact = cfg.EmailMaxPerContact
	sc.CleanupInterval = cfg.EmailCleanupInterval
	sc.DedupDelay = cfg.EmailDedupDelay
	sc.SettleDelay = cfg.EmailSettleDelay
	sc.AfterSendSettleDelay = cfg.EmailAfterSendSettle
	sc.StatusResetDelay = cfg.EmailStatusResetDelay
	sc.StaleOptimisticAge = cfg.EmailStaleOptimisticAge
	sc.SyncTimeout = dispatchTimeout(cfg) + storeWaitGrace
	sc.PrefetchLimit = cfg.EmailPrefetchLimit
	sc.DisableCleanup = !cfg.CleanupEnabled
	return sc
}

const (
	// queued jobs wait this long at most before a worker picks them up
	queueWaitAllowance = 2 * time.Minute
	storeWaitGrace     = 30 * time.Second
)

// jobTimeout bounds one sync run on a worker.
func jobTimeout(cfg *config.Config) time.Duration {
	if cfg.SyncTimeout <= 0 {
		return worker.DefaultPoolConfig().JobTimeout
	}
	return cfg.SyncTimeout + time.Minute
}

// dispatchTimeout bounds a dispatched job from enqueue to completion. The
// store waits a little longer so the dispatcher reports the outcome first.
func dispatchTimeout(cfg *config.Config) time.Duration {
	return jobTimeout(cfg) + queueWaitAllowance
}
