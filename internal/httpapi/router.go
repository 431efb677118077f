package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"subuser_broker/internal/auth"
	"subuser_broker/internal/broker"
	"subuser_broker/internal/config"
	"subuser_broker/internal/logging"
	"subuser_broker/internal/middleware"
	"subuser_broker/internal/ratelimit"
	"subuser_broker/internal/storage"
	"subuser_broker/internal/upstream"
	"subuser_broker/internal/utils"
)

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	DB          *storage.DB
	Redis       *storage.RedisClient // nil when Redis is not configured
	Upstream    *upstream.Client
	Service     *broker.Service
	RateLimit   ratelimit.Limiter
	AccessLog   *logging.AccessLog // nil when disabled
	Logger      *utils.Logger
	CORSOrigins []string
}

// NewRouter creates an HTTP handler with all dependencies wired up
func NewRouter(ctx context.Context, cfg *config.Config, logger *utils.Logger) (http.Handler, *Dependencies, error) {
	deps := &Dependencies{
		Logger:      logger,
		CORSOrigins: cfg.CORS.AllowedOrigins,
	}

	// Initialize database
	db, err := storage.NewDB(ctx, storage.DBConfig{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		AutoMigrate:     cfg.Database.AutoMigrate,
		EncryptionKey:   cfg.Database.EncryptionKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	deps.DB = db

	// Initialize rate limiter; without Redis there is nothing to share
	// counters through, so every request is allowed.
	if cfg.Redis.Address != "" {
		redisCfg := storage.DefaultRedisConfig()
		redisCfg.Address = cfg.Redis.Address
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		redisCfg.PoolSize = cfg.Redis.PoolSize
		redisCfg.MinIdleConns = cfg.Redis.MinIdleConns
		redisCfg.DialTimeout = cfg.Redis.DialTimeout
		redisCfg.ReadTimeout = cfg.Redis.ReadTimeout
		redisCfg.WriteTimeout = cfg.Redis.WriteTimeout

		redisClient, err := storage.NewRedisClient(ctx, redisCfg)
		if err != nil {
			deps.Close()
			return nil, nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		deps.Redis = redisClient
		deps.RateLimit = ratelimit.NewRateLimiter(redisClient.Client(), cfg.RateLimit.PerMinute, cfg.RateLimit.Window)
	} else {
		logger.Warn("Redis not configured, rate limiting disabled")
		deps.RateLimit = ratelimit.NewNoopLimiter()
	}

	// Initialize upstream client
	upstreamClient, err := upstream.NewClient(upstream.Config{
		BaseURL:    cfg.Upstream.BaseURL,
		LoginPath:  cfg.Upstream.LoginPath,
		ServerPath: cfg.Upstream.ServerPath,
		Timeout:    cfg.Upstream.Timeout,
	}, logger.Named("upstream"))
	if err != nil {
		deps.Close()
		return nil, nil, fmt.Errorf("failed to initialize upstream client: %w", err)
	}
	deps.Upstream = upstreamClient

	// Initialize access log
	if cfg.Log.AccessFile != "" {
		accessLog, err := logging.NewAccessLog(cfg.Log.AccessFile, cfg.Log.AccessMaxSize, cfg.Log.AccessMaxFiles, 1000, 5*time.Second)
		if err != nil {
			deps.Close()
			return nil, nil, fmt.Errorf("failed to initialize access log: %w", err)
		}
		deps.AccessLog = accessLog
	}

	hasher := auth.NewHasher(auth.Params{
		Time:       cfg.Hasher.Time,
		Memory:     cfg.Hasher.Memory,
		Threads:    cfg.Hasher.Threads,
		KeyLength:  cfg.Hasher.KeyLength,
		SaltLength: cfg.Hasher.SaltLength,
	})

	var up broker.Upstream = upstreamClient
	if cfg.Upstream.CacheTTL > 0 {
		up = broker.NewServerCache(upstreamClient, cfg.Upstream.CacheSize, cfg.Upstream.CacheTTL)
	}

	deps.Service = broker.NewService(
		db.NewAccountRepository(),
		db.NewSubuserRepository(),
		up,
		hasher,
		logger.Named("broker"),
	)

	return NewHandler(deps), deps, nil
}

// NewHandler registers routes and wraps them in the middleware chain
func NewHandler(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()
	registerRoutes(mux, deps)

	return middleware.Chain(mux,
		middleware.RequestLogging(deps.Logger.Named("http"), deps.AccessLog),
		middleware.CORSMiddleware(deps.CORSOrigins),
		middleware.RateLimitMiddleware(deps.RateLimit, deps.Logger.Named("ratelimit")),
	)
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	h := &handler{service: deps.Service, logger: deps.Logger.Named("httpapi")}

	mux.HandleFunc("POST /user/generate_key", h.generateKey)
	mux.HandleFunc("POST /server/{id}/subusers", h.addSubuser)
	mux.HandleFunc("DELETE /server/{id}/subusers", h.removeSubuser)
	mux.HandleFunc("GET /server/{id}/subusers", h.listSubusers)

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Health check endpoint - public; Redis is checked only when configured
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.DB.Health(r.Context()); err != nil {
			deps.Logger.Error("Health check failed", "error", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if deps.Redis != nil {
			if err := deps.Redis.Health(r.Context()); err != nil {
				deps.Logger.Error("Health check failed", "error", err)
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

// Close releases everything NewRouter opened
func (d *Dependencies) Close() error {
	var errs []error
	if d.AccessLog != nil {
		d.AccessLog.Shutdown()
	}
	if d.Upstream != nil {
		errs = append(errs, d.Upstream.Close())
	}
	if d.Redis != nil {
		errs = append(errs, d.Redis.Close())
	}
	if d.DB != nil {
		errs = append(errs, d.DB.Close())
	}
	return errors.Join(errs...)
}
