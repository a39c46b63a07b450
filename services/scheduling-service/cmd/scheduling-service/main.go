package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/chairbook/libs/config"
	"github.com/md-rashed-zaman/chairbook/libs/db"
	"github.com/md-rashed-zaman/chairbook/libs/httpx"
	"github.com/md-rashed-zaman/chairbook/libs/kafkax"
	otelx "github.com/md-rashed-zaman/chairbook/libs/otel"
	"github.com/md-rashed-zaman/chairbook/libs/retry"
	"github.com/md-rashed-zaman/chairbook/libs/runtime"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/booking"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/calendar"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/directory"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/handlers"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/locking"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/outbox"
	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/storage"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type backends struct {
	store  storage.Store
	dir    directory.Directory
	pool   *db.Pool
	outbox *outbox.Repository
	checks []runtime.ReadyCheck
}

// openBackends picks postgres (the default) or the in-memory store used for demos.
func openBackends(ctx context.Context, logger *slog.Logger) (*backends, error) {
	driver := strings.ToLower(config.String("STORE_DRIVER", "postgres"))
	switch driver {
	case "memory":
		logger.Warn("using in-memory store; data is lost on restart")
		dir, err := directory.StaticFromEnv()
		if err != nil {
			return nil, err
		}
		return &backends{store: storage.NewMemory(), dir: dir}, nil
	case "postgres":
		dbURL, err := config.RequiredString("DATABASE_URL")
		if err != nil {
			return nil, err
		}
		maxConns, err := config.Int("DB_MAX_CONNS", 10)
		if err != nil {
			return nil, err
		}
		pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: int32(maxConns)})
		if err != nil {
			return nil, err
		}
		repo := outbox.NewRepository()
		var dir directory.Directory = directory.NewPostgres(pool)
		if len(config.List("PROVIDERS")) > 0 {
			if dir, err = directory.StaticFromEnv(); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return &backends{
			store:  storage.NewPostgres(pool, repo),
			dir:    dir,
			pool:   pool,
			outbox: repo,
			checks: []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}},
		}, nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", driver)
	}
}

// openLocker returns a redis-backed lock when REDIS_ADDR is set so that several
// replicas serialize on the same calendars; otherwise locks are process-local.
func openLocker(logger *slog.Logger) (locking.Locker, *runtime.ReadyCheck, func(), error) {
	addr := config.String("REDIS_ADDR", "")
	if addr == "" {
		return locking.NewLocal(), nil, func() {}, nil
	}
	ttl, err := config.Duration("LOCK_TTL", 10*time.Second)
	if err != nil {
		return nil, nil, nil, err
	}
	wait, err := config.Duration("LOCK_WAIT", 2*time.Second)
	if err != nil {
		return nil, nil, nil, err
	}
	redisDB, err := config.Int("REDIS_DB", 0)
	if err != nil {
		return nil, nil, nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       redisDB,
	})
	locker := locking.NewRedis(rdb, logger, locking.RedisConfig{
		Prefix: config.String("LOCK_PREFIX", "chairbook"),
		TTL:    ttl,
		Wait:   wait,
	})
	check := &runtime.ReadyCheck{Name: "redis", Check: locking.RedisReadyCheck(rdb)}
	return locker, check, func() { _ = rdb.Close() }, nil
}

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service, config.String("LOG_LEVEL", "info"))

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	biz, err := calendar.BusinessFromEnv()
	if err != nil {
		logger.Error("invalid practice calendar", "err", err)
		panic(err)
	}

	be, err := openBackends(ctx, logger)
	if err != nil {
		logger.Error("store init failed", "err", err)
		panic(err)
	}
	if be.pool != nil {
		defer be.pool.Close()
	}

	locker, lockCheck, closeLocker, err := openLocker(logger)
	if err != nil {
		logger.Error("lock init failed", "err", err)
		panic(err)
	}
	defer closeLocker()
	checks := be.checks
	if lockCheck != nil {
		checks = append(checks, *lockCheck)
	}

	maxTries, err := config.Int("PERSIST_MAX_TRIES", 4)
	if err != nil || maxTries <= 0 {
		logger.Error("invalid PERSIST_MAX_TRIES", "err", err)
		panic(fmt.Sprintf("invalid PERSIST_MAX_TRIES: %v", err))
	}
	policy := retry.DefaultPolicy(storage.IsTransient)
	policy.MaxTries = uint(maxTries)

	cacheTTL, err := config.Duration("CALENDAR_CACHE_TTL", 30*time.Second)
	if err != nil {
		panic(err)
	}
	columnWidth, err := config.Int("LAYOUT_COLUMN_WIDTH", 240)
	if err != nil {
		panic(err)
	}
	offsetUnit, err := config.Int("LAYOUT_OFFSET_UNIT", 12)
	if err != nil {
		panic(err)
	}
	handlerTimeout, err := config.Duration("HTTP_HANDLER_TIMEOUT", 15*time.Second)
	if err != nil || handlerTimeout <= 0 {
		panic(fmt.Sprintf("invalid HTTP_HANDLER_TIMEOUT: %v", err))
	}

	svc, err := booking.New(booking.Deps{
		Store:       be.store,
		Directory:   be.dir,
		Locker:      locker,
		Business:    biz,
		Layout:      booking.LayoutConfig{ColumnWidth: float64(columnWidth), OffsetUnit: float64(offsetUnit)},
		Logger:      logger,
		Retry:       &policy,
		CacheMaxAge: cacheTTL,
	})
	if err != nil {
		logger.Error("scheduling service init failed", "err", err)
		panic(err)
	}

	brokers := config.String("KAFKA_BROKERS", "")
	if be.pool != nil {
		pollEvery, err := config.Duration("OUTBOX_POLL_EVERY", 2*time.Second)
		if err != nil {
			panic(err)
		}
		publisher := outbox.NewPublisher(be.pool, be.outbox, logger, outbox.PublisherConfig{
			Brokers:     brokers,
			TopicPrefix: config.String("KAFKA_TOPIC_PREFIX", ""),
			PollEvery:   pollEvery,
			BatchSize:   50,
		})
		go publisher.Run(ctx)
		if publisher.Enabled() {
			checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
		}
	}

	mux := runtime.NewBaseMuxWithReady(checks...)
	handlers.NewSchedulingHandler(svc, logger, config.String("JWT_SECRET", "")).Register(mux)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(handlerTimeout),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	runtime.Serve(ctx, srv, logger, 10*time.Second)
}
