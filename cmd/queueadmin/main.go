// Command queueadmin serves the read-only/cancel control-plane API
// (spec SUPPLEMENTED FEATURES) over the durable queue and metadata
// store -- an operational surface for manual intervention, not a core
// module. Grounded in the teacher's cmd/main.go server-start shape.
package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	gormLogger "gorm.io/gorm/logger"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/yungbote/fhirqueue/internal/config"
	"github.com/yungbote/fhirqueue/internal/httpapi"
	"github.com/yungbote/fhirqueue/internal/observability"
	"github.com/yungbote/fhirqueue/internal/platform/envutil"
	"github.com/yungbote/fhirqueue/internal/platform/logger"
	"github.com/yungbote/fhirqueue/internal/queue"
	"github.com/yungbote/fhirqueue/internal/store"
)

func main() {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "fhirqueue-queueadmin",
		Environment: os.Getenv("ENVIRONMENT"),
		Version:     os.Getenv("SERVICE_VERSION"),
	})
	defer func() { _ = shutdownOTel(ctx) }()

	cfg := config.FromEnv()

	db, err := openPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to postgres", "error", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect to redis", "error", err)
	}
	defer rdb.Close()

	table := queue.NewTable(db)
	visq := queue.NewRedisVisibilityQueue(rdb)
	client := queue.NewClient(table, visq, time.Duration(cfg.HeartbeatTimeoutSec)*time.Second)
	metadataStore := store.NewMetadataStore(db)

	secret := envutil.String("QUEUEADMIN_JWT_SECRET", "defaultsecret")
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Client:        client,
		MetadataStore: metadataStore,
		BearerSecret:  secret,
		ServiceName:   "fhirqueue-queueadmin",
	})

	port := envutil.String("PORT", "8081")
	log.Info("queueadmin: listening", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("queueadmin: server stopped", "error", err)
	}
}

func openPostgres(dsn string) (*gorm.DB, error) {
	gormLog := gormLogger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
}
