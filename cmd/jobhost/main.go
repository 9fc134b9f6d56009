// Command jobhost runs the scheduler (spec C4) and the job host (spec
// C3) for the orchestrator queueType in one process, the way the
// teacher's cmd/main.go starts its server and background worker side
// by side behind RUN_* env switches.
package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	gormLogger "gorm.io/gorm/logger"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	qd "github.com/yungbote/fhirqueue/internal/domain/queue"
	"github.com/yungbote/fhirqueue/internal/domain/trigger"
	"github.com/yungbote/fhirqueue/internal/jobhost"
	"github.com/yungbote/fhirqueue/internal/observability"
	"github.com/yungbote/fhirqueue/internal/orchestrator"
	"github.com/yungbote/fhirqueue/internal/platform/logger"
	"github.com/yungbote/fhirqueue/internal/queue"
	"github.com/yungbote/fhirqueue/internal/scheduler"
	"github.com/yungbote/fhirqueue/internal/store"
	"github.com/yungbote/fhirqueue/internal/writer"

	fhirqueuecfg "github.com/yungbote/fhirqueue/internal/config"
	"github.com/yungbote/fhirqueue/internal/upstream"
)

func envTrue(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

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
		ServiceName: "fhirqueue-jobhost",
		Environment: os.Getenv("ENVIRONMENT"),
		Version:     os.Getenv("SERVICE_VERSION"),
	})
	defer func() { _ = shutdownOTel(ctx) }()

	cfg := fhirqueuecfg.FromEnv()

	db, err := openPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to postgres", "error", err)
	}
	if err := migrate(db); err != nil {
		log.Fatal("failed to auto migrate", "error", err)
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

	runScheduler := envTrue("RUN_SCHEDULER", true)
	runJobHost := envTrue("RUN_JOBHOST", true)

	if runScheduler {
		ownerID := strings.TrimSpace(os.Getenv("SCHEDULER_OWNER_ID"))
		if ownerID == "" {
			ownerID = uuid.NewString()
		}
		sch := scheduler.New(scheduler.Config{
			QueueType:                           cfg.QueueType,
			OrchestratorQueueType:               cfg.OrchestratorQueueType,
			OrchestratorGroupID:                 cfg.OrchestratorGroupID,
			TickInterval:                        cfg.TickInterval,
			LeaseTTL:                            cfg.LeaseTTL,
			MaxWindow:                           cfg.MaxWindow,
			WindowLag:                           cfg.WindowLag,
			InitialOrchestrationIntervalSec:     cfg.InitialOrchestrationIntervalSec,
			IncrementalOrchestrationIntervalSec: cfg.IncrementalOrchestrationIntervalSec,
			HeartbeatTimeoutSec:                 cfg.HeartbeatTimeoutSec,
			Scope:                               cfg.Scope,
			ResourceTypes:                        cfg.ResourceTypes,
			CompartmentIDs:                       cfg.CompartmentIDs,
		}, metadataStore, client, log, ownerID)

		go func() {
			log.Info("scheduler: starting", "ownerId", ownerID, "queueType", cfg.QueueType)
			if err := sch.Run(ctx); err != nil {
				log.Error("scheduler: stopped with error", "error", err)
			}
		}()
	}

	if runJobHost {
		outputWriter, err := writer.NewGCSWriter(ctx, cfg.OutputBucket)
		if err != nil {
			log.Fatal("failed to construct output writer", "error", err)
		}

		host := jobhost.NewHost(client, log, cfg.NumWorkers, cfg.PollInterval)
		host.Register(cfg.OrchestratorQueueType, func() jobhost.Handler {
			return orchestrator.NewHandler(orchestrator.Config{
				ProcessingQueueType:              cfg.ProcessingQueueType,
				MaxInFlight:                       cfg.MaxInFlight,
				CheckFrequency:                    time.Duration(cfg.CheckFrequencySec) * time.Second,
				HeartbeatTimeoutSec:               cfg.HeartbeatTimeoutSec,
				NumberOfPatientsPerProcessingJob:  cfg.NumberOfPatientsPerProcessingJob,
				Bounds:                            cfg.Bounds(),
			}, client, metadataStore, upstreamCounter(), outputWriter, log)
		})

		log.Info("jobhost: starting", "numWorkers", cfg.NumWorkers)
		if err := host.Run(ctx); err != nil {
			log.Error("jobhost: stopped with error", "error", err)
		}
		return
	}

	<-ctx.Done()
}

// upstreamCounter resolves the splitter.Counter this deployment should
// use. The concrete FHIR/DICOM client is external to this module (spec
// Sec 1); a deployment wires its own upstream.Counter implementation in
// here.
func upstreamCounter() upstream.Counter {
	panic("jobhost: no upstream.Counter wired -- provide a concrete implementation for this deployment")
}

func openPostgres(dsn string) (*gorm.DB, error) {
	gormLog := gormLogger.New(
		newStdLogger(),
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

func newStdLogger() *stdlog.Logger {
	return stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags)
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&qd.JobInfo{},
		&qd.JobLock{},
		&qd.JobReverseIndex{},
		&qd.JobIdCounter{},
		&trigger.TriggerLease{},
		&trigger.CurrentTrigger{},
		&trigger.CompartmentInfo{},
	)
}
