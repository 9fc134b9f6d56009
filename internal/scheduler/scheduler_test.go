package scheduler

import (
	"context"
	"testing"
	"time"

	qd "github.com/yungbote/fhirqueue/internal/domain/queue"
	"github.com/yungbote/fhirqueue/internal/platform/logger"
	"github.com/yungbote/fhirqueue/internal/queue"
	"github.com/yungbote/fhirqueue/internal/store"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *queue.Client, store.MetadataStore) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	client := queue.NewClient(queue.NewMemTable(), queue.NewMemVisibilityQueue(), 30*time.Second)
	metadataStore := store.NewMemStore()
	return New(cfg, metadataStore, client, log, "scheduler-1"), client, metadataStore
}

func baseConfig() Config {
	return Config{
		QueueType:                           0,
		OrchestratorQueueType:               1,
		OrchestratorGroupID:                 1,
		TickInterval:                        time.Second,
		LeaseTTL:                            10 * time.Second,
		MaxWindow:                           7 * 24 * time.Hour,
		WindowLag:                           time.Minute,
		InitialOrchestrationIntervalSec:     0,
		IncrementalOrchestrationIntervalSec: 0,
		HeartbeatTimeoutSec:                 60,
	}
}

func TestTickEnqueuesFirstOrchestratorJobAfterSeeding(t *testing.T) {
	s, client, ms := newTestScheduler(t, baseConfig())
	ctx := context.Background()

	if err := s.tick(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	current, err := ms.GetCurrentTrigger(ctx, 0)
	if err != nil {
		t.Fatalf("get current trigger: %v", err)
	}
	if current.LastOrchestratorJobID == 0 {
		t.Fatalf("expected an orchestrator job to have been enqueued")
	}

	job, err := client.GetJob(ctx, 1, current.LastOrchestratorJobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != qd.StatusCreated {
		t.Fatalf("expected created status, got %s", job.Status)
	}
}

func TestTickDoesNotEnqueueWhileOrchestratorJobStillOpen(t *testing.T) {
	s, client, ms := newTestScheduler(t, baseConfig())
	ctx := context.Background()

	if err := s.tick(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	first, _ := ms.GetCurrentTrigger(ctx, 0)

	if err := s.tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	second, _ := ms.GetCurrentTrigger(ctx, 0)
	if second.LastOrchestratorJobID != first.LastOrchestratorJobID {
		t.Fatalf("expected the same open orchestrator job to persist across ticks")
	}

	// complete the job out of band; the next tick should close it and
	// be free to enqueue the next window once cadence allows.
	job, err := client.Dequeue(ctx, 1)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if job == nil {
		t.Fatalf("expected the orchestrator job to be dequeueable")
	}
	if err := client.Complete(ctx, job, qd.StatusCompleted, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := s.tick(ctx); err != nil {
		t.Fatalf("third tick: %v", err)
	}
	third, _ := ms.GetCurrentTrigger(ctx, 0)
	if third.LastOrchestratorJobID == first.LastOrchestratorJobID {
		t.Fatalf("expected the closed job to be replaced by a new one")
	}
	if !third.LastCompletedTimestamp.After(first.LastCompletedTimestamp) {
		t.Fatalf("expected the watermark to advance after closing the job")
	}
}

func TestTickRespectsIncrementalCadenceAfterFirstWindow(t *testing.T) {
	cfg := baseConfig()
	cfg.IncrementalOrchestrationIntervalSec = 3600 // far in the future
	s, client, ms := newTestScheduler(t, cfg)
	ctx := context.Background()

	if err := s.tick(ctx); err != nil {
		t.Fatalf("first tick: %v", err)
	}
	first, _ := ms.GetCurrentTrigger(ctx, 0)
	if first.LastOrchestratorJobID == 0 {
		t.Fatalf("expected the initial window to enqueue regardless of incremental cadence")
	}

	job, err := client.Dequeue(ctx, 1)
	if err != nil || job == nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := client.Complete(ctx, job, qd.StatusCompleted, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if err := s.tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	second, _ := ms.GetCurrentTrigger(ctx, 0)
	if second.LastOrchestratorJobID != 0 {
		t.Fatalf("expected the long incremental cadence to block the next window")
	}
}

func TestNonLeaderTickIsANoOp(t *testing.T) {
	s1, _, ms := newTestScheduler(t, baseConfig())
	ctx := context.Background()

	if err := s1.tick(ctx); err != nil {
		t.Fatalf("leader tick: %v", err)
	}
	before, _ := ms.GetCurrentTrigger(ctx, 0)

	log, _ := logger.New("test")
	s2 := New(baseConfig(), ms, queue.NewClient(queue.NewMemTable(), queue.NewMemVisibilityQueue(), 30*time.Second), log, "scheduler-2")
	if err := s2.tick(ctx); err != nil {
		t.Fatalf("non-leader tick: %v", err)
	}

	after, _ := ms.GetCurrentTrigger(ctx, 0)
	if after.LastOrchestratorJobID != before.LastOrchestratorJobID {
		t.Fatalf("non-leader tick should not have changed the trigger state")
	}
}
