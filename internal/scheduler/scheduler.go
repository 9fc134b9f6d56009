// Package scheduler is the single-writer leader (spec C4) that
// periodically advances the sliding time window and enqueues a new
// orchestrator job. Leadership is a lease on TriggerLease; non-leaders
// poll and take over once it expires.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	orch "github.com/yungbote/fhirqueue/internal/domain/orchestrator"
	"github.com/yungbote/fhirqueue/internal/domain/trigger"
	"github.com/yungbote/fhirqueue/internal/platform/logger"
	"github.com/yungbote/fhirqueue/internal/queue"
	"github.com/yungbote/fhirqueue/internal/store"
)

// Config is the subset of spec Sec 6's configuration surface the
// scheduler reads.
type Config struct {
	QueueType              byte
	OrchestratorQueueType  byte
	OrchestratorGroupID    int64
	TickInterval time.Duration
	LeaseTTL     time.Duration
	MaxWindow    time.Duration
	WindowLag    time.Duration

	// InitialOrchestrationIntervalSec gates the very first window (when
	// no trigger has ever closed yet); IncrementalOrchestrationIntervalSec
	// gates every one after that (spec Sec 6).
	InitialOrchestrationIntervalSec     int
	IncrementalOrchestrationIntervalSec int

	HeartbeatTimeoutSec int
	Scope               orch.FilterScope
	ResourceTypes       []string
	CompartmentIDs      []string
}

// Scheduler owns no long-lived goroutine state beyond Run; every tick
// is independently safe to run after a crash because all state lives
// in TriggerLease/CurrentTrigger.
type Scheduler struct {
	cfg     Config
	store   store.MetadataStore
	client  *queue.Client
	log     *logger.Logger
	ownerID string
}

func New(cfg Config, metadataStore store.MetadataStore, client *queue.Client, log *logger.Logger, ownerID string) *Scheduler {
	return &Scheduler{cfg: cfg, store: metadataStore, client: client, log: log, ownerID: ownerID}
}

// Run blocks until ctx is cancelled, ticking at cfg.TickInterval.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.log.Warn("scheduler: tick failed", "error", err)
			}
		}
	}
}

// tick implements spec Sec 4.3's three steps: it first acquires or
// renews the leader's own lease, then closes any terminal orchestrator
// job and enqueues the next window if cadence allows. Only the lease
// holder reaches past the AcquireOrRenewLease call.
func (s *Scheduler) tick(ctx context.Context) error {
	_, err := s.store.AcquireOrRenewLease(ctx, s.cfg.QueueType, s.ownerID, s.cfg.LeaseTTL)
	if err == store.ErrLeaseHeld {
		return nil // another scheduler is leader; nothing to do
	}
	if err != nil {
		return err
	}

	if err := s.store.SeedCurrentTrigger(ctx, s.cfg.QueueType, time.Now().UTC().Add(-s.cfg.WindowLag)); err != nil {
		return err
	}

	current, err := s.store.GetCurrentTrigger(ctx, s.cfg.QueueType)
	if err != nil {
		return err
	}

	if current.LastOrchestratorJobID != 0 {
		if err := s.closeIfTerminal(ctx, current); err != nil {
			return err
		}
		// re-read: closing may have cleared LastOrchestratorJobID
		current, err = s.store.GetCurrentTrigger(ctx, s.cfg.QueueType)
		if err != nil {
			return err
		}
	}

	if current.LastOrchestratorJobID != 0 {
		return nil // previous window's orchestrator job is still open
	}

	return s.maybeEnqueueNextWindow(ctx, current)
}

func (s *Scheduler) closeIfTerminal(ctx context.Context, current *trigger.CurrentTrigger) error {
	job, err := s.client.GetJob(ctx, s.cfg.OrchestratorQueueType, current.LastOrchestratorJobID)
	if err == queue.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return nil
	}
	return s.store.CloseOrchestratorJob(ctx, s.cfg.QueueType, current.LastOrchestratorJobID)
}

func (s *Scheduler) maybeEnqueueNextWindow(ctx context.Context, current *trigger.CurrentTrigger) error {
	now := time.Now().UTC()
	intervalSec := s.cfg.IncrementalOrchestrationIntervalSec
	if current.NextTriggerSequenceID == 0 {
		intervalSec = s.cfg.InitialOrchestrationIntervalSec
	}
	cadence := time.Duration(intervalSec) * time.Second
	if now.Sub(current.LastCompletedTimestamp) < cadence {
		return nil
	}

	dataEndTime := now.Add(-s.cfg.WindowLag)
	if max := current.LastCompletedTimestamp.Add(s.cfg.MaxWindow); dataEndTime.After(max) {
		dataEndTime = max
	}
	if !dataEndTime.After(current.LastCompletedTimestamp) {
		return nil
	}

	input := orch.JobInputData{
		TriggerSequenceID: current.NextTriggerSequenceID,
		DataStartTime:     current.LastCompletedTimestamp,
		DataEndTime:       dataEndTime,
		Since:             current.LastCompletedTimestamp,
		JobVersion:        1,
		Scope:             s.cfg.Scope,
		ResourceTypes:     s.cfg.ResourceTypes,
		CompartmentIDs:    s.cfg.CompartmentIDs,
	}
	definition, err := json.Marshal(input)
	if err != nil {
		return err
	}

	jobID, _, err := s.client.Enqueue(ctx, s.cfg.OrchestratorQueueType, s.cfg.OrchestratorGroupID, definition, s.cfg.HeartbeatTimeoutSec)
	if err != nil {
		return err
	}

	return s.store.SetPendingOrchestratorJob(ctx, s.cfg.QueueType, jobID, dataEndTime)
}
