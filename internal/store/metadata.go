// Package store wraps the metadata-store tables the scheduler and
// orchestrator read and write (spec C1): TriggerLease, CurrentTrigger and
// CompartmentInfo. It follows the teacher's repo-interface-plus-gorm-
// struct pattern (see internal/repos in the reference corpus) rather
// than exposing *gorm.DB directly to callers.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/fhirqueue/internal/domain/trigger"
	"github.com/yungbote/fhirqueue/internal/platform/apierr"
)

var ErrNotFound = errors.New("store: row not found")
var ErrLeaseHeld = errors.New("store: lease held by another owner")

const (
	leasePartitionKey = "lease"
	triggerPartitionKey = "trigger"
)

func leaseRowKey(queueType byte) string   { return keyOf(queueType) }
func triggerRowKey(queueType byte) string { return keyOf(queueType) }

func keyOf(queueType byte) string {
	const hex = "0123456789abcdef"
	return string([]byte{hex[queueType>>4], hex[queueType&0xf]})
}

// MetadataStore is the C1 metadata store the scheduler and
// orchestrator depend on.
type MetadataStore interface {
	// AcquireOrRenewLease tries to become (or remain) leader for
	// queueType. ownerID wins if no lease exists, the existing lease is
	// expired, or ownerID already holds it; otherwise ErrLeaseHeld.
	AcquireOrRenewLease(ctx context.Context, queueType byte, ownerID string, ttl time.Duration) (*trigger.TriggerLease, error)

	// ReleaseLease drops ownerID's lease early, e.g. on graceful
	// shutdown, so another scheduler doesn't wait out the full ttl.
	ReleaseLease(ctx context.Context, queueType byte, ownerID string) error

	GetCurrentTrigger(ctx context.Context, queueType byte) (*trigger.CurrentTrigger, error)

	// SeedCurrentTrigger creates the watermark row the first time a
	// queueType ticks; a no-op if the row already exists.
	SeedCurrentTrigger(ctx context.Context, queueType byte, startTimestamp time.Time) error

	// SetPendingOrchestratorJob records the job the scheduler just
	// enqueued and the dataEndTime it was given, so a later tick knows
	// what to advance the watermark to once the job closes.
	SetPendingOrchestratorJob(ctx context.Context, queueType byte, jobID int64, windowEnd time.Time) error

	// CloseOrchestratorJob advances LastCompletedTimestamp to the
	// pending job's window end and clears LastOrchestratorJobID, guarded
	// so it only applies if jobID still matches what's pending (a
	// concurrent scheduler can't double-close).
	CloseOrchestratorJob(ctx context.Context, queueType byte, jobID int64) error

	// GetCompartmentInfo returns a patient's last-extracted versionId,
	// ErrNotFound if the patient has never been extracted.
	GetCompartmentInfo(ctx context.Context, compartmentID string) (*trigger.CompartmentInfo, error)

	// UpsertCompartmentInfo advances a patient's versionId after a
	// group-scope processing job reports what it extracted, creating
	// the row on first use.
	UpsertCompartmentInfo(ctx context.Context, info *trigger.CompartmentInfo) error
}

type gormMetadataStore struct {
	db *gorm.DB
}

func NewMetadataStore(db *gorm.DB) MetadataStore { return &gormMetadataStore{db: db} }

func (s *gormMetadataStore) AcquireOrRenewLease(ctx context.Context, queueType byte, ownerID string, ttl time.Duration) (*trigger.TriggerLease, error) {
	now := time.Now().UTC()
	rowKey := leaseRowKey(queueType)

	var out *trigger.TriggerLease
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing trigger.TriggerLease
		err := tx.Where("partition_key = ? AND row_key = ?", leasePartitionKey, rowKey).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			lease := trigger.TriggerLease{
				PartitionKey: leasePartitionKey,
				RowKey:       rowKey,
				ETag:         1,
				QueueType:    queueType,
				OwnerID:      ownerID,
				ExpiresAt:    now.Add(ttl),
				AcquiredAt:   now,
			}
			if createErr := tx.Create(&lease).Error; createErr != nil {
				return createErr
			}
			out = &lease
			return nil
		}
		if err != nil {
			return err
		}

		if existing.OwnerID != ownerID && !existing.IsExpired(now) {
			return ErrLeaseHeld
		}

		res := tx.Model(&trigger.TriggerLease{}).
			Where("partition_key = ? AND row_key = ? AND etag = ?", leasePartitionKey, rowKey, existing.ETag).
			Updates(map[string]interface{}{
				"owner_id":    ownerID,
				"expires_at":  now.Add(ttl),
				"acquired_at": now,
				"etag":        existing.ETag + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLeaseHeld
		}
		existing.OwnerID = ownerID
		existing.ExpiresAt = now.Add(ttl)
		existing.AcquiredAt = now
		existing.ETag++
		out = &existing
		return nil
	})
	if errors.Is(err, ErrLeaseHeld) {
		return nil, ErrLeaseHeld
	}
	if err != nil {
		return nil, apierr.Retriable("store.acquire_or_renew_lease", err)
	}
	return out, nil
}

func (s *gormMetadataStore) ReleaseLease(ctx context.Context, queueType byte, ownerID string) error {
	rowKey := leaseRowKey(queueType)
	res := s.db.WithContext(ctx).Model(&trigger.TriggerLease{}).
		Where("partition_key = ? AND row_key = ? AND owner_id = ?", leasePartitionKey, rowKey, ownerID).
		Updates(map[string]interface{}{
			"expires_at": time.Now().UTC(),
			"etag":       gorm.Expr("etag + 1"),
		})
	if res.Error != nil {
		return apierr.Retriable("store.release_lease", res.Error)
	}
	return nil
}

func (s *gormMetadataStore) GetCurrentTrigger(ctx context.Context, queueType byte) (*trigger.CurrentTrigger, error) {
	var ct trigger.CurrentTrigger
	err := s.db.WithContext(ctx).
		Where("partition_key = ? AND row_key = ?", triggerPartitionKey, triggerRowKey(queueType)).
		First(&ct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apierr.Retriable("store.get_current_trigger", err)
	}
	return &ct, nil
}

func (s *gormMetadataStore) SeedCurrentTrigger(ctx context.Context, queueType byte, startTimestamp time.Time) error {
	rowKey := triggerRowKey(queueType)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&trigger.CurrentTrigger{
		PartitionKey:           triggerPartitionKey,
		RowKey:                 rowKey,
		ETag:                   1,
		QueueType:              queueType,
		LastCompletedTimestamp: startTimestamp,
	}).Error
	if err != nil {
		return apierr.Retriable("store.seed_current_trigger", err)
	}
	return nil
}

func (s *gormMetadataStore) SetPendingOrchestratorJob(ctx context.Context, queueType byte, jobID int64, windowEnd time.Time) error {
	rowKey := triggerRowKey(queueType)
	res := s.db.WithContext(ctx).Model(&trigger.CurrentTrigger{}).
		Where("partition_key = ? AND row_key = ?", triggerPartitionKey, rowKey).
		Updates(map[string]interface{}{
			"last_orchestrator_job_id": jobID,
			"pending_window_end":       windowEnd,
			"etag":                     gorm.Expr("etag + 1"),
		})
	if res.Error != nil {
		return apierr.Retriable("store.set_pending_orchestrator_job", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *gormMetadataStore) CloseOrchestratorJob(ctx context.Context, queueType byte, jobID int64) error {
	rowKey := triggerRowKey(queueType)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing trigger.CurrentTrigger
		err := tx.Where("partition_key = ? AND row_key = ?", triggerPartitionKey, rowKey).First(&existing).Error
		if err != nil {
			return err
		}
		if existing.LastOrchestratorJobID != jobID {
			return nil // already closed by another scheduler tick
		}
		res := tx.Model(&trigger.CurrentTrigger{}).
			Where("partition_key = ? AND row_key = ? AND etag = ?", triggerPartitionKey, rowKey, existing.ETag).
			Updates(map[string]interface{}{
				"last_completed_timestamp":  existing.PendingWindowEnd,
				"next_trigger_sequence_id":  existing.NextTriggerSequenceID + 1,
				"last_orchestrator_job_id":  int64(0),
				"etag":                      existing.ETag + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.New("lost race closing orchestrator job")
		}
		return nil
	})
	if err != nil {
		return apierr.Retriable("store.close_orchestrator_job", err)
	}
	return nil
}

func (s *gormMetadataStore) GetCompartmentInfo(ctx context.Context, compartmentID string) (*trigger.CompartmentInfo, error) {
	var info trigger.CompartmentInfo
	err := s.db.WithContext(ctx).Where("compartment_id = ?", compartmentID).First(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apierr.Retriable("store.get_compartment_info", err)
	}
	return &info, nil
}

func (s *gormMetadataStore) UpsertCompartmentInfo(ctx context.Context, info *trigger.CompartmentInfo) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing trigger.CompartmentInfo
		err := tx.Where("compartment_id = ?", info.CompartmentID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			info.PartitionKey = "compartment"
			if info.RowKey == "" {
				info.RowKey = info.CompartmentID
			}
			info.ETag = 1
			return tx.Create(info).Error
		}
		if err != nil {
			return err
		}
		res := tx.Model(&trigger.CompartmentInfo{}).
			Where("partition_key = ? AND row_key = ? AND etag = ?", existing.PartitionKey, existing.RowKey, existing.ETag).
			Updates(map[string]interface{}{
				"version_id":        info.VersionID,
				"last_extracted_at": info.LastExtractedAt,
				"etag":              existing.ETag + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.New("lost race upserting compartment info")
		}
		return nil
	})
	if err != nil {
		return apierr.Retriable("store.upsert_compartment_info", err)
	}
	return nil
}
