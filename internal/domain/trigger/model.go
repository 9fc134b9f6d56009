// Package trigger holds the metadata-store shapes that drive the
// scheduler (spec C1/C4): TriggerLease is the leader-election
// singleton, CurrentTrigger is the incremental extraction watermark,
// and CompartmentInfo is the per-patient versionId group-scope
// extraction reads and advances.
package trigger

import "time"

// TriggerLease is a singleton row per queueType: whichever scheduler
// instance holds an unexpired lease is the leader and is the only one
// allowed to advance CurrentTrigger and enqueue orchestrator jobs.
type TriggerLease struct {
	PartitionKey string `gorm:"column:partition_key;primaryKey" json:"partitionKey"`
	RowKey       string `gorm:"column:row_key;primaryKey" json:"rowKey"`
	ETag         int64  `gorm:"column:etag;not null;default:0" json:"etag"`

	QueueType  byte      `gorm:"column:queue_type;not null;uniqueIndex" json:"queueType"`
	OwnerID    string    `gorm:"column:owner_id;not null" json:"ownerId"`
	ExpiresAt  time.Time `gorm:"column:expires_at;not null" json:"expiresAt"`
	AcquiredAt time.Time `gorm:"column:acquired_at;not null" json:"acquiredAt"`
}

func (TriggerLease) TableName() string { return "trigger_lease" }

// IsExpired reports whether the lease is free for another scheduler to
// acquire.
func (l *TriggerLease) IsExpired(now time.Time) bool { return !now.Before(l.ExpiresAt) }

// CurrentTrigger is the incremental-extraction watermark: the end of
// the last time window an orchestrator job fully closed, per queueType.
// The next orchestrator job's window starts here.
type CurrentTrigger struct {
	PartitionKey string `gorm:"column:partition_key;primaryKey" json:"partitionKey"`
	RowKey       string `gorm:"column:row_key;primaryKey" json:"rowKey"`
	ETag         int64  `gorm:"column:etag;not null;default:0" json:"etag"`

	QueueType byte `gorm:"column:queue_type;not null;uniqueIndex" json:"queueType"`

	// NextTriggerSequenceID is the cursor's own monotone sequence,
	// incremented every time a window closes.
	NextTriggerSequenceID int64 `gorm:"column:next_trigger_sequence_id;not null;default:0" json:"nextTriggerSequenceId"`

	// LastCompletedTimestamp is the inclusive start of the next window:
	// the dataEndTime of the most recently *closed* orchestrator job.
	LastCompletedTimestamp time.Time `gorm:"column:last_completed_timestamp;not null" json:"lastCompletedTimestamp"`

	// LastOrchestratorJobID is the id of the most recently enqueued
	// orchestrator job for this queueType, used by the scheduler to
	// avoid enqueuing a second one while the first is still open, and
	// to know which job to close once it reaches a terminal status.
	LastOrchestratorJobID int64 `gorm:"column:last_orchestrator_job_id;not null;default:0" json:"lastOrchestratorJobId"`

	// PendingWindowEnd is the dataEndTime of LastOrchestratorJobID; once
	// that job closes, it becomes the new LastCompletedTimestamp.
	PendingWindowEnd time.Time `gorm:"column:pending_window_end" json:"pendingWindowEnd"`
}

func (CurrentTrigger) TableName() string { return "current_trigger" }

// CompartmentInfo is the per-patient versionId that group-scope FHIR
// extraction reads before enqueuing a patient's processing job and
// advances once that job reports what it actually extracted (spec
// Sec 3, Sec 4.5 "for Group scope, upsert patient versions in the
// metadata store"). CompartmentID is the patient (compartment) id.
type CompartmentInfo struct {
	PartitionKey string `gorm:"column:partition_key;primaryKey" json:"partitionKey"`
	RowKey       string `gorm:"column:row_key;primaryKey" json:"rowKey"`
	ETag         int64  `gorm:"column:etag;not null;default:0" json:"etag"`

	CompartmentID string `gorm:"column:compartment_id;not null;index" json:"compartmentId"`

	// VersionID is the last resource versionId this compartment was
	// extracted through; the next processing job for this patient asks
	// the upstream API for everything strictly newer.
	VersionID string `gorm:"column:version_id;not null" json:"versionId"`

	// LastExtractedAt is when VersionID was last advanced, surfaced for
	// operator inspection; it plays no role in the extraction cursor.
	LastExtractedAt time.Time `gorm:"column:last_extracted_at" json:"lastExtractedAt"`

	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

func (CompartmentInfo) TableName() string { return "compartment_info" }
