// Package queue implements the durable job queue (spec Sec 4.1): a
// persistent job queue built on a generic key-value table plus a
// visibility-timeout message queue, with idempotent enqueue across
// multi-writer agents.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	qd "github.com/yungbote/fhirqueue/internal/domain/queue"
	"github.com/yungbote/fhirqueue/internal/platform/apierr"
)

// ErrConflict is returned by Table methods when an ETag-guarded write
// lost a race; callers retry or treat it as "someone else got there
// first" depending on the operation.
var ErrConflict = errors.New("queue: etag conflict")

// ErrNotFound mirrors gorm.ErrRecordNotFound without leaking gorm to
// callers outside this package.
var ErrNotFound = errors.New("queue: row not found")

// Table is the generic key-value table the queue is built on (spec
// C1/C2): JobInfo/JobLock live in the same (queueType, groupId)
// partition, JobReverseIndex in (queueType, "idx"), JobIdCounter is a
// singleton per queueType. All multi-row writes that must be
// consistent go through one transactional batch (spec Sec 5).
type Table interface {
	// AllocateJobID reads+increments the JobIdCounter for queueType
	// under optimistic concurrency, retrying internally on conflict up
	// to a bounded number of attempts.
	AllocateJobID(ctx context.Context, queueType byte) (int64, error)

	// InsertJobAndLock inserts a JobInfo + JobLock pair in one atomic
	// batch. If a JobLock already exists at lock.RowKey it returns
	// ErrConflict and the caller re-reads the existing pair.
	InsertJobAndLock(ctx context.Context, info *qd.JobInfo, lock *qd.JobLock) error

	// GetJobAndLock fetches an existing (JobInfo, JobLock) pair by the
	// lock's (partitionKey, rowKey). Used on the duplicate-enqueue path.
	GetJobAndLock(ctx context.Context, partitionKey, lockRowKey string) (*qd.JobInfo, *qd.JobLock, error)

	// InsertReverseIndex inserts a JobReverseIndex row, swallowing
	// "already exists" so repeated enqueue calls are idempotent.
	InsertReverseIndex(ctx context.Context, idx *qd.JobReverseIndex) error

	// SetLockMessage persists (messageId, popReceipt) on a JobLock
	// under its current ETag; a conflict here means another agent
	// already set the message and is swallowed by the caller.
	SetLockMessage(ctx context.Context, lock *qd.JobLock, messageID, popReceipt string) error

	// GetJobInfo / GetJobLock fetch a single row by primary key.
	GetJobInfo(ctx context.Context, partitionKey, rowKey string) (*qd.JobInfo, error)
	GetJobLock(ctx context.Context, partitionKey, rowKey string) (*qd.JobLock, error)

	// GetJobByID resolves a job by id alone via the reverse index.
	GetJobByID(ctx context.Context, queueType byte, id int64) (*qd.JobInfo, error)

	// GetJobsByIDs batch-resolves jobs by id, used by the orchestrator
	// to poll child completions.
	GetJobsByIDs(ctx context.Context, queueType byte, ids []int64) ([]*qd.JobInfo, error)

	// TransitionToRunning performs the dequeue-time write: status=Running,
	// version=newVersion, heartbeat=now, plus the JobLock's popReceipt,
	// all in one batch, guarded by info's current ETag/Version.
	TransitionToRunning(ctx context.Context, info *qd.JobInfo, lock *qd.JobLock, newVersion int64, newPopReceipt string) error

	// PersistHeartbeat writes result+heartbeat for a live lease, guarded
	// by the caller's Version matching the stored Version.
	PersistHeartbeat(ctx context.Context, queueType byte, partitionKey, rowKey string, version int64, result []byte) (cancelRequested bool, err error)

	// CompleteJob writes the final status+result, guarded by Version.
	CompleteJob(ctx context.Context, queueType byte, partitionKey, rowKey string, version int64, status qd.Status, result []byte) error

	// SetCancelRequested flags cancelRequested=true; if the row is
	// still Created it is also moved straight to Cancelled.
	SetCancelRequested(ctx context.Context, partitionKey, rowKey string) error

	// ListByGroup returns every JobInfo in a (queueType, groupId)
	// partition, used by cancelByGroupId.
	ListByGroup(ctx context.Context, queueType byte, groupID int64) ([]*qd.JobInfo, error)
}

type gormTable struct {
	db *gorm.DB
}

func NewTable(db *gorm.DB) Table { return &gormTable{db: db} }

const maxIDAllocAttempts = 10

func (t *gormTable) AllocateJobID(ctx context.Context, queueType byte) (int64, error) {
	pk := qd.CounterPartitionKey(queueType)
	rk := qd.CounterRowKey(queueType)

	for attempt := 0; attempt < maxIDAllocAttempts; attempt++ {
		var counter qd.JobIdCounter
		err := t.db.WithContext(ctx).
			Where("partition_key = ? AND row_key = ?", pk, rk).
			First(&counter).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			counter = qd.JobIdCounter{
				Header:    qd.Header{PartitionKey: pk, RowKey: rk, ETag: 1},
				QueueType: queueType,
				NextJobID: 1,
			}
			createErr := t.db.WithContext(ctx).Create(&counter).Error
			if createErr == nil {
				return 1, nil
			}
			if isDuplicateErr(createErr) {
				continue // someone else created it first; retry read+increment
			}
			return 0, apierr.Retriable("table.allocate_job_id", createErr)
		}
		if err != nil {
			return 0, apierr.Retriable("table.allocate_job_id", err)
		}

		allocated := counter.NextJobID
		res := t.db.WithContext(ctx).Model(&qd.JobIdCounter{}).
			Where("partition_key = ? AND row_key = ? AND etag = ?", pk, rk, counter.ETag).
			Updates(map[string]interface{}{
				"next_job_id": counter.NextJobID + 1,
				"etag":        counter.ETag + 1,
			})
		if res.Error != nil {
			return 0, apierr.Retriable("table.allocate_job_id", res.Error)
		}
		if res.RowsAffected == 1 {
			return allocated, nil
		}
		// lost the optimistic-concurrency race; retry
	}
	return 0, apierr.Retriable("table.allocate_job_id", errors.New("exceeded id allocation retry budget"))
}

func (t *gormTable) InsertJobAndLock(ctx context.Context, info *qd.JobInfo, lock *qd.JobLock) error {
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(info).Error; err != nil {
			return err
		}
		if err := tx.Create(lock).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if isDuplicateErr(err) {
			return ErrConflict
		}
		return apierr.Retriable("table.insert_job_and_lock", err)
	}
	return nil
}

func (t *gormTable) GetJobAndLock(ctx context.Context, partitionKey, lockRowKey string) (*qd.JobInfo, *qd.JobLock, error) {
	lock, err := t.GetJobLock(ctx, partitionKey, lockRowKey)
	if err != nil {
		return nil, nil, err
	}
	info, err := t.GetJobInfo(ctx, partitionKey, lock.JobInfoRowKey)
	if err != nil {
		return nil, nil, err
	}
	return info, lock, nil
}

func (t *gormTable) InsertReverseIndex(ctx context.Context, idx *qd.JobReverseIndex) error {
	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(idx).Error
	if err != nil {
		return apierr.Retriable("table.insert_reverse_index", err)
	}
	return nil
}

func (t *gormTable) SetLockMessage(ctx context.Context, lock *qd.JobLock, messageID, popReceipt string) error {
	res := t.db.WithContext(ctx).Model(&qd.JobLock{}).
		Where("partition_key = ? AND row_key = ? AND etag = ?", lock.PartitionKey, lock.RowKey, lock.ETag).
		Updates(map[string]interface{}{
			"message_id":  messageID,
			"pop_receipt": popReceipt,
			"etag":        lock.ETag + 1,
		})
	if res.Error != nil {
		return apierr.Retriable("table.set_lock_message", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (t *gormTable) GetJobInfo(ctx context.Context, partitionKey, rowKey string) (*qd.JobInfo, error) {
	var info qd.JobInfo
	err := t.db.WithContext(ctx).Where("partition_key = ? AND row_key = ?", partitionKey, rowKey).First(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apierr.Retriable("table.get_job_info", err)
	}
	return &info, nil
}

func (t *gormTable) GetJobLock(ctx context.Context, partitionKey, rowKey string) (*qd.JobLock, error) {
	var lock qd.JobLock
	err := t.db.WithContext(ctx).Where("partition_key = ? AND row_key = ?", partitionKey, rowKey).First(&lock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apierr.Retriable("table.get_job_lock", err)
	}
	return &lock, nil
}

func (t *gormTable) GetJobByID(ctx context.Context, queueType byte, id int64) (*qd.JobInfo, error) {
	var idx qd.JobReverseIndex
	pk := qd.ReverseIndexPartitionKey(queueType)
	rk := qd.ReverseIndexRowKey(id)
	err := t.db.WithContext(ctx).Where("partition_key = ? AND row_key = ?", pk, rk).First(&idx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apierr.Retriable("table.get_job_by_id", err)
	}
	return t.GetJobInfo(ctx, idx.JobInfoPartitionKey, idx.JobInfoRowKey)
}

func (t *gormTable) GetJobsByIDs(ctx context.Context, queueType byte, ids []int64) ([]*qd.JobInfo, error) {
	out := make([]*qd.JobInfo, 0, len(ids))
	for _, id := range ids {
		info, err := t.GetJobByID(ctx, queueType, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (t *gormTable) TransitionToRunning(ctx context.Context, info *qd.JobInfo, lock *qd.JobLock, newVersion int64, newPopReceipt string) error {
	now := time.Now().UTC()
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&qd.JobInfo{}).
			Where("partition_key = ? AND row_key = ? AND etag = ?", info.PartitionKey, info.RowKey, info.ETag).
			Updates(map[string]interface{}{
				"status":       qd.StatusRunning,
				"version":      newVersion,
				"heartbeat_at": now,
				"etag":         info.ETag + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		res = tx.Model(&qd.JobLock{}).
			Where("partition_key = ? AND row_key = ? AND etag = ?", lock.PartitionKey, lock.RowKey, lock.ETag).
			Updates(map[string]interface{}{
				"pop_receipt": newPopReceipt,
				"etag":        lock.ETag + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return nil
	})
	if errors.Is(err, ErrConflict) {
		return ErrConflict
	}
	if err != nil {
		return apierr.Retriable("table.transition_to_running", err)
	}
	return nil
}

func (t *gormTable) PersistHeartbeat(ctx context.Context, queueType byte, partitionKey, rowKey string, version int64, result []byte) (bool, error) {
	var info qd.JobInfo
	err := t.db.WithContext(ctx).Where("partition_key = ? AND row_key = ?", partitionKey, rowKey).First(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, apierr.NotExist("table.persist_heartbeat", ErrNotFound)
	}
	if err != nil {
		return false, apierr.Retriable("table.persist_heartbeat", err)
	}
	if info.Version != version {
		return false, apierr.NotExist("table.persist_heartbeat", errors.New("version mismatch: lease lost"))
	}
	res := t.db.WithContext(ctx).Model(&qd.JobInfo{}).
		Where("partition_key = ? AND row_key = ? AND version = ?", partitionKey, rowKey, version).
		Updates(map[string]interface{}{
			"result":       result,
			"heartbeat_at": time.Now().UTC(),
			"etag":         info.ETag + 1,
		})
	if res.Error != nil {
		return false, apierr.Retriable("table.persist_heartbeat", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, apierr.NotExist("table.persist_heartbeat", errors.New("version mismatch: lease lost"))
	}
	return info.CancelRequested, nil
}

func (t *gormTable) CompleteJob(ctx context.Context, queueType byte, partitionKey, rowKey string, version int64, status qd.Status, result []byte) error {
	res := t.db.WithContext(ctx).Model(&qd.JobInfo{}).
		Where("partition_key = ? AND row_key = ? AND version = ?", partitionKey, rowKey, version).
		Updates(map[string]interface{}{
			"status":  status,
			"result":  result,
			"etag":    gorm.Expr("etag + 1"),
		})
	if res.Error != nil {
		return apierr.Retriable("table.complete_job", res.Error)
	}
	if res.RowsAffected == 0 {
		return apierr.NotExist("table.complete_job", errors.New("version mismatch: lease lost"))
	}
	return nil
}

func (t *gormTable) SetCancelRequested(ctx context.Context, partitionKey, rowKey string) error {
	var info qd.JobInfo
	err := t.db.WithContext(ctx).Where("partition_key = ? AND row_key = ?", partitionKey, rowKey).First(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return apierr.Retriable("table.set_cancel_requested", err)
	}
	updates := map[string]interface{}{
		"cancel_requested": true,
		"etag":             gorm.Expr("etag + 1"),
	}
	if info.Status == qd.StatusCreated {
		updates["status"] = qd.StatusCancelled
	}
	err = t.db.WithContext(ctx).Model(&qd.JobInfo{}).
		Where("partition_key = ? AND row_key = ?", partitionKey, rowKey).
		Updates(updates).Error
	if err != nil {
		return apierr.Retriable("table.set_cancel_requested", err)
	}
	return nil
}

func (t *gormTable) ListByGroup(ctx context.Context, queueType byte, groupID int64) ([]*qd.JobInfo, error) {
	pk := qd.PartitionKey(queueType, groupID)
	var rows []*qd.JobInfo
	err := t.db.WithContext(ctx).Where("partition_key = ?", pk).Find(&rows).Error
	if err != nil {
		return nil, apierr.Retriable("table.list_by_group", err)
	}
	return rows, nil
}

func isDuplicateErr(err error) bool {
	if err == nil {
		return false
	}
	// postgres unique_violation / gorm duplicate-key error text; the
	// driver-specific error code check lives at the repo boundary so
	// this package stays independent of the pgx error types.
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505") || strings.Contains(msg, "UNIQUE constraint")
}
