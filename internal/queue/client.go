package queue

import (
	"context"
	"errors"
	"time"

	qd "github.com/yungbote/fhirqueue/internal/domain/queue"
	"github.com/yungbote/fhirqueue/internal/platform/apierr"
)

// Property/entity size limits mirror a generic key-value table's
// per-property ceiling (spec Sec.7): a caller that exceeds these gets
// a fatal, non-retriable error back rather than a silently truncated
// row.
const (
	MaxDefinitionBytes = 64 * 1024
	MaxResultBytes      = 64 * 1024
)

// Job is what Dequeue hands back: enough to run the handler and later
// call KeepAlive/Complete against the same lease.
type Job struct {
	QueueType  byte
	ID         int64
	GroupID    int64
	Definition []byte

	// PriorResult is whatever the last KeepAlive/dequeue attempt had
	// persisted before this lease -- nil on a job's first attempt, the
	// last staged progress on a re-lease after a crash or retriable
	// failure. Handlers resume from it instead of starting over.
	PriorResult []byte

	PartitionKey string
	RowKey       string

	Version             int64
	HeartbeatTimeoutSec int

	messageID  string
	popReceipt string
}

// Client is the durable job queue (spec Sec 4.1): Enqueue is
// idempotent per (queueType, groupId, definition); Dequeue hands out
// at-least-once leases; KeepAlive/Complete/Cancel* close the loop.
type Client struct {
	table Table
	visq  VisibilityQueue

	defaultVisibilityTimeout time.Duration
}

func NewClient(table Table, visq VisibilityQueue, defaultVisibilityTimeout time.Duration) *Client {
	return &Client{table: table, visq: visq, defaultVisibilityTimeout: defaultVisibilityTimeout}
}

// Enqueue inserts a new job, or -- if a job with the same definition
// already exists in this (queueType, groupId) partition -- returns the
// existing job's id with deduped=true. Safe to call concurrently from
// multiple writers for the same definition.
func (c *Client) Enqueue(ctx context.Context, queueType byte, groupID int64, definition []byte, heartbeatTimeoutSec int) (id int64, deduped bool, err error) {
	if len(definition) > MaxDefinitionBytes {
		return 0, false, apierr.EntityTooLarge("queue.enqueue", errors.New("definition exceeds max size"))
	}

	pk := qd.PartitionKey(queueType, groupID)
	lockRowKey := qd.LockRowKey(definition)

	if existing, _, err := c.table.GetJobAndLock(ctx, pk, lockRowKey); err == nil {
		return existing.ID, true, nil
	} else if !errors.Is(err, ErrNotFound) {
		return 0, false, err
	}

	newID, err := c.table.AllocateJobID(ctx, queueType)
	if err != nil {
		return 0, false, err
	}

	rowKey := qd.JobInfoRowKey(groupID, newID)
	now := time.Now().UTC()
	info := &qd.JobInfo{
		Header:              qd.Header{PartitionKey: pk, RowKey: rowKey, ETag: 1},
		QueueType:           queueType,
		ID:                  newID,
		GroupID:             groupID,
		Status:              qd.StatusCreated,
		Definition:          definition,
		CreateDate:          now,
		HeartbeatDateTime:   now,
		HeartbeatTimeoutSec: heartbeatTimeoutSec,
		Version:             0,
	}
	lock := &qd.JobLock{
		Header:        qd.Header{PartitionKey: pk, RowKey: lockRowKey, ETag: 1},
		QueueType:     queueType,
		GroupID:       groupID,
		JobInfoRowKey: rowKey,
	}

	if err := c.table.InsertJobAndLock(ctx, info, lock); err != nil {
		if errors.Is(err, ErrConflict) {
			// another enqueuer won the race on the same definition
			existing, _, getErr := c.table.GetJobAndLock(ctx, pk, lockRowKey)
			if getErr != nil {
				return 0, false, getErr
			}
			return existing.ID, true, nil
		}
		return 0, false, err
	}

	idx := &qd.JobReverseIndex{
		Header:              qd.Header{PartitionKey: qd.ReverseIndexPartitionKey(queueType), RowKey: qd.ReverseIndexRowKey(newID), ETag: 1},
		QueueType:           queueType,
		ID:                  newID,
		JobInfoPartitionKey: pk,
		JobInfoRowKey:       rowKey,
	}
	if err := c.table.InsertReverseIndex(ctx, idx); err != nil {
		return 0, false, err
	}

	messageID, err := c.visq.Enqueue(ctx, queueType, qd.MessageBody{PartitionKey: pk, RowKey: rowKey, LockRowKey: lockRowKey})
	if err != nil {
		return 0, false, err
	}
	if err := c.table.SetLockMessage(ctx, lock, messageID, ""); err != nil && !errors.Is(err, ErrConflict) {
		return 0, false, err
	}

	return newID, false, nil
}

// Dequeue claims the next visible job, if any. Returns (nil, nil) when
// nothing is currently visible -- not an error, the caller polls
// again. A message whose JobInfo is already terminal or whose lease
// was raced away is silently dropped and (nil, nil) is returned so the
// caller's poll loop just tries again.
func (c *Client) Dequeue(ctx context.Context, queueType byte) (*Job, error) {
	body, messageID, popReceipt, err := c.visq.Pop(ctx, queueType, c.defaultVisibilityTimeout)
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	info, err := c.table.GetJobInfo(ctx, body.PartitionKey, body.RowKey)
	if errors.Is(err, ErrNotFound) {
		_ = c.visq.Delete(ctx, queueType, messageID, popReceipt)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if info.Status.IsTerminal() {
		_ = c.visq.Delete(ctx, queueType, messageID, popReceipt)
		return nil, nil
	}
	if info.CancelRequested && info.Status == qd.StatusCreated {
		_ = c.visq.Delete(ctx, queueType, messageID, popReceipt)
		return nil, nil
	}

	lock, err := c.table.GetJobLock(ctx, body.PartitionKey, body.LockRowKey)
	if err != nil {
		return nil, err
	}

	newVersion := time.Now().UTC().UnixNano()
	if err := c.table.TransitionToRunning(ctx, info, lock, newVersion, popReceipt); err != nil {
		if errors.Is(err, ErrConflict) {
			_ = c.visq.Delete(ctx, queueType, messageID, popReceipt)
			return nil, nil
		}
		return nil, err
	}

	return &Job{
		QueueType:           queueType,
		ID:                  info.ID,
		GroupID:             info.GroupID,
		Definition:          info.Definition,
		PriorResult:         info.Result,
		PartitionKey:        info.PartitionKey,
		RowKey:              info.RowKey,
		Version:             newVersion,
		HeartbeatTimeoutSec: info.HeartbeatTimeoutSec,
		messageID:           messageID,
		popReceipt:          popReceipt,
	}, nil
}

// KeepAlive persists partial progress and extends the lease. Returns
// cancelRequested so the caller's handler can cooperatively stop; a
// KindNotExist error means the lease was lost (another host already
// re-leased the job) and the caller must abandon work silently.
func (c *Client) KeepAlive(ctx context.Context, job *Job, result []byte) (cancelRequested bool, err error) {
	if len(result) > MaxResultBytes {
		return false, apierr.PropertyTooLarge("queue.keep_alive", errors.New("result exceeds max size"))
	}

	cancelRequested, err = c.table.PersistHeartbeat(ctx, job.QueueType, job.PartitionKey, job.RowKey, job.Version, result)
	if err != nil {
		return false, err
	}

	visTimeout := time.Duration(job.HeartbeatTimeoutSec) * time.Second
	if visTimeout <= 0 {
		visTimeout = c.defaultVisibilityTimeout
	}
	newPopReceipt, err := c.visq.Renew(ctx, job.QueueType, job.messageID, job.popReceipt, visTimeout)
	if err != nil {
		return cancelRequested, err
	}
	job.popReceipt = newPopReceipt
	return cancelRequested, nil
}

// Complete writes the terminal status+result and removes the message
// for good. status must be a terminal Status.
func (c *Client) Complete(ctx context.Context, job *Job, status qd.Status, result []byte) error {
	if !status.IsTerminal() {
		return apierr.Fatal("queue.complete", errors.New("status is not terminal"))
	}
	if len(result) > MaxResultBytes {
		return apierr.PropertyTooLarge("queue.complete", errors.New("result exceeds max size"))
	}
	if err := c.table.CompleteJob(ctx, job.QueueType, job.PartitionKey, job.RowKey, job.Version, status, result); err != nil {
		return err
	}
	if err := c.visq.Delete(ctx, job.QueueType, job.messageID, job.popReceipt); err != nil && !apierr.IsNotExist(err) {
		// the message may have already expired/been reclaimed; that's
		// fine, the table write above is what's authoritative.
		return err
	}
	return nil
}

// CancelByGroupId cooperatively cancels every non-terminal job in a
// group: jobs still Created are moved straight to Cancelled, running
// jobs are flagged and observe it on their next KeepAlive.
func (c *Client) CancelByGroupId(ctx context.Context, queueType byte, groupID int64) error {
	rows, err := c.table.ListByGroup(ctx, queueType, groupID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Status.IsTerminal() {
			continue
		}
		if err := c.table.SetCancelRequested(ctx, row.PartitionKey, row.RowKey); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// CancelById cooperatively cancels a single job by id.
func (c *Client) CancelById(ctx context.Context, queueType byte, id int64) error {
	info, err := c.table.GetJobByID(ctx, queueType, id)
	if err != nil {
		return err
	}
	if info.Status.IsTerminal() {
		return nil
	}
	return c.table.SetCancelRequested(ctx, info.PartitionKey, info.RowKey)
}

// GetJob fetches a job's current state by id, used by pollers and the
// control-plane API.
func (c *Client) GetJob(ctx context.Context, queueType byte, id int64) (*qd.JobInfo, error) {
	return c.table.GetJobByID(ctx, queueType, id)
}

// GetJobs batch-fetches jobs by id, used by the orchestrator to poll
// child job completions without one round trip per child.
func (c *Client) GetJobs(ctx context.Context, queueType byte, ids []int64) ([]*qd.JobInfo, error) {
	return c.table.GetJobsByIDs(ctx, queueType, ids)
}
