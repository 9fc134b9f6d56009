// Package queue holds the wire/storage shapes of the durable job queue
// (spec C2): JobInfo is the canonical job record, JobLock makes enqueue
// idempotent, JobReverseIndex gives O(1) lookup by id, and JobIdCounter
// allocates monotone ids. Each row shares a common header
// (PartitionKey, RowKey, ETag) but is a distinct Go type per the row
// shape it represents -- the shape is always known from the lookup
// path, never inferred from the row's contents.
package queue

import "time"

type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further status transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Header is embedded by every row type. PartitionKey/RowKey form the
// table's composite primary key; ETag is the optimistic-concurrency
// token bumped on every write and checked with a WHERE clause, the way
// a key-value table's conditional-update primitive works.
type Header struct {
	PartitionKey string `gorm:"column:partition_key;primaryKey" json:"partitionKey"`
	RowKey       string `gorm:"column:row_key;primaryKey" json:"rowKey"`
	ETag         int64  `gorm:"column:etag;not null;default:0" json:"etag"`
	Timestamp    time.Time `gorm:"column:ts;not null;autoUpdateTime" json:"timestamp"`
}

// JobInfo is the canonical record of a job. id is monotone and unique
// per QueueType; Version strictly increases across dequeues of the same
// id and linearises lease ownership (see Client.Dequeue/KeepAlive).
type JobInfo struct {
	Header

	QueueType byte   `gorm:"column:queue_type;not null;index:idx_jobinfo_queuetype_id,priority:1" json:"queueType"`
	ID        int64  `gorm:"column:id;not null;index:idx_jobinfo_queuetype_id,priority:2" json:"id"`
	GroupID   int64  `gorm:"column:group_id;not null;index" json:"groupId"`
	Status    Status `gorm:"column:status;not null;index" json:"status"`

	Definition []byte `gorm:"column:definition" json:"definition"`
	Result     []byte `gorm:"column:result" json:"result"`

	CancelRequested bool `gorm:"column:cancel_requested;not null;default:false" json:"cancelRequested"`

	CreateDate          time.Time `gorm:"column:create_date;not null" json:"createDate"`
	HeartbeatDateTime    time.Time `gorm:"column:heartbeat_at;not null" json:"heartbeatDateTime"`
	HeartbeatTimeoutSec int       `gorm:"column:heartbeat_timeout_sec;not null" json:"heartbeatTimeoutSec"`

	// Version is the lease tick: set to now-in-ticks on every successful
	// dequeue. A worker whose in-memory Version no longer matches the
	// stored value must abandon the job (see spec Sec.5).
	Version int64 `gorm:"column:version;not null;default:0" json:"version"`
}

func (JobInfo) TableName() string { return "queue_job_info" }

// JobLock is the sibling entity that makes enqueue idempotent: at most
// one JobLock exists per (queueType, groupId, hash(definition)).
type JobLock struct {
	Header

	QueueType     byte   `gorm:"column:queue_type;not null;index" json:"queueType"`
	GroupID       int64  `gorm:"column:group_id;not null;index" json:"groupId"`
	JobInfoRowKey string `gorm:"column:job_info_row_key;not null" json:"jobInfoRowKey"`
	MessageID     string `gorm:"column:message_id" json:"messageId"`
	PopReceipt    string `gorm:"column:pop_receipt" json:"popReceipt"`
}

func (JobLock) TableName() string { return "queue_job_lock" }

// JobReverseIndex partitions by (queueType, "idx") and points back to
// the JobInfo row, giving O(1) lookup by id without a groupId.
type JobReverseIndex struct {
	Header

	QueueType           byte   `gorm:"column:queue_type;not null;index" json:"queueType"`
	ID                   int64  `gorm:"column:id;not null" json:"id"`
	JobInfoPartitionKey string `gorm:"column:job_info_partition_key;not null" json:"jobInfoPartitionKey"`
	JobInfoRowKey        string `gorm:"column:job_info_row_key;not null" json:"jobInfoRowKey"`
}

func (JobReverseIndex) TableName() string { return "queue_job_reverse_index" }

// JobIdCounter is a singleton row per queueType advanced under
// optimistic concurrency to allocate the next monotone job id.
type JobIdCounter struct {
	Header

	QueueType  byte  `gorm:"column:queue_type;not null;uniqueIndex" json:"queueType"`
	NextJobID int64 `gorm:"column:next_job_id;not null;default:1" json:"nextJobId"`
}

func (JobIdCounter) TableName() string { return "queue_job_id_counter" }

// MessageBody is the JSON payload carried by the visibility-timeout
// queue. It is a pointer into the table; it is never authoritative.
type MessageBody struct {
	PartitionKey string `json:"pk"`
	RowKey       string `json:"rk"`
	LockRowKey   string `json:"lockrk"`
}
