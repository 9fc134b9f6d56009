package queue

import (
	"context"
	"sync"

	qd "github.com/yungbote/fhirqueue/internal/domain/queue"
	"github.com/yungbote/fhirqueue/internal/platform/apierr"
)

// memTable is an in-process Table used by unit tests that exercise
// Client logic without a Postgres instance. It enforces the same
// ETag-guarded semantics as gormTable so Client's behaviour under the
// fake matches its behaviour against the real table.
type memTable struct {
	mu       sync.Mutex
	infos    map[string]*qd.JobInfo
	locks    map[string]*qd.JobLock
	indexes  map[string]*qd.JobReverseIndex
	counters map[byte]*qd.JobIdCounter
}

func NewMemTable() Table {
	return &memTable{
		infos:    map[string]*qd.JobInfo{},
		locks:    map[string]*qd.JobLock{},
		indexes:  map[string]*qd.JobReverseIndex{},
		counters: map[byte]*qd.JobIdCounter{},
	}
}

func rowID(partitionKey, rowKey string) string { return partitionKey + "\x00" + rowKey }

func (m *memTable) AllocateJobID(_ context.Context, queueType byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[queueType]
	if !ok {
		c = &qd.JobIdCounter{QueueType: queueType, NextJobID: 1}
		m.counters[queueType] = c
	}
	id := c.NextJobID
	c.NextJobID++
	return id, nil
}

func (m *memTable) InsertJobAndLock(_ context.Context, info *qd.JobInfo, lock *qd.JobLock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk := rowID(lock.PartitionKey, lock.RowKey)
	if _, exists := m.locks[lk]; exists {
		return ErrConflict
	}
	infoCopy := *info
	lockCopy := *lock
	m.infos[rowID(info.PartitionKey, info.RowKey)] = &infoCopy
	m.locks[lk] = &lockCopy
	return nil
}

func (m *memTable) GetJobAndLock(_ context.Context, partitionKey, lockRowKey string) (*qd.JobInfo, *qd.JobLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[rowID(partitionKey, lockRowKey)]
	if !ok {
		return nil, nil, ErrNotFound
	}
	info, ok := m.infos[rowID(partitionKey, lock.JobInfoRowKey)]
	if !ok {
		return nil, nil, ErrNotFound
	}
	infoCopy := *info
	lockCopy := *lock
	return &infoCopy, &lockCopy, nil
}

func (m *memTable) InsertReverseIndex(_ context.Context, idx *qd.JobReverseIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rowID(idx.PartitionKey, idx.RowKey)
	if _, exists := m.indexes[key]; exists {
		return nil
	}
	idxCopy := *idx
	m.indexes[key] = &idxCopy
	return nil
}

func (m *memTable) SetLockMessage(_ context.Context, lock *qd.JobLock, messageID, popReceipt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.locks[rowID(lock.PartitionKey, lock.RowKey)]
	if !ok {
		return ErrNotFound
	}
	stored.MessageID = messageID
	stored.PopReceipt = popReceipt
	stored.ETag++
	return nil
}

func (m *memTable) GetJobInfo(_ context.Context, partitionKey, rowKey string) (*qd.JobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.infos[rowID(partitionKey, rowKey)]
	if !ok {
		return nil, ErrNotFound
	}
	infoCopy := *info
	return &infoCopy, nil
}

func (m *memTable) GetJobLock(_ context.Context, partitionKey, rowKey string) (*qd.JobLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[rowID(partitionKey, rowKey)]
	if !ok {
		return nil, ErrNotFound
	}
	lockCopy := *lock
	return &lockCopy, nil
}

func (m *memTable) GetJobByID(_ context.Context, queueType byte, id int64) (*qd.JobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[rowID(qd.ReverseIndexPartitionKey(queueType), qd.ReverseIndexRowKey(id))]
	if !ok {
		return nil, ErrNotFound
	}
	info, ok := m.infos[rowID(idx.JobInfoPartitionKey, idx.JobInfoRowKey)]
	if !ok {
		return nil, ErrNotFound
	}
	infoCopy := *info
	return &infoCopy, nil
}

func (m *memTable) GetJobsByIDs(ctx context.Context, queueType byte, ids []int64) ([]*qd.JobInfo, error) {
	out := make([]*qd.JobInfo, 0, len(ids))
	for _, id := range ids {
		info, err := m.GetJobByID(ctx, queueType, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (m *memTable) TransitionToRunning(_ context.Context, info *qd.JobInfo, lock *qd.JobLock, newVersion int64, newPopReceipt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.infos[rowID(info.PartitionKey, info.RowKey)]
	if !ok || stored.ETag != info.ETag {
		return ErrConflict
	}
	storedLock, ok := m.locks[rowID(lock.PartitionKey, lock.RowKey)]
	if !ok || storedLock.ETag != lock.ETag {
		return ErrConflict
	}
	stored.Status = qd.StatusRunning
	stored.Version = newVersion
	stored.ETag++
	storedLock.PopReceipt = newPopReceipt
	storedLock.ETag++
	return nil
}

func (m *memTable) PersistHeartbeat(_ context.Context, _ byte, partitionKey, rowKey string, version int64, result []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.infos[rowID(partitionKey, rowKey)]
	if !ok {
		return false, apierr.NotExist("memtable.persist_heartbeat", ErrNotFound)
	}
	if stored.Version != version {
		return false, apierr.NotExist("memtable.persist_heartbeat", ErrConflict)
	}
	stored.Result = result
	stored.ETag++
	return stored.CancelRequested, nil
}

func (m *memTable) CompleteJob(_ context.Context, _ byte, partitionKey, rowKey string, version int64, status qd.Status, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.infos[rowID(partitionKey, rowKey)]
	if !ok {
		return apierr.NotExist("memtable.complete_job", ErrNotFound)
	}
	if stored.Version != version {
		return apierr.NotExist("memtable.complete_job", ErrConflict)
	}
	stored.Status = status
	stored.Result = result
	stored.ETag++
	return nil
}

func (m *memTable) SetCancelRequested(_ context.Context, partitionKey, rowKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.infos[rowID(partitionKey, rowKey)]
	if !ok {
		return ErrNotFound
	}
	stored.CancelRequested = true
	if stored.Status == qd.StatusCreated {
		stored.Status = qd.StatusCancelled
	}
	stored.ETag++
	return nil
}

func (m *memTable) ListByGroup(_ context.Context, queueType byte, groupID int64) ([]*qd.JobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk := qd.PartitionKey(queueType, groupID)
	var out []*qd.JobInfo
	for _, info := range m.infos {
		if info.PartitionKey == pk {
			infoCopy := *info
			out = append(out, &infoCopy)
		}
	}
	return out, nil
}
