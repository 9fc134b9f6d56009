package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	idxRowKeyPrefix = "idx"
	lockRowPrefix   = "lock:"
)

// PartitionKey returns the (queueType, groupId) partition shared by a
// JobInfo row and its sibling JobLock.
func PartitionKey(queueType byte, groupID int64) string {
	return fmt.Sprintf("%d:%020d", queueType, groupID)
}

// ReverseIndexPartitionKey returns the fixed (queueType, "idx")
// partition used to look up a job by id without knowing its groupId.
func ReverseIndexPartitionKey(queueType byte) string {
	return fmt.Sprintf("%d:%s", queueType, idxRowKeyPrefix)
}

// CounterPartitionKey and CounterRowKey locate the singleton
// JobIdCounter row for a queueType.
func CounterPartitionKey(queueType byte) string { return fmt.Sprintf("%d:counter", queueType) }
func CounterRowKey(queueType byte) string        { return "counter" }

// JobInfoRowKey encodes groupId and id in fixed-width zero-padded
// decimal so that lexicographic and numeric ordering coincide.
func JobInfoRowKey(groupID, id int64) string {
	return fmt.Sprintf("%020d:%020d", groupID, id)
}

// LockRowKey is 'lock:' + hex(sha256(definition)), giving at most one
// JobLock per (queueType, groupId, definition) triple.
func LockRowKey(definition []byte) string {
	sum := sha256.Sum256(definition)
	return lockRowPrefix + hex.EncodeToString(sum[:])
}

// ReverseIndexRowKey is the id, zero-padded to 20 digits.
func ReverseIndexRowKey(id int64) string {
	return fmt.Sprintf("%020d", id)
}
