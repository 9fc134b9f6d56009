package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	qd "github.com/yungbote/fhirqueue/internal/domain/queue"
	"github.com/yungbote/fhirqueue/internal/platform/apierr"
)

type memVisEntry struct {
	body       qd.MessageBody
	visibleAt  time.Time
	popReceipt string
}

// memVisibilityQueue is an in-process VisibilityQueue for unit tests.
// It mirrors redisVisibilityQueue's pop/renew/delete semantics without
// a Redis instance.
type memVisibilityQueue struct {
	mu      sync.Mutex
	byQueue map[byte]map[string]*memVisEntry
}

func NewMemVisibilityQueue() VisibilityQueue {
	return &memVisibilityQueue{byQueue: map[byte]map[string]*memVisEntry{}}
}

func (q *memVisibilityQueue) queueFor(queueType byte) map[string]*memVisEntry {
	m, ok := q.byQueue[queueType]
	if !ok {
		m = map[string]*memVisEntry{}
		q.byQueue[queueType] = m
	}
	return m
}

func (q *memVisibilityQueue) Enqueue(_ context.Context, queueType byte, body qd.MessageBody) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := uuid.NewString()
	q.queueFor(queueType)[id] = &memVisEntry{body: body, visibleAt: time.Now().UTC()}
	return id, nil
}

func (q *memVisibilityQueue) Pop(_ context.Context, queueType byte, visibilityTimeout time.Duration) (*qd.MessageBody, string, string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	var bestID string
	var best *memVisEntry
	for id, entry := range q.queueFor(queueType) {
		if entry.visibleAt.After(now) {
			continue
		}
		if best == nil || entry.visibleAt.Before(best.visibleAt) {
			bestID, best = id, entry
		}
	}
	if best == nil {
		return nil, "", "", nil
	}
	best.popReceipt = uuid.NewString()
	best.visibleAt = now.Add(visibilityTimeout)
	body := best.body
	return &body, bestID, best.popReceipt, nil
}

func (q *memVisibilityQueue) Renew(_ context.Context, queueType byte, messageID, popReceipt string, visibilityTimeout time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.queueFor(queueType)[messageID]
	if !ok || entry.popReceipt != popReceipt {
		return "", apierr.NotExist("memvisqueue.renew", ErrMessageGone)
	}
	entry.popReceipt = uuid.NewString()
	entry.visibleAt = time.Now().UTC().Add(visibilityTimeout)
	return entry.popReceipt, nil
}

func (q *memVisibilityQueue) Delete(_ context.Context, queueType byte, messageID, popReceipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.queueFor(queueType)[messageID]
	if !ok || entry.popReceipt != popReceipt {
		return apierr.NotExist("memvisqueue.delete", ErrMessageGone)
	}
	delete(q.queueFor(queueType), messageID)
	return nil
}
