package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	qd "github.com/yungbote/fhirqueue/internal/domain/queue"
	"github.com/yungbote/fhirqueue/internal/platform/apierr"
)

// ErrMessageGone is returned by Renew/Delete when the popReceipt no
// longer matches what's stored -- the visibility timeout already
// expired and another dequeue claimed the message, or it was already
// deleted. It is not a bug; the caller abandons the lease.
var ErrMessageGone = errors.New("visqueue: message gone or popReceipt stale")

// VisibilityQueue is the message-queue half of the durable queue (spec
// C2): a message is a pointer into Table, never authoritative on its
// own. Popping a message makes it invisible for a caller-chosen
// duration; Renew extends that window; Delete removes it for good.
type VisibilityQueue interface {
	// Enqueue makes body visible immediately and returns its messageId.
	Enqueue(ctx context.Context, queueType byte, body qd.MessageBody) (messageID string, err error)

	// Pop claims one currently-visible message, if any, hiding it for
	// visibilityTimeout and returning a fresh popReceipt. Returns
	// (nil, "", "", nil) when the queue has nothing visible right now.
	Pop(ctx context.Context, queueType byte, visibilityTimeout time.Duration) (body *qd.MessageBody, messageID, popReceipt string, err error)

	// Renew extends the invisibility window for messageID, provided
	// popReceipt is still current.
	Renew(ctx context.Context, queueType byte, messageID, popReceipt string, visibilityTimeout time.Duration) (newPopReceipt string, err error)

	// Delete removes messageID for good, provided popReceipt is still
	// current.
	Delete(ctx context.Context, queueType byte, messageID, popReceipt string) error
}

type redisVisibilityQueue struct {
	rdb *redis.Client

	popScript    *redis.Script
	renewScript  *redis.Script
	deleteScript *redis.Script
}

func NewRedisVisibilityQueue(rdb *redis.Client) VisibilityQueue {
	return &redisVisibilityQueue{
		rdb:          rdb,
		popScript:    redis.NewScript(popLuaScript),
		renewScript:  redis.NewScript(renewLuaScript),
		deleteScript: redis.NewScript(deleteLuaScript),
	}
}

func visKey(queueType byte) string  { return fmt.Sprintf("queue:vis:%d", queueType) }
func bodyKey(queueType byte) string { return fmt.Sprintf("queue:body:%d", queueType) }

type storedMessage struct {
	Body       qd.MessageBody `json:"body"`
	PopReceipt string         `json:"popReceipt"`
}

func (q *redisVisibilityQueue) Enqueue(ctx context.Context, queueType byte, body qd.MessageBody) (string, error) {
	messageID := uuid.NewString()
	stored := storedMessage{Body: body, PopReceipt: ""}
	raw, err := json.Marshal(stored)
	if err != nil {
		return "", apierr.Fatal("visqueue.enqueue", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, bodyKey(queueType), messageID, raw)
	pipe.ZAdd(ctx, visKey(queueType), redis.Z{Score: float64(time.Now().UTC().UnixNano()), Member: messageID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", apierr.Retriable("visqueue.enqueue", err)
	}
	return messageID, nil
}

// popLuaScript atomically picks the lowest-scored member with
// score <= now, re-scores it to now+timeoutNanos, stamps a fresh
// popReceipt on its body hash entry, and returns [messageId, body].
// Using a script keeps "pick + hide" atomic across concurrent workers
// without a distributed lock.
const popLuaScript = `
local visKey = KEYS[1]
local bodyKey = KEYS[2]
local now = tonumber(ARGV[1])
local newScore = tonumber(ARGV[2])
local popReceipt = ARGV[3]

local members = redis.call('ZRANGEBYSCORE', visKey, '-inf', now, 'LIMIT', 0, 1)
if #members == 0 then
  return false
end
local id = members[1]
local raw = redis.call('HGET', bodyKey, id)
if not raw then
  redis.call('ZREM', visKey, id)
  return false
end
redis.call('ZADD', visKey, newScore, id)
local decoded = cjson.decode(raw)
decoded['popReceipt'] = popReceipt
redis.call('HSET', bodyKey, id, cjson.encode(decoded))
return {id, cjson.encode(decoded['body'])}
`

// renewLuaScript extends the invisibility window only if popReceipt
// still matches what's stored.
const renewLuaScript = `
local visKey = KEYS[1]
local bodyKey = KEYS[2]
local id = ARGV[1]
local popReceipt = ARGV[2]
local newScore = tonumber(ARGV[3])
local newPopReceipt = ARGV[4]

local raw = redis.call('HGET', bodyKey, id)
if not raw then
  return false
end
local decoded = cjson.decode(raw)
if decoded['popReceipt'] ~= popReceipt then
  return false
end
decoded['popReceipt'] = newPopReceipt
redis.call('HSET', bodyKey, id, cjson.encode(decoded))
redis.call('ZADD', visKey, newScore, id)
return true
`

// deleteLuaScript removes a message only if popReceipt still matches.
const deleteLuaScript = `
local visKey = KEYS[1]
local bodyKey = KEYS[2]
local id = ARGV[1]
local popReceipt = ARGV[2]

local raw = redis.call('HGET', bodyKey, id)
if not raw then
  return false
end
local decoded = cjson.decode(raw)
if decoded['popReceipt'] ~= popReceipt then
  return false
end
redis.call('HDEL', bodyKey, id)
redis.call('ZREM', visKey, id)
return true
`

func (q *redisVisibilityQueue) Pop(ctx context.Context, queueType byte, visibilityTimeout time.Duration) (*qd.MessageBody, string, string, error) {
	now := time.Now().UTC()
	newScore := float64(now.Add(visibilityTimeout).UnixNano())
	popReceipt := uuid.NewString()

	res, err := q.popScript.Run(ctx, q.rdb, []string{visKey(queueType), bodyKey(queueType)},
		float64(now.UnixNano()), newScore, popReceipt).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", "", nil
	}
	if err != nil {
		return nil, "", "", apierr.Retriable("visqueue.pop", err)
	}
	slice, ok := res.([]interface{})
	if !ok || len(slice) != 2 {
		return nil, "", "", nil
	}
	messageID, _ := slice[0].(string)
	bodyJSON, _ := slice[1].(string)
	var body qd.MessageBody
	if err := json.Unmarshal([]byte(bodyJSON), &body); err != nil {
		return nil, "", "", apierr.Fatal("visqueue.pop", err)
	}
	return &body, messageID, popReceipt, nil
}

func (q *redisVisibilityQueue) Renew(ctx context.Context, queueType byte, messageID, popReceipt string, visibilityTimeout time.Duration) (string, error) {
	newPopReceipt := uuid.NewString()
	newScore := float64(time.Now().UTC().Add(visibilityTimeout).UnixNano())

	res, err := q.renewScript.Run(ctx, q.rdb, []string{visKey(queueType), bodyKey(queueType)},
		messageID, popReceipt, newScore, newPopReceipt).Result()
	if errors.Is(err, redis.Nil) {
		return "", apierr.NotExist("visqueue.renew", ErrMessageGone)
	}
	if err != nil {
		return "", apierr.Retriable("visqueue.renew", err)
	}
	if ok, _ := res.(int64); ok == 0 {
		return "", apierr.NotExist("visqueue.renew", ErrMessageGone)
	}
	return newPopReceipt, nil
}

func (q *redisVisibilityQueue) Delete(ctx context.Context, queueType byte, messageID, popReceipt string) error {
	res, err := q.deleteScript.Run(ctx, q.rdb, []string{visKey(queueType), bodyKey(queueType)},
		messageID, popReceipt).Result()
	if errors.Is(err, redis.Nil) {
		return apierr.NotExist("visqueue.delete", ErrMessageGone)
	}
	if err != nil {
		return apierr.Retriable("visqueue.delete", err)
	}
	if ok, _ := res.(int64); ok == 0 {
		return apierr.NotExist("visqueue.delete", ErrMessageGone)
	}
	return nil
}
