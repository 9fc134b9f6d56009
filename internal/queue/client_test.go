package queue

import (
	"context"
	"testing"
	"time"

	qd "github.com/yungbote/fhirqueue/internal/domain/queue"
	"github.com/yungbote/fhirqueue/internal/platform/apierr"
)

func newTestClient() *Client {
	return NewClient(NewMemTable(), NewMemVisibilityQueue(), 30*time.Second)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	c := newTestClient()
	ctx := context.Background()

	id1, deduped1, err := c.Enqueue(ctx, 1, 100, []byte(`{"a":1}`), 60)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if deduped1 {
		t.Fatalf("first enqueue should not be deduped")
	}

	id2, deduped2, err := c.Enqueue(ctx, 1, 100, []byte(`{"a":1}`), 60)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if !deduped2 {
		t.Fatalf("repeated enqueue of same definition should be deduped")
	}
	if id1 != id2 {
		t.Fatalf("deduped enqueue returned different id: %d != %d", id1, id2)
	}

	id3, _, err := c.Enqueue(ctx, 1, 100, []byte(`{"a":2}`), 60)
	if err != nil {
		t.Fatalf("enqueue distinct definition: %v", err)
	}
	if id3 == id1 {
		t.Fatalf("distinct definitions should not share an id")
	}
}

func TestEnqueueRejectsOversizedDefinition(t *testing.T) {
	c := newTestClient()
	big := make([]byte, MaxDefinitionBytes+1)
	_, _, err := c.Enqueue(context.Background(), 1, 1, big, 60)
	if !apierr.IsKind(err, apierr.KindEntityTooLarge) {
		t.Fatalf("expected KindEntityTooLarge, got %v", err)
	}
}

func TestDequeueKeepAliveComplete(t *testing.T) {
	c := newTestClient()
	ctx := context.Background()

	id, _, err := c.Enqueue(ctx, 1, 1, []byte("work"), 60)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := c.Dequeue(ctx, 1)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if job == nil {
		t.Fatalf("expected a job, got nil")
	}
	if job.ID != id {
		t.Fatalf("dequeued wrong job: got %d want %d", job.ID, id)
	}

	// nothing else visible until this one's lease expires
	again, err := c.Dequeue(ctx, 1)
	if err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if again != nil {
		t.Fatalf("expected no job visible, got %+v", again)
	}

	cancelRequested, err := c.KeepAlive(ctx, job, []byte(`{"progress":50}`))
	if err != nil {
		t.Fatalf("keep alive: %v", err)
	}
	if cancelRequested {
		t.Fatalf("cancel was not requested")
	}

	if err := c.Complete(ctx, job, qd.StatusCompleted, []byte(`{"progress":100}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	info, err := c.GetJob(ctx, 1, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if info.Status != qd.StatusCompleted {
		t.Fatalf("expected completed status, got %s", info.Status)
	}
}

func TestKeepAliveAfterLeaseLostReturnsNotExist(t *testing.T) {
	c := newTestClient()
	ctx := context.Background()

	_, _, err := c.Enqueue(ctx, 1, 1, []byte("work"), 60)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := c.Dequeue(ctx, 1)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// simulate another host completing the job out from under us
	if err := c.Complete(ctx, job, qd.StatusCompleted, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	staleJob := *job
	if _, err := c.KeepAlive(ctx, &staleJob, nil); !apierr.IsNotExist(err) {
		t.Fatalf("expected KindNotExist after lease lost, got %v", err)
	}
}

func TestCancelByGroupIdCancelsCreatedJobsImmediately(t *testing.T) {
	c := newTestClient()
	ctx := context.Background()

	id, _, err := c.Enqueue(ctx, 2, 42, []byte("work"), 60)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := c.CancelByGroupId(ctx, 2, 42); err != nil {
		t.Fatalf("cancel by group: %v", err)
	}

	info, err := c.GetJob(ctx, 2, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if info.Status != qd.StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", info.Status)
	}
}

func TestCancelByIdFlagsRunningJobForCooperativeStop(t *testing.T) {
	c := newTestClient()
	ctx := context.Background()

	id, _, err := c.Enqueue(ctx, 3, 1, []byte("work"), 60)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := c.Dequeue(ctx, 3)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	if err := c.CancelById(ctx, 3, id); err != nil {
		t.Fatalf("cancel by id: %v", err)
	}

	cancelRequested, err := c.KeepAlive(ctx, job, nil)
	if err != nil {
		t.Fatalf("keep alive: %v", err)
	}
	if !cancelRequested {
		t.Fatalf("expected cancelRequested to surface on next heartbeat")
	}
}
