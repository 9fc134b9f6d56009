// Package jobhost is the generic worker loop (spec C3): dequeue,
// invoke the handler registered for the job's queueType, renew the
// lease on a heartbeat cadence, and complete or leave the job running
// depending on the error kind the handler returns. Grounded in the
// teacher's worker loop (ticker-driven dequeue, panic recovery via
// deferred recover calling Fail).
package jobhost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	qd "github.com/yungbote/fhirqueue/internal/domain/queue"
	"github.com/yungbote/fhirqueue/internal/platform/apierr"
	"github.com/yungbote/fhirqueue/internal/platform/logger"
	"github.com/yungbote/fhirqueue/internal/queue"
)

// Handler processes one job. It observes cooperative cancellation via
// hc.Cancelled() between suspension points and should return promptly
// once that channel is closed. The returned error's apierr.Kind
// decides the job's fate: nil/unknown -> Completed/Failed, KindFatal
// -> Failed, KindCancelled -> Cancelled, KindRetriable -> left Running
// for a future re-lease.
type Handler interface {
	Handle(ctx context.Context, hc *HandlerContext) error
}

// HandlerFactory constructs a Handler for a queueType. Handlers are
// stateless between jobs; per-job state lives in HandlerContext.
type HandlerFactory func() Handler

// HandlerContext is the capability a Handler is given: it can stage
// progress (persisted on the next heartbeat), observe cancellation,
// and read the job's definition.
type HandlerContext struct {
	Job *queue.Job

	mu        sync.Mutex
	staged    []byte
	cancelled chan struct{}
	once      sync.Once
}

func newHandlerContext(job *queue.Job) *HandlerContext {
	return &HandlerContext{Job: job, staged: job.PriorResult, cancelled: make(chan struct{})}
}

// Definition returns the job's opaque input bytes.
func (hc *HandlerContext) Definition() []byte { return hc.Job.Definition }

// PriorResult returns whatever progress was persisted before this
// lease, or nil on a job's first attempt.
func (hc *HandlerContext) PriorResult() []byte { return hc.Job.PriorResult }

// Progress stages result bytes to be persisted on the next heartbeat;
// it does not itself talk to the queue.
func (hc *HandlerContext) Progress(result []byte) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.staged = result
}

func (hc *HandlerContext) snapshot() []byte {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.staged
}

// Cancelled returns a channel closed once cooperative cancellation has
// been observed via a heartbeat.
func (hc *HandlerContext) Cancelled() <-chan struct{} { return hc.cancelled }

func (hc *HandlerContext) signalCancelled() { hc.once.Do(func() { close(hc.cancelled) }) }

// Host runs a fixed number of worker slots against one queue.Client,
// dispatching each dequeued job to the handler registered for its
// queueType.
type Host struct {
	client   *queue.Client
	log      *logger.Logger
	handlers map[byte]HandlerFactory

	numWorkers   int
	pollInterval time.Duration
}

func NewHost(client *queue.Client, log *logger.Logger, numWorkers int, pollInterval time.Duration) *Host {
	return &Host{
		client:       client,
		log:          log,
		handlers:     map[byte]HandlerFactory{},
		numWorkers:   numWorkers,
		pollInterval: pollInterval,
	}
}

// Register binds a queueType to the factory that builds its Handler.
func (h *Host) Register(queueType byte, factory HandlerFactory) {
	h.handlers[queueType] = factory
}

// Run blocks until ctx is cancelled, running numWorkers slots that
// each loop: dequeue across every registered queueType, dispatch, repeat.
func (h *Host) Run(ctx context.Context) error {
	queueTypes := make([]byte, 0, len(h.handlers))
	for qt := range h.handlers {
		queueTypes = append(queueTypes, qt)
	}

	g, ctx := errgroup.WithContext(ctx)
	for slot := 0; slot < h.numWorkers; slot++ {
		slot := slot
		g.Go(func() error {
			return h.runSlot(ctx, slot, queueTypes)
		})
	}
	return g.Wait()
}

func (h *Host) runSlot(ctx context.Context, slot int, queueTypes []byte) error {
	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for _, qt := range queueTypes {
			job, err := h.client.Dequeue(ctx, qt)
			if err != nil {
				h.log.Warn("jobhost: dequeue failed", "slot", slot, "queueType", qt, "error", err)
				continue
			}
			if job == nil {
				continue
			}
			h.runJob(ctx, job, qt)
		}
	}
}

func (h *Host) runJob(ctx context.Context, job *queue.Job, queueType byte) {
	factory, ok := h.handlers[queueType]
	if !ok {
		h.log.Error("jobhost: no handler registered", "queueType", queueType, "jobId", job.ID)
		_ = h.client.Complete(ctx, job, qd.StatusFailed, nil)
		return
	}

	handler := factory()
	hc := newHandlerContext(job)

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	hbDone := make(chan struct{})
	go h.heartbeatLoop(hbCtx, job, hc, hbDone)

	result, runErr := h.runHandlerWithRecover(ctx, handler, hc)
	cancelHB()
	<-hbDone

	h.finish(ctx, job, hc, result, runErr)
}

func (h *Host) runHandlerWithRecover(ctx context.Context, handler Handler, hc *HandlerContext) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apierr.Fatal("jobhost.handle", fmt.Errorf("panic: %v", r))
		}
	}()
	err = handler.Handle(ctx, hc)
	return hc.snapshot(), err
}

// heartbeatLoop renews the lease at roughly 1/3 of the heartbeat
// timeout, matching the teacher's cadence for liveness pings. It
// signals hc.Cancelled() the first time a keepAlive reports
// cancelRequested.
func (h *Host) heartbeatLoop(ctx context.Context, job *queue.Job, hc *HandlerContext, done chan<- struct{}) {
	defer close(done)

	interval := time.Duration(job.HeartbeatTimeoutSec) * time.Second / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelRequested, err := h.client.KeepAlive(ctx, job, hc.snapshot())
			if err != nil {
				if apierr.IsNotExist(err) {
					h.log.Warn("jobhost: lease lost during heartbeat", "jobId", job.ID)
					return
				}
				h.log.Warn("jobhost: heartbeat failed", "jobId", job.ID, "error", err)
				continue
			}
			if cancelRequested {
				hc.signalCancelled()
			}
		}
	}
}

func (h *Host) finish(ctx context.Context, job *queue.Job, hc *HandlerContext, result []byte, runErr error) {
	select {
	case <-hc.Cancelled():
		_ = h.client.Complete(ctx, job, qd.StatusCancelled, result)
		return
	default:
	}

	switch {
	case runErr == nil:
		if err := h.client.Complete(ctx, job, qd.StatusCompleted, result); err != nil && !apierr.IsNotExist(err) {
			h.log.Error("jobhost: complete failed", "jobId", job.ID, "error", err)
		}
	case apierr.IsKind(runErr, apierr.KindCancelled):
		if err := h.client.Complete(ctx, job, qd.StatusCancelled, result); err != nil && !apierr.IsNotExist(err) {
			h.log.Error("jobhost: complete(cancelled) failed", "jobId", job.ID, "error", err)
		}
	case apierr.IsKind(runErr, apierr.KindRetriable):
		// leave Running; the lease will expire and a future dequeue
		// re-leases it at the last persisted progress.
		h.log.Info("jobhost: handler returned retriable, leaving job for re-lease", "jobId", job.ID, "error", runErr)
	default:
		if err := h.client.Complete(ctx, job, qd.StatusFailed, result); err != nil && !apierr.IsNotExist(err) {
			h.log.Error("jobhost: complete(failed) failed", "jobId", job.ID, "error", err)
		}
	}
}
