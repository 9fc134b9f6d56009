// Package orchestrator drives the two-level job plan (spec C6): it
// pulls sub-jobs from the splitter (System scope) or walks a fixed
// patient list (Group scope), enqueues each as a processing job,
// bounds the in-flight pool, and aggregates completions. Progress is
// persisted after every state change so a crash-recovery re-lease
// resumes at the right point, the way the teacher's engine persists
// stage progress via SaveState/yield rather than an in-memory-only
// loop.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	orch "github.com/yungbote/fhirqueue/internal/domain/orchestrator"
	qd "github.com/yungbote/fhirqueue/internal/domain/queue"
	"github.com/yungbote/fhirqueue/internal/domain/trigger"
	"github.com/yungbote/fhirqueue/internal/jobhost"
	"github.com/yungbote/fhirqueue/internal/platform/apierr"
	"github.com/yungbote/fhirqueue/internal/platform/logger"
	"github.com/yungbote/fhirqueue/internal/queue"
	"github.com/yungbote/fhirqueue/internal/splitter"
	"github.com/yungbote/fhirqueue/internal/store"
	"github.com/yungbote/fhirqueue/internal/writer"
)

// ProcessingDefinition is the opaque definition handed to a processing
// job: a single sub-job's time range for System scope, or a chunk of
// patient ids plus each patient's last-extracted versionId for Group
// scope, so the processing job only fetches what's newer (spec Sec 3
// CompartmentInfo, Sec 4.5).
type ProcessingDefinition struct {
	ResourceType string    `json:"resourceType,omitempty"`
	Start        time.Time `json:"start,omitempty"`
	End          time.Time `json:"end,omitempty"`

	PatientIDs []string `json:"patientIds,omitempty"`
	// SinceVersions maps patientId -> last-extracted versionId (empty
	// if the patient has never been extracted).
	SinceVersions map[string]string `json:"sinceVersions,omitempty"`
}

// ProcessingResult is what a completed processing job (C7, external to
// this spec) returns as its result blob. The processing job itself owns
// fetching and encoding; it hands the orchestrator the encoded bytes to
// commit rather than calling the writer directly, so the commit is keyed
// by jobId and idempotent across an orchestrator re-lease (spec Sec 4.5
// "commit any staged output for jobId via the writer").
type ProcessingResult struct {
	ResourceType   string `json:"resourceType"`
	ProcessedCount int    `json:"processedCount"`
	SkippedCount   int    `json:"skippedCount"`
	DataSizeBytes  int64  `json:"dataSizeBytes"`

	// StagedOutputKey/StagedOutput are the columnar bytes the processing
	// job produced and the key they should be committed under; empty
	// when the job produced nothing to write.
	StagedOutputKey string `json:"stagedOutputKey,omitempty"`
	StagedOutput    []byte `json:"stagedOutput,omitempty"`

	// PatientVersions maps patientId -> the versionId this job actually
	// extracted through, populated only by Group-scope processing jobs.
	PatientVersions map[string]string `json:"patientVersions,omitempty"`
}

// Config is the Sec 6 configuration surface the orchestrator reads.
type Config struct {
	ProcessingQueueType              byte
	MaxInFlight                      int
	CheckFrequency                   time.Duration
	HeartbeatTimeoutSec              int
	NumberOfPatientsPerProcessingJob int
	Bounds                           splitter.Bounds
}

// Handler implements jobhost.Handler for the orchestrator queueType.
type Handler struct {
	cfg     Config
	client  *queue.Client
	store   store.MetadataStore
	counter splitter.Counter
	writer  writer.Writer
	log     *logger.Logger
}

func NewHandler(cfg Config, client *queue.Client, metadataStore store.MetadataStore, counter splitter.Counter, w writer.Writer, log *logger.Logger) *Handler {
	return &Handler{cfg: cfg, client: client, store: metadataStore, counter: counter, writer: w, log: log}
}

func (h *Handler) Handle(ctx context.Context, hc *jobhost.HandlerContext) error {
	var input orch.JobInputData
	if err := json.Unmarshal(hc.Definition(), &input); err != nil {
		return apierr.Fatal("orchestrator.handle", err)
	}

	result := orch.NewJobResult()
	if prior := hc.PriorResult(); len(prior) > 0 {
		if err := json.Unmarshal(prior, result); err != nil {
			return apierr.Fatal("orchestrator.handle", err)
		}
	}
	hc.Progress(mustMarshal(result))

	switch input.Scope {
	case orch.FilterScopeGroup:
		if err := h.runGroupScope(ctx, hc, input, result); err != nil {
			return err
		}
	default:
		if err := h.runSystemScope(ctx, hc, input, result); err != nil {
			return err
		}
	}

	if err := h.drainRunning(ctx, hc, input, result); err != nil {
		return err
	}

	now := time.Now().UTC()
	result.CompleteTime = &now
	hc.Progress(mustMarshal(result))
	return nil
}

func (h *Handler) runSystemScope(ctx context.Context, hc *jobhost.HandlerContext, input orch.JobInputData, result *orch.JobResult) error {
	for _, resourceType := range input.ResourceTypes {
		start := input.DataStartTime
		if already, ok := result.SubmittedResourceTimestamps[resourceType]; ok {
			start = already
		}
		if !start.Before(input.DataEndTime) {
			continue // this resource type's stream was already fully submitted before the last crash
		}

		subJobs, err := splitter.Split(ctx, h.counter, resourceType, start, input.DataEndTime, h.cfg.Bounds)
		if err != nil {
			return apierr.Retriable("orchestrator.split", err)
		}

		for _, sj := range subJobs {
			if err := h.waitForCapacity(ctx, hc, input, result); err != nil {
				return err
			}

			def := ProcessingDefinition{ResourceType: resourceType, Start: sj.Start, End: sj.End}
			if err := h.enqueueChild(ctx, hc, input, result, def); err != nil {
				return err
			}
			result.TotalResourceCounts[resourceType] += sj.ExpectedSize
			result.SubmittedResourceTimestamps[resourceType] = sj.End
			hc.Progress(mustMarshal(result))

			if err := h.pollCompletionsNonBlocking(ctx, hc, input, result); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *Handler) runGroupScope(ctx context.Context, hc *jobhost.HandlerContext, input orch.JobInputData, result *orch.JobResult) error {
	chunkSize := h.cfg.NumberOfPatientsPerProcessingJob
	if chunkSize <= 0 {
		chunkSize = 1
	}

	for result.NextPatientIndex < len(input.CompartmentIDs) {
		if err := h.waitForCapacity(ctx, hc, input, result); err != nil {
			return err
		}

		end := result.NextPatientIndex + chunkSize
		if end > len(input.CompartmentIDs) {
			end = len(input.CompartmentIDs)
		}
		chunk := input.CompartmentIDs[result.NextPatientIndex:end]

		sinceVersions, err := h.sinceVersionsFor(ctx, chunk)
		if err != nil {
			return err
		}

		def := ProcessingDefinition{PatientIDs: chunk, SinceVersions: sinceVersions}
		if err := h.enqueueChild(ctx, hc, input, result, def); err != nil {
			return err
		}
		result.NextPatientIndex = end
		hc.Progress(mustMarshal(result))

		if err := h.pollCompletionsNonBlocking(ctx, hc, input, result); err != nil {
			return err
		}
	}
	return nil
}

// sinceVersionsFor reads each patient's last-extracted versionId from
// the metadata store (spec Sec 3 CompartmentInfo); a patient never seen
// before maps to "", telling the processing job to extract from scratch.
func (h *Handler) sinceVersionsFor(ctx context.Context, patientIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(patientIDs))
	for _, patientID := range patientIDs {
		info, err := h.store.GetCompartmentInfo(ctx, patientID)
		if errors.Is(err, store.ErrNotFound) {
			out[patientID] = ""
			continue
		}
		if err != nil {
			return nil, apierr.Retriable("orchestrator.since_versions", err)
		}
		out[patientID] = info.VersionID
	}
	return out, nil
}

// enqueueChild enqueues one processing job and folds its id into
// result.RunningJobIDs. createdJobCount only increases for a genuinely
// new id: if the definition was already enqueued before a crash, the
// queue's JobLock dedupes it and hands back the existing id, and
// AddRunningJob is a no-op for an id already tracked (spec Sec 4.5).
func (h *Handler) enqueueChild(ctx context.Context, hc *jobhost.HandlerContext, input orch.JobInputData, result *orch.JobResult, def ProcessingDefinition) error {
	definition, err := json.Marshal(def)
	if err != nil {
		return apierr.Fatal("orchestrator.enqueue_child", err)
	}
	groupID := groupIDForTrigger(input.TriggerSequenceID)
	jobID, _, err := h.client.Enqueue(ctx, h.cfg.ProcessingQueueType, groupID, definition, h.cfg.HeartbeatTimeoutSec)
	if err != nil {
		return apierr.Retriable("orchestrator.enqueue_child", err)
	}
	result.AddRunningJob(jobID)
	return nil
}

// waitForCapacity blocks (via poll + sleep) until the in-flight pool
// has room, observing cooperative cancellation between polls.
func (h *Handler) waitForCapacity(ctx context.Context, hc *jobhost.HandlerContext, input orch.JobInputData, result *orch.JobResult) error {
	for len(result.RunningJobIDs) >= h.cfg.MaxInFlight {
		if err := checkCancelled(hc); err != nil {
			return err
		}
		if err := h.pollCompletions(ctx, hc, input, result); err != nil {
			return err
		}
		if len(result.RunningJobIDs) >= h.cfg.MaxInFlight {
			select {
			case <-ctx.Done():
				return apierr.Cancelled("orchestrator.wait_for_capacity", ctx.Err())
			case <-hc.Cancelled():
				return apierr.Cancelled("orchestrator.wait_for_capacity", nil)
			case <-time.After(h.cfg.CheckFrequency):
			}
		}
	}
	return nil
}

// drainRunning waits until every child has reached a terminal status,
// polling at CheckFrequency (spec Sec 4.5 step 3).
func (h *Handler) drainRunning(ctx context.Context, hc *jobhost.HandlerContext, input orch.JobInputData, result *orch.JobResult) error {
	for len(result.RunningJobIDs) > 0 {
		if err := checkCancelled(hc); err != nil {
			return err
		}
		if err := h.pollCompletions(ctx, hc, input, result); err != nil {
			return err
		}
		if len(result.RunningJobIDs) > 0 {
			select {
			case <-ctx.Done():
				return apierr.Cancelled("orchestrator.drain", ctx.Err())
			case <-hc.Cancelled():
				return apierr.Cancelled("orchestrator.drain", nil)
			case <-time.After(h.cfg.CheckFrequency):
			}
		}
	}
	return nil
}

func (h *Handler) pollCompletionsNonBlocking(ctx context.Context, hc *jobhost.HandlerContext, input orch.JobInputData, result *orch.JobResult) error {
	if len(result.RunningJobIDs) < h.cfg.MaxInFlight {
		return nil // below the watermark; no need to poll opportunistically yet
	}
	return h.pollCompletions(ctx, hc, input, result)
}

// pollCompletions fetches every running child's status, folds
// Completed results into the aggregate, and raises Retriable on any
// Failed child so the host re-leases the orchestrator from persisted
// progress (spec Sec 4.5/7).
func (h *Handler) pollCompletions(ctx context.Context, hc *jobhost.HandlerContext, input orch.JobInputData, result *orch.JobResult) error {
	if len(result.RunningJobIDs) == 0 {
		return nil
	}
	jobs, err := h.client.GetJobs(ctx, h.cfg.ProcessingQueueType, result.RunningJobIDs)
	if err != nil {
		return apierr.Retriable("orchestrator.poll_completions", err)
	}

	for _, job := range jobs {
		switch job.Status {
		case qd.StatusCompleted:
			if err := h.absorbResult(ctx, job, input.Scope, result); err != nil {
				return err
			}
			result.RemoveRunningJob(job.ID)
		case qd.StatusFailed:
			return apierr.Retriable("orchestrator.child_failed", errChildFailed(job.ID))
		case qd.StatusCancelled:
			return apierr.Cancelled("orchestrator.child_cancelled", nil)
		default:
			// still running; leave it in the set
		}
	}
	hc.Progress(mustMarshal(result))
	return nil
}

// absorbResult folds a completed child's counts into the aggregate,
// commits any staged output it produced via the writer under the
// child's StagedOutputKey, or a key derived from the jobId when that
// is empty (idempotent across an orchestrator re-lease), and, for Group scope,
// advances each extracted patient's versionId in the metadata store
// (spec Sec 4.5 completion polling).
func (h *Handler) absorbResult(ctx context.Context, job *qd.JobInfo, scope orch.FilterScope, result *orch.JobResult) error {
	if len(job.Result) == 0 {
		return nil
	}
	var pr ProcessingResult
	if err := json.Unmarshal(job.Result, &pr); err != nil {
		return apierr.Fatal("orchestrator.absorb_result", err)
	}

	if len(pr.StagedOutput) > 0 {
		key := pr.StagedOutputKey
		if key == "" {
			key = fmt.Sprintf("%d/%d.ndjson", h.cfg.ProcessingQueueType, job.ID)
		}
		if err := h.writer.WriteObject(ctx, key, pr.StagedOutput); err != nil {
			return apierr.Retriable("orchestrator.commit_output", err)
		}
	}

	result.ProcessedResourceCounts[pr.ResourceType] += pr.ProcessedCount
	result.SkippedResourceCounts[pr.ResourceType] += pr.SkippedCount
	result.ProcessedCountInTotal += pr.ProcessedCount
	result.ProcessedDataSizeInTotal += pr.DataSizeBytes

	if scope == orch.FilterScopeGroup {
		now := time.Now().UTC()
		for patientID, versionID := range pr.PatientVersions {
			if err := h.store.UpsertCompartmentInfo(ctx, &trigger.CompartmentInfo{
				CompartmentID:   patientID,
				VersionID:       versionID,
				LastExtractedAt: now,
			}); err != nil {
				return apierr.Retriable("orchestrator.upsert_compartment_info", err)
			}
		}
	}
	return nil
}

func checkCancelled(hc *jobhost.HandlerContext) error {
	select {
	case <-hc.Cancelled():
		return apierr.Cancelled("orchestrator", nil)
	default:
		return nil
	}
}

func groupIDForTrigger(triggerSequenceID int64) int64 { return triggerSequenceID }

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

type errChildFailed int64

func (e errChildFailed) Error() string { return "child job failed" }
