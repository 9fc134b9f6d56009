package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	orch "github.com/yungbote/fhirqueue/internal/domain/orchestrator"
	qd "github.com/yungbote/fhirqueue/internal/domain/queue"
	"github.com/yungbote/fhirqueue/internal/jobhost"
	"github.com/yungbote/fhirqueue/internal/platform/logger"
	"github.com/yungbote/fhirqueue/internal/queue"
	"github.com/yungbote/fhirqueue/internal/splitter"
	"github.com/yungbote/fhirqueue/internal/store"
	"github.com/yungbote/fhirqueue/internal/writer"
)

// fakeCounter reports a fixed total below HIGH so the splitter yields
// exactly one sub-job covering the whole window.
type fakeCounter struct{ total int }

func (c *fakeCounter) Count(_ context.Context, _ string, _, _ time.Time) (int, bool, error) {
	return c.total, false, nil
}
func (c *fakeCounter) FirstLastUpdated(_ context.Context, _ string, start, _ time.Time) (time.Time, bool, error) {
	return start, true, nil
}
func (c *fakeCounter) LastLastUpdated(_ context.Context, _ string, _, end time.Time) (time.Time, bool, error) {
	return end, true, nil
}

func newTestHandler(t *testing.T) (*Handler, *queue.Client, store.MetadataStore, *writer.MemWriter) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	client := queue.NewClient(queue.NewMemTable(), queue.NewMemVisibilityQueue(), 30*time.Second)
	metadataStore := store.NewMemStore()
	outputWriter := writer.NewMemWriter()
	cfg := Config{
		ProcessingQueueType:              2,
		MaxInFlight:                      5,
		CheckFrequency:                   10 * time.Millisecond,
		HeartbeatTimeoutSec:              60,
		NumberOfPatientsPerProcessingJob: 2,
		Bounds:                           splitter.DefaultBounds,
	}
	h := NewHandler(cfg, client, metadataStore, &fakeCounter{total: 500}, outputWriter, log)
	return h, client, metadataStore, outputWriter
}

// drives a single processing job to completion in the background so
// Handle's drain loop can observe it terminal on its next poll.
func completeOneChild(t *testing.T, client *queue.Client, processed int) {
	t.Helper()
	completeOneChildWithResult(t, client, ProcessingResult{ResourceType: "Patient", ProcessedCount: processed})
}

func completeOneChildWithResult(t *testing.T, client *queue.Client, pr ProcessingResult) *queue.Job {
	t.Helper()
	for i := 0; i < 50; i++ {
		job, err := client.Dequeue(context.Background(), 2)
		if err != nil {
			t.Errorf("dequeue child: %v", err)
			return nil
		}
		if job != nil {
			result, _ := json.Marshal(pr)
			if err := client.Complete(context.Background(), job, qd.StatusCompleted, result); err != nil {
				t.Errorf("complete child: %v", err)
			}
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Errorf("timed out waiting for a child job to dequeue")
	return nil
}

func TestSystemScopeSmallWindowSingleChild(t *testing.T) {
	h, client, _, _ := newTestHandler(t)

	input := orch.JobInputData{
		Scope:         orch.FilterScopeSystem,
		ResourceTypes: []string{"Patient"},
		DataStartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DataEndTime:   time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC),
	}
	definition, err := json.Marshal(input)
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	hc := &jobhost.HandlerContext{Job: &queue.Job{Definition: definition}}

	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), hc) }()
	completeOneChild(t, client, 500)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handle did not return in time")
	}
}

func TestGroupScopeChunksPatients(t *testing.T) {
	h, client, _, _ := newTestHandler(t)

	input := orch.JobInputData{
		Scope:          orch.FilterScopeGroup,
		CompartmentIDs: []string{"p1", "p2", "p3"},
	}
	definition, _ := json.Marshal(input)
	hc := &jobhost.HandlerContext{Job: &queue.Job{Definition: definition}}

	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), hc) }()

	completeOneChild(t, client, 0)
	completeOneChild(t, client, 0)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handle did not return in time")
	}
}

// TestGroupScopeAdvancesPatientVersions verifies spec Sec 4.5's
// "for Group scope, upsert patient versions in the metadata store":
// a never-seen patient's chunk carries an empty SinceVersions cursor,
// and a completed child's PatientVersions must land in CompartmentInfo.
func TestGroupScopeAdvancesPatientVersions(t *testing.T) {
	h, client, metadataStore, _ := newTestHandler(t)

	input := orch.JobInputData{
		Scope:          orch.FilterScopeGroup,
		CompartmentIDs: []string{"p1", "p2", "p3", "p4"},
	}
	definition, _ := json.Marshal(input)
	hc := &jobhost.HandlerContext{Job: &queue.Job{Definition: definition}}

	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), hc) }()

	firstJob := completeOneChildWithResult(t, client, ProcessingResult{
		PatientVersions: map[string]string{"p1": "v1", "p2": "v1"},
	})
	if firstJob == nil {
		t.Fatalf("expected first child job to dequeue")
	}
	var firstDef ProcessingDefinition
	if err := json.Unmarshal(firstJob.Definition, &firstDef); err != nil {
		t.Fatalf("unmarshal first child definition: %v", err)
	}
	if firstDef.SinceVersions["p1"] != "" || firstDef.SinceVersions["p2"] != "" {
		t.Fatalf("expected empty SinceVersions for never-seen patients, got %+v", firstDef.SinceVersions)
	}

	secondJob := completeOneChildWithResult(t, client, ProcessingResult{
		PatientVersions: map[string]string{"p3": "v1", "p4": "v1"},
	})
	if secondJob == nil {
		t.Fatalf("expected second child job to dequeue")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handle did not return in time")
	}

	info, err := metadataStore.GetCompartmentInfo(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get compartment info: %v", err)
	}
	if info.VersionID != "v1" {
		t.Fatalf("expected p1's versionId to advance to v1, got %q", info.VersionID)
	}
}

// TestSystemScopeCommitsStagedOutput verifies spec Sec 4.5's "commit
// any staged output for jobId via the writer".
func TestSystemScopeCommitsStagedOutput(t *testing.T) {
	h, client, _, outputWriter := newTestHandler(t)

	input := orch.JobInputData{
		Scope:         orch.FilterScopeSystem,
		ResourceTypes: []string{"Patient"},
		DataStartTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DataEndTime:   time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC),
	}
	definition, _ := json.Marshal(input)
	hc := &jobhost.HandlerContext{Job: &queue.Job{Definition: definition}}

	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), hc) }()

	job := completeOneChildWithResult(t, client, ProcessingResult{
		ResourceType:    "Patient",
		ProcessedCount:  500,
		StagedOutputKey: "2/test-job.ndjson",
		StagedOutput:    []byte(`{"resourceType":"Patient"}`),
	})
	if job == nil {
		t.Fatalf("expected a child job to dequeue")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handle did not return in time")
	}

	data, ok := outputWriter.Get("2/test-job.ndjson")
	if !ok {
		t.Fatalf("expected staged output to be committed via the writer")
	}
	if string(data) != `{"resourceType":"Patient"}` {
		t.Fatalf("unexpected committed bytes: %s", data)
	}
}
