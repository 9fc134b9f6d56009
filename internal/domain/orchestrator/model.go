// Package orchestrator holds the wire shapes the scheduler produces
// and the orchestrator job consumes (spec Sec 3): the job definition
// in, the aggregate result out.
package orchestrator

import "time"

// FilterScope selects how the orchestrator sources its sub-job stream:
// System splits a resource type's whole time window via the splitter;
// Group walks a fixed patient list in chunks.
type FilterScope string

const (
	FilterScopeSystem FilterScope = "system"
	FilterScopeGroup  FilterScope = "group"
)

// JobInputData is the orchestrator job's definition.
type JobInputData struct {
	TriggerSequenceID int64       `json:"triggerSequenceId"`
	DataStartTime     time.Time   `json:"dataStartTime"`
	DataEndTime       time.Time   `json:"dataEndTime"`
	Since             time.Time   `json:"since"`
	JobVersion        int         `json:"jobVersion"`
	Scope             FilterScope `json:"scope"`
	ResourceTypes     []string    `json:"resourceTypes"`
	CompartmentIDs    []string    `json:"compartmentIds,omitempty"`
}

// JobResult is the orchestrator job's persisted progress and final
// output. It round-trips through JobInfo.Result on every state change
// so a crash-recovery re-lease resumes exactly here (spec Sec 4.5).
type JobResult struct {
	CreatedJobCount int64   `json:"createdJobCount"`
	RunningJobIDs   []int64 `json:"runningJobIds"`

	NextPatientIndex int `json:"nextPatientIndex"`

	TotalResourceCounts     map[string]int `json:"totalResourceCounts"`
	ProcessedResourceCounts map[string]int `json:"processedResourceCounts"`
	SkippedResourceCounts   map[string]int `json:"skippedResourceCounts"`

	ProcessedCountInTotal    int   `json:"processedCountInTotal"`
	ProcessedDataSizeInTotal int64 `json:"processedDataSizeInTotal"`

	// SubmittedResourceTimestamps is the exclusive upper bound already
	// enqueued per resource type; resume picks up here (System scope).
	SubmittedResourceTimestamps map[string]time.Time `json:"submittedResourceTimestamps"`

	CompleteTime *time.Time `json:"completeTime,omitempty"`
}

func NewJobResult() *JobResult {
	return &JobResult{
		TotalResourceCounts:         map[string]int{},
		ProcessedResourceCounts:     map[string]int{},
		SkippedResourceCounts:       map[string]int{},
		SubmittedResourceTimestamps: map[string]time.Time{},
	}
}

// HasRunningJob reports whether jobID is already tracked as in-flight,
// used to guard createdJobCount against double-counting a re-enqueued
// definition that the queue deduped (spec Sec 4.5 resume semantics).
func (r *JobResult) HasRunningJob(jobID int64) bool {
	for _, id := range r.RunningJobIDs {
		if id == jobID {
			return true
		}
	}
	return false
}

func (r *JobResult) AddRunningJob(jobID int64) {
	if !r.HasRunningJob(jobID) {
		r.RunningJobIDs = append(r.RunningJobIDs, jobID)
		r.CreatedJobCount++
	}
}

func (r *JobResult) RemoveRunningJob(jobID int64) {
	out := r.RunningJobIDs[:0]
	for _, id := range r.RunningJobIDs {
		if id != jobID {
			out = append(out, id)
		}
	}
	r.RunningJobIDs = out
}
