package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	qd "github.com/yungbote/fhirqueue/internal/domain/queue"
	"github.com/yungbote/fhirqueue/internal/queue"
	"github.com/yungbote/fhirqueue/internal/store"
)

func newTestRouter(t *testing.T) (*gin.Engine, *queue.Client, store.MetadataStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	client := queue.NewClient(queue.NewMemTable(), queue.NewMemVisibilityQueue(), 30*time.Second)
	metadataStore := store.NewMemStore()

	r := gin.New()
	jobs := NewJobHandler(client)
	triggers := NewTriggerHandler(metadataStore)
	r.GET("/api/jobs/:queueType/:id", jobs.GetJob)
	r.POST("/api/jobs/:queueType/:id/cancel", jobs.CancelByID)
	r.POST("/api/jobs/:queueType/cancel-group/:groupId", jobs.CancelGroup)
	r.GET("/api/trigger/:queueType", triggers.GetTrigger)
	return r, client, metadataStore
}

func TestGetJobReturnsNotFoundForUnknownID(t *testing.T) {
	r, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/1/999", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetJobReturnsExistingJob(t *testing.T) {
	r, client, _ := newTestRouter(t)
	id, _, err := client.Enqueue(context.Background(), 1, 1, []byte(`{"a":1}`), 60)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/1/"+strconv.FormatInt(id, 10), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Job qd.JobInfo `json:"job"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.Job.ID != id {
		t.Fatalf("expected job id %d, got %d", id, body.Job.ID)
	}
}

func TestCancelGroupCancelsCreatedJobs(t *testing.T) {
	r, client, _ := newTestRouter(t)
	id, _, err := client.Enqueue(context.Background(), 1, 42, []byte(`{"a":1}`), 60)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/1/cancel-group/42", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	job, err := client.GetJob(context.Background(), 1, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != qd.StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", job.Status)
	}
}

func TestGetTriggerReturnsNotFoundBeforeSeeding(t *testing.T) {
	r, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/trigger/1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetTriggerReturnsSeededWatermark(t *testing.T) {
	r, _, ms := newTestRouter(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := ms.SeedCurrentTrigger(context.Background(), 1, start); err != nil {
		t.Fatalf("seed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/trigger/1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
