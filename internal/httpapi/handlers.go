package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/fhirqueue/internal/queue"
	"github.com/yungbote/fhirqueue/internal/store"
)

// JobHandler exposes read/cancel operations over the durable queue,
// grounded in the teacher's JobHandler (GetJob/CancelJob/RestartJob)
// but operating on queueType+id rather than a per-user uuid, and with
// no restart endpoint: a job resumes itself via the host's re-lease,
// it is never manually restarted from Created (spec Sec 4/5).
type JobHandler struct {
	client *queue.Client
}

func NewJobHandler(client *queue.Client) *JobHandler { return &JobHandler{client: client} }

func (h *JobHandler) GetJob(c *gin.Context) {
	queueType, id, ok := parseQueueTypeAndID(c)
	if !ok {
		return
	}
	job, err := h.client.GetJob(c.Request.Context(), queueType, id)
	if err == queue.ErrNotFound {
		RespondError(c, http.StatusNotFound, "job_not_found", err)
		return
	}
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "get_job_failed", err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

func (h *JobHandler) CancelByID(c *gin.Context) {
	queueType, id, ok := parseQueueTypeAndID(c)
	if !ok {
		return
	}
	if err := h.client.CancelById(c.Request.Context(), queueType, id); err != nil {
		RespondError(c, http.StatusInternalServerError, "cancel_job_failed", err)
		return
	}
	RespondOK(c, gin.H{"cancelled": true})
}

// CancelGroup cancels every Created (not-yet-dequeued) job in a group
// immediately, and flags any Running job for cooperative stop (spec
// Sec 4.6) -- e.g. an operator pulling the plug on one orchestrator
// trigger's whole batch of processing jobs.
func (h *JobHandler) CancelGroup(c *gin.Context) {
	queueType, ok := parseQueueType(c)
	if !ok {
		return
	}
	groupID, err := strconv.ParseInt(c.Param("groupId"), 10, 64)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_group_id", err)
		return
	}
	if err := h.client.CancelByGroupId(c.Request.Context(), queueType, groupID); err != nil {
		RespondError(c, http.StatusInternalServerError, "cancel_group_failed", err)
		return
	}
	RespondOK(c, gin.H{"cancelled": true})
}

// TriggerHandler exposes the scheduler's watermark for observability:
// an operator checking how far the incremental extraction has
// progressed, or diagnosing why a window hasn't advanced.
type TriggerHandler struct {
	store store.MetadataStore
}

func NewTriggerHandler(metadataStore store.MetadataStore) *TriggerHandler {
	return &TriggerHandler{store: metadataStore}
}

func (h *TriggerHandler) GetTrigger(c *gin.Context) {
	queueType, ok := parseQueueType(c)
	if !ok {
		return
	}
	current, err := h.store.GetCurrentTrigger(c.Request.Context(), queueType)
	if err == store.ErrNotFound {
		RespondError(c, http.StatusNotFound, "trigger_not_found", err)
		return
	}
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "get_trigger_failed", err)
		return
	}
	RespondOK(c, gin.H{"trigger": current})
}

func parseQueueType(c *gin.Context) (byte, bool) {
	v, err := strconv.ParseUint(c.Param("queueType"), 10, 8)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_queue_type", err)
		return 0, false
	}
	return byte(v), true
}

func parseQueueTypeAndID(c *gin.Context) (byte, int64, bool) {
	queueType, ok := parseQueueType(c)
	if !ok {
		return 0, 0, false
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return 0, 0, false
	}
	return queueType, id, true
}
