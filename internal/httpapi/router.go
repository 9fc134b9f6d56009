package httpapi

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/yungbote/fhirqueue/internal/queue"
	"github.com/yungbote/fhirqueue/internal/store"
)

type RouterConfig struct {
	Client        *queue.Client
	MetadataStore store.MetadataStore
	BearerSecret  string
	ServiceName   string
}

// NewRouter wires the control-plane API: a health check plus the
// operator surface named in spec SUPPLEMENTED FEATURES --
// POST /jobs/:queueType/cancel-group/:groupId, GET /jobs/:queueType/:id,
// POST /jobs/:queueType/:id/cancel, GET /trigger/:queueType.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(otelgin.Middleware(cfg.ServiceName))
	r.Use(AttachRequestContext())
	r.Use(CORS())

	r.GET("/healthcheck", func(c *gin.Context) { RespondOK(c, gin.H{"status": "ok"}) })

	jobs := NewJobHandler(cfg.Client)
	triggers := NewTriggerHandler(cfg.MetadataStore)

	api := r.Group("/api")
	api.Use(RequireBearerToken(cfg.BearerSecret))
	{
		api.GET("/jobs/:queueType/:id", jobs.GetJob)
		api.POST("/jobs/:queueType/:id/cancel", jobs.CancelByID)
		api.POST("/jobs/:queueType/cancel-group/:groupId", jobs.CancelGroup)
		api.GET("/trigger/:queueType", triggers.GetTrigger)
	}

	return r
}
