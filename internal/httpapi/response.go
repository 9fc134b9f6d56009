// Package httpapi is the control-plane API (spec SUPPLEMENTED
// FEATURES): a small operational surface over the queue client and
// metadata store for manual intervention, not a core module. Grounded
// in the teacher's internal/http package: the same response envelope,
// CORS middleware, and bearer-token auth middleware shape, reused for
// operator auth instead of end-user auth.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error   APIError `json:"error"`
	TraceID string   `json:"traceId,omitempty"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error:   APIError{Message: msg, Code: code},
		TraceID: c.GetString("trace_id"),
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
