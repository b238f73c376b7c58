package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/cookiesync/internal/cookies"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// envelope is the uniform response body for every endpoint.
type envelope struct {
	Code      int       `json:"code"`
	Message   string    `json:"message"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"traceId"`
	Error     string    `json:"error,omitempty"`
}

var kindStatuses = map[cookies.ErrorKind]int{
	cookies.KindValidation: http.StatusBadRequest,
	cookies.KindNotFound:   http.StatusNotFound,
	cookies.KindExpired:    http.StatusGone,
	cookies.KindIntegrity:  http.StatusUnprocessableEntity,
	cookies.KindStore:      http.StatusInternalServerError,
	cookies.KindCache:      http.StatusInternalServerError,
	cookies.KindEncoding:   http.StatusInternalServerError,
	cookies.KindInternal:   http.StatusInternalServerError,
}

var kindMessages = map[cookies.ErrorKind]string{
	cookies.KindValidation: "invalid request",
	cookies.KindNotFound:   "cookie data not found",
	cookies.KindExpired:    "cookie data expired",
	cookies.KindIntegrity:  "cookie data failed integrity check",
}

// StatusForKind maps a service error kind onto an HTTP status code.
func StatusForKind(kind cookies.ErrorKind) int {
	if status, ok := kindStatuses[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func (h *httpHandler) writeSuccess(c *gin.Context, message string, data any) {
	h.writeEnvelope(c, http.StatusOK, envelope{Code: http.StatusOK, Message: message, Data: data})
}

func (h *httpHandler) writeFailure(c *gin.Context, status int, kind, message string) {
	h.writeEnvelope(c, status, envelope{Code: status, Message: message, Error: kind})
}

// writeServiceError hides internal causes behind a generic message for 5xx kinds.
func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	kind := cookies.KindOf(err)
	status := StatusForKind(kind)
	message, ok := kindMessages[kind]
	if !ok {
		message = "operation failed"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("cookie request failed",
			zap.String("path", c.FullPath()),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	h.writeFailure(c, status, string(kind), message)
}

func (h *httpHandler) writeEnvelope(c *gin.Context, status int, body envelope) {
	body.Timestamp = h.clock().UTC()
	body.TraceID = uuid.NewString()
	c.JSON(status, body)
}
