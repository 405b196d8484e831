package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nimburion/docservice/pkg/broker"
	"github.com/nimburion/docservice/pkg/repository/document"
	"github.com/nimburion/docservice/pkg/service"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps action errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, broker.ErrServiceNotFound), errors.Is(err, broker.ErrActionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, document.ErrInvalidID), errors.Is(err, service.ErrInvalidParams):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, document.ErrDuplicateKey):
		return http.StatusConflict, "conflict"
	case errors.Is(err, document.ErrNotConnected):
		return http.StatusServiceUnavailable, "service_unavailable"
	default:
		return http.StatusInternalServerError, "internal_server_error"
	}
}

func (g *Gateway) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		g.log.Error("action failed",
			"request_id", RequestID(c.Request.Context()),
			"path", c.FullPath(),
			"error", err,
		)
		message = "an unexpected error occurred"
	}
	writeError(c, status, code, message)
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		RequestID: RequestID(c.Request.Context()),
	})
}
