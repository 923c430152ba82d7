package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/middleware"
)

// respondError maps err onto its HTTP status and the shared error body.
// Internal failures are logged and reported without detail.
func (s *Server) respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	body := middleware.ErrorResponse{
		Error:     err.Error(),
		ErrorCode: apperr.Code(err),
		RequestID: c.GetString("request_id"),
	}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		body.Error = ae.Message
		body.Details = ae.Details
		if ae.RetryAfterSeconds > 0 {
			c.Header("Retry-After", strconv.Itoa(ae.RetryAfterSeconds))
			if body.Details == nil {
				body.Details = map[string]any{}
			}
			body.Details["retry_after_seconds"] = ae.RetryAfterSeconds
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", body.RequestID),
			zap.Error(err))
		body.Error = "internal server error"
		body.Details = nil
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

// bindJSON decodes the request body, reporting failures as input errors
func bindJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return apperr.Wrap(apperr.KindInput, "INVALID_REQUEST", "invalid request body: "+err.Error(), err)
	}
	return nil
}
