package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dmitrijs2005/fieldcap/internal/common"
	"github.com/dmitrijs2005/fieldcap/internal/server/ingest"
)

// writeError maps a service error to its HTTP status and JSON body.
func (s *Server) writeError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(c.Request.Context(), "request failed",
			"error", err, "path", c.Request.URL.Path, "request_id", c.GetString(requestIDKey))
	}
	c.AbortWithStatusJSON(status, body)
}

func errorResponse(err error) (int, gin.H) {
	var fe *ingest.FaultError
	switch {
	case errors.As(err, &fe):
		return fe.Status, gin.H{"error": "simulated_failure"}
	case errors.Is(err, common.ErrTokenExpired):
		return http.StatusUnauthorized, gin.H{"error": "invalid_token", "reason": "token_expired"}
	case errors.Is(err, common.ErrInvalidToken):
		return http.StatusUnauthorized, gin.H{"error": "invalid_token"}
	case errors.Is(err, common.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"}
	case errors.Is(err, common.ErrUnsafeKey):
		return http.StatusBadRequest, gin.H{"error": "unsafe_key"}
	case errors.Is(err, common.ErrInvalidKind):
		return http.StatusBadRequest, gin.H{"error": "invalid_kind"}
	case errors.Is(err, common.ErrInvalidDevice), errors.Is(err, common.ErrBadRequest):
		return http.StatusBadRequest, gin.H{"error": "bad_request"}
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound, gin.H{"error": "not_found"}
	case errors.Is(err, common.ErrStorageUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"}
	}
	return http.StatusInternalServerError, gin.H{"error": "internal_error"}
}
