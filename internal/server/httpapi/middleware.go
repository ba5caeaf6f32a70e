package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dmitrijs2005/fieldcap/internal/common"
)

const (
	requestIDHeader = common.RequestIDHeaderName
	requestIDKey    = "request_id"
)

// requestID propagates the caller's request id or assigns a new one.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			var err error
			if id, err = common.MakeRandHexString(8); err != nil {
				id = "unknown"
			}
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.now()
		c.Next()
		elapsed := s.now().Sub(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.deps.Metrics.ObserveRequest(c.Request.Method, route, status, elapsed.Seconds())

		args := []any{
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration_ms", float64(elapsed) / float64(time.Millisecond),
			"request_id", c.GetString(requestIDKey),
		}
		switch {
		case status >= http.StatusInternalServerError:
			s.logger.Error(c.Request.Context(), "request", args...)
		case route == "/metrics" || route == "/v1/healthz":
			s.logger.Debug(c.Request.Context(), "request", args...)
		default:
			s.logger.Info(c.Request.Context(), "request", args...)
		}
	}
}

func (s *Server) recovered(c *gin.Context, rec any) {
	s.logger.Error(c.Request.Context(), "panic in handler",
		"panic", rec, "path", c.Request.URL.Path, "request_id", c.GetString(requestIDKey))
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}
