package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dmitrijs2005/fieldcap/internal/common"
	"github.com/dmitrijs2005/fieldcap/internal/server/auth"
	"github.com/dmitrijs2005/fieldcap/internal/server/config"
	"github.com/dmitrijs2005/fieldcap/internal/server/faults"
	"github.com/dmitrijs2005/fieldcap/internal/server/keys"
)

type presignPutRequest struct {
	DeviceID    string `json:"deviceId"`
	ObjectKey   string `json:"objectKey"`
	ContentType string `json:"contentType"`
	Kind        string `json:"kind"`
}

func (s *Server) presignPut(c *gin.Context) {
	var req presignPutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", common.ErrBadRequest, err))
		return
	}
	t, err := s.deps.Presign.PresignPut(req.DeviceID, req.ObjectKey, req.ContentType, req.Kind)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) presignGet(c *gin.Context) {
	t, err := s.deps.Presign.PresignGet(c.Request.Context(),
		c.Query("deviceId"), c.Query("objectKey"), c.Query("kind"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) upload(c *gin.Context) {
	if limit := s.deps.Config.MaxUploadBytes; limit > 0 {
		if c.Request.ContentLength > limit {
			s.writeError(c, common.ErrTooLarge)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}

	if _, err := s.deps.Ingest.Upload(c.Request.Context(), c.Param("token"), c.Request.Body); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) dayIndex(c *gin.Context) {
	deviceID, date := c.Param("deviceId"), c.Param("date")
	if !keys.ValidDeviceID(deviceID) || !keys.ValidDate(date) {
		s.writeError(c, common.ErrBadRequest)
		return
	}
	doc, err := s.deps.Index.Load(c.Request.Context(), deviceID, date)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

type faultRequest struct {
	DeviceID string `json:"deviceId"`
	faults.Profile
}

func (s *Server) setFault(c *gin.Context) {
	var req faultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", common.ErrBadRequest, err))
		return
	}
	if !keys.ValidDeviceID(req.DeviceID) {
		s.writeError(c, common.ErrInvalidDevice)
		return
	}
	s.deps.Faults.Set(req.DeviceID, req.Profile)
	s.logger.Info(c.Request.Context(), "fault profile set", "device_id", req.DeviceID,
		"rate", req.FailRate, "code", req.HTTPCode, "until", req.Until)
	c.JSON(http.StatusOK, gin.H{"ok": true, "faults": s.deps.Faults.List()})
}

func (s *Server) listFaults(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"faults": s.deps.Faults.List()})
}

func (s *Server) healthz(c *gin.Context) {
	cfg := s.deps.Config
	c.JSON(http.StatusOK, gin.H{
		"ok":                     true,
		"env":                    cfg.Env,
		"weakSecret":             auth.IsWeakSecret(cfg.SigningSecret, config.DevSigningSecret),
		"indexSafeAppendEnabled": cfg.IndexSafeAppend,
		"maxEventsPerDay":        cfg.MaxEventsPerDay,
		"ts":                     s.now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) events(c *gin.Context) {
	deviceID := c.Query("deviceId")
	if deviceID != "" && !keys.ValidDeviceID(deviceID) {
		s.writeError(c, common.ErrInvalidDevice)
		return
	}
	if err := s.deps.Hub.ServeWS(c.Request.Context(), c.Writer, c.Request, deviceID); err != nil {
		s.logger.Warn(c.Request.Context(), "websocket session ended", "error", err, "device_id", deviceID)
	}
}
