// api/handlers/admin_handler.go
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/telemetry/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AdminHandler handles queue administration requests
type AdminHandler struct {
	service  service.Service
	log      *logrus.Logger
	tolerant bool
}

// NewAdminHandler creates a new AdminHandler instance. tolerant is the
// configured default validation mode for triggered drains.
func NewAdminHandler(svc service.Service, log *logrus.Logger, tolerant bool) *AdminHandler {
	return &AdminHandler{
		service:  svc,
		log:      log,
		tolerant: tolerant,
	}
}

// TriggerDrain runs one drain cycle on demand.
//
// A write-phase failure is reported as a zeroed summary with HTTP 200: the
// batch rolled back cleanly and remains queued, which is an operational
// condition rather than a request error.
func (h *AdminHandler) TriggerDrain(c *gin.Context) {
	opts := service.DrainOptions{Tolerant: h.tolerant}

	if batchStr := c.Query("batch_size"); batchStr != "" {
		batch, err := strconv.Atoi(batchStr)
		if err != nil || batch <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid batch_size",
			})
			return
		}
		opts.BatchSize = batch
	}
	if hoursStr := c.Query("hours"); hoursStr != "" {
		hours, err := strconv.Atoi(hoursStr)
		if err != nil || hours < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid hours window",
			})
			return
		}
		opts.Window = time.Duration(hours) * time.Hour
	}
	if modeStr := c.Query("tolerant"); modeStr != "" {
		tolerant, err := strconv.ParseBool(modeStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid tolerant flag",
			})
			return
		}
		opts.Tolerant = tolerant
	}

	summary, err := h.service.RunDrain(c.Request.Context(), opts)
	if err != nil {
		if errors.Is(err, service.ErrDrainInProgress) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "A drain cycle is already running",
			})
			return
		}
		h.log.WithError(err).Error("Drain cycle failed")
	}

	c.JSON(http.StatusOK, summary)
}

// QueueStats reports payload counts per queue status
func (h *AdminHandler) QueueStats(c *gin.Context) {
	stats, err := h.service.QueueStats(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("Failed to load queue stats")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load queue stats",
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetDiagnostics lists the diagnostics recorded for one queued payload
func (h *AdminHandler) GetDiagnostics(c *gin.Context) {
	idStr := c.Param("id")
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid payload ID",
		})
		return
	}

	diags, err := h.service.GetDiagnostics(c.Request.Context(), uint(id))
	if err != nil {
		h.log.WithError(err).Error("Failed to load diagnostics")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load diagnostics",
		})
		return
	}

	c.JSON(http.StatusOK, diags)
}
