// api/handlers/ingest_handler.go
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"example.com/backstage/services/telemetry/internal/models"
	"example.com/backstage/services/telemetry/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// IngestHandler handles raw payload ingestion requests
type IngestHandler struct {
	service service.Service
	log     *logrus.Logger
}

// NewIngestHandler creates a new IngestHandler instance
func NewIngestHandler(svc service.Service, log *logrus.Logger) *IngestHandler {
	return &IngestHandler{
		service: svc,
		log:     log,
	}
}

// IngestTelemetry accepts a raw telemetry payload onto the queue
func (h *IngestHandler) IngestTelemetry(c *gin.Context) {
	h.enqueue(c, models.PayloadKindTelemetry)
}

// IngestConfig accepts a raw device configuration payload onto the queue
func (h *IngestHandler) IngestConfig(c *gin.Context) {
	h.enqueue(c, models.PayloadKindConfig)
}

// enqueue stores the body verbatim. A payload is accepted even when it is
// malformed or references an unknown device; the drain cycle validates it
// and records diagnostics, so a misbehaving device never loses its evidence.
func (h *IngestHandler) enqueue(c *gin.Context, kind models.PayloadKind) {
	raw, err := c.GetRawData()
	if err != nil {
		h.log.WithError(err).Warn("Failed to read request body")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read request body",
		})
		return
	}

	// Best-effort extraction of the device key for queue indexing only
	var probe struct {
		DeviceKey string `json:"device_key"`
	}
	_ = json.Unmarshal(raw, &probe)

	payload, err := h.service.EnqueuePayload(c.Request.Context(), probe.DeviceKey, kind, raw)
	if err != nil {
		if errors.Is(err, service.ErrEmptyPayload) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Request body is required",
			})
			return
		}
		h.log.WithError(err).Error("Failed to enqueue payload")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue payload",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"uuid":   payload.UUID,
		"status": payload.Status,
	})
}
