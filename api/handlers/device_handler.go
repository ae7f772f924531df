// api/handlers/device_handler.go
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"example.com/backstage/services/telemetry/internal/models"
	"example.com/backstage/services/telemetry/internal/repository"
	"example.com/backstage/services/telemetry/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// DeviceHandler handles device-related requests
type DeviceHandler struct {
	service service.Service
	log     *logrus.Logger
}

// NewDeviceHandler creates a new DeviceHandler instance
func NewDeviceHandler(svc service.Service, log *logrus.Logger) *DeviceHandler {
	return &DeviceHandler{
		service: svc,
		log:     log,
	}
}

// RegisterDevice handles device registration
func (h *DeviceHandler) RegisterDevice(c *gin.Context) {
	var device models.Device
	if err := c.ShouldBindJSON(&device); err != nil {
		h.log.WithError(err).Warn("Invalid device format")
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid device format",
		})
		return
	}

	if err := h.service.RegisterDevice(c.Request.Context(), &device); err != nil {
		h.log.WithError(err).Error("Failed to register device")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to register device",
		})
		return
	}

	c.JSON(http.StatusOK, device)
}

// GetDevice handles device information retrieval by numeric ID or device key
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	device, ok := h.resolveDevice(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, device)
}

// ListDevices handles listing all devices
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	devices, err := h.service.ListDevices(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("Failed to list devices")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list devices",
		})
		return
	}

	c.JSON(http.StatusOK, devices)
}

// UpdateDeviceStatus handles updating a device's active flag
func (h *DeviceHandler) UpdateDeviceStatus(c *gin.Context) {
	idStr := c.Param("id")
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid device ID",
		})
		return
	}

	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid status format",
		})
		return
	}

	if err := h.service.UpdateDeviceStatus(c.Request.Context(), uint(id), *req.Active); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Device not found",
			})
			return
		}
		h.log.WithError(err).Error("Failed to update device status")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to update device status",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     id,
		"active": *req.Active,
	})
}

// GetLatestTelemetry returns the latest-value telemetry view for a device
func (h *DeviceHandler) GetLatestTelemetry(c *gin.Context) {
	h.latestSnapshot(c, models.SnapshotKindTelemetry)
}

// GetLatestConfig returns the latest-value configuration view for a device
func (h *DeviceHandler) GetLatestConfig(c *gin.Context) {
	h.latestSnapshot(c, models.SnapshotKindConfig)
}

func (h *DeviceHandler) latestSnapshot(c *gin.Context, kind models.SnapshotKind) {
	device, ok := h.resolveDevice(c)
	if !ok {
		return
	}

	snapshot, err := h.service.GetLatestSnapshot(c.Request.Context(), device.DeviceKey, kind)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// No payload for this device has been drained yet
			c.JSON(http.StatusOK, gin.H{
				"device_key": device.DeviceKey,
				"kind":       kind,
				"entries":    []models.SnapshotEntry{},
			})
			return
		}
		h.log.WithError(err).Error("Failed to load snapshot")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load snapshot",
		})
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// GetReadingHistory returns the append-only reading log for a device,
// newest groups first
func (h *DeviceHandler) GetReadingHistory(c *gin.Context) {
	device, ok := h.resolveDevice(c)
	if !ok {
		return
	}

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid limit",
			})
			return
		}
		limit = parsed
	}

	groups, err := h.service.GetReadingHistory(c.Request.Context(), device.DeviceKey, limit)
	if err != nil {
		h.log.WithError(err).Error("Failed to load reading history")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load reading history",
		})
		return
	}

	c.JSON(http.StatusOK, groups)
}

// resolveDevice looks the device up by numeric ID first, then by device key
func (h *DeviceHandler) resolveDevice(c *gin.Context) (*models.Device, bool) {
	idStr := c.Param("id")

	if id, err := strconv.ParseUint(idStr, 10, 64); err == nil {
		device, err := h.service.GetDevice(c.Request.Context(), uint(id))
		if err == nil {
			return device, true
		}
		if !errors.Is(err, repository.ErrNotFound) {
			h.log.WithError(err).Error("Failed to get device")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to get device",
			})
			return nil, false
		}
	}

	device, err := h.service.GetDeviceByKey(c.Request.Context(), idStr)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Device not found",
			})
			return nil, false
		}
		h.log.WithError(err).Error("Failed to get device")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get device",
		})
		return nil, false
	}

	return device, true
}
