package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/telemetry/config"
	"example.com/backstage/services/telemetry/internal/cache"
	"example.com/backstage/services/telemetry/internal/messaging"
	"example.com/backstage/services/telemetry/internal/models"
	"example.com/backstage/services/telemetry/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrDrainInProgress is returned when another drain cycle holds the
// single-flight lock.
var ErrDrainInProgress = errors.New("drain cycle already in progress")

// ErrEmptyPayload is returned when an ingest request carries no body at all
var ErrEmptyPayload = errors.New("payload body is required")

const (
	drainLockKey   = "telemetry:drain:lock"
	deviceCacheKey = "device:key:%s"
	deviceCacheTTL = 24 * time.Hour
)

// Service defines the business logic operations
type Service interface {
	// Ingestion operations
	EnqueuePayload(ctx context.Context, deviceKey string, kind models.PayloadKind, raw []byte) (*models.QueuedPayload, error)

	// Queue drain operations
	RunDrain(ctx context.Context, opts DrainOptions) (DrainSummary, error)
	QueueStats(ctx context.Context) (map[models.PayloadStatus]int64, error)

	// Device operations
	RegisterDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, id uint) (*models.Device, error)
	GetDeviceByKey(ctx context.Context, deviceKey string) (*models.Device, error)
	ListDevices(ctx context.Context) ([]*models.Device, error)
	UpdateDeviceStatus(ctx context.Context, id uint, active bool) error

	// Materialized view reads
	GetLatestSnapshot(ctx context.Context, deviceKey string, kind models.SnapshotKind) (*models.Snapshot, error)
	GetReadingHistory(ctx context.Context, deviceKey string, limit int) ([]*models.ReadingGroup, error)
	GetDiagnostics(ctx context.Context, payloadID uint) ([]*models.Diagnostic, error)

	Shutdown() error
}

// service is an implementation of the Service interface
type service struct {
	repo            repository.Repository
	cache           cache.RedisClient
	messagingClient messaging.ServiceBusClient
	log             *logrus.Logger
	ingestCfg       config.IngestConfig
	now             func() time.Time
}

// ServiceConfig holds the configuration for the service
type ServiceConfig struct {
	Repository      repository.Repository
	Cache           cache.RedisClient
	MessagingClient messaging.ServiceBusClient
	Logger          *logrus.Logger
	Ingest          config.IngestConfig
}

// NewService creates a new service instance
func NewService(cfg ServiceConfig) (Service, error) {
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if cfg.MessagingClient == nil {
		return nil, errors.New("messaging client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New() // Default logger
	}
	if cfg.Ingest.BatchSize <= 0 {
		cfg.Ingest.BatchSize = 300
	}
	if cfg.Ingest.ChildChunk <= 0 {
		cfg.Ingest.ChildChunk = 1000
	}
	if cfg.Ingest.AcceptPastDays <= 0 {
		cfg.Ingest.AcceptPastDays = 365
	}
	if cfg.Ingest.AcceptFutureMinutes <= 0 {
		cfg.Ingest.AcceptFutureMinutes = 1440
	}
	if cfg.Ingest.LockTTLSec <= 0 {
		cfg.Ingest.LockTTLSec = 300
	}

	return &service{
		repo:            cfg.Repository,
		cache:           cfg.Cache,
		messagingClient: cfg.MessagingClient,
		log:             cfg.Logger,
		ingestCfg:       cfg.Ingest,
		now:             time.Now,
	}, nil
}

// EnqueuePayload appends one raw ingest request to the payload queue after a
// minimal shape check. Validation proper happens later, in the drain cycle.
func (s *service) EnqueuePayload(ctx context.Context, deviceKey string, kind models.PayloadKind, raw []byte) (*models.QueuedPayload, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyPayload
	}

	// deviceKey may be empty or unknown here; the drain cycle diagnoses that.
	// It is stored alongside the raw body purely as a queue index.
	payload := &models.QueuedPayload{
		UUID:       uuid.New().String(),
		DeviceKey:  deviceKey,
		Kind:       kind,
		RawJSON:    raw,
		ReceivedAt: s.now().UTC(),
		Status:     models.PayloadStatusQueued,
	}

	if err := s.repo.EnqueuePayload(ctx, payload); err != nil {
		return nil, fmt.Errorf("failed to enqueue payload: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"payload_uuid": payload.UUID,
		"device_key":   deviceKey,
		"kind":         kind,
	}).Debug("Payload queued")

	return payload, nil
}

func (s *service) QueueStats(ctx context.Context) (map[models.PayloadStatus]int64, error) {
	return s.repo.QueueStatusCounts(ctx)
}

// Device operations implementation

func (s *service) RegisterDevice(ctx context.Context, device *models.Device) error {
	if device.DeviceKey == "" {
		device.DeviceKey = uuid.New().String()
	}

	if err := s.repo.CreateDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to register device: %w", err)
	}

	s.log.WithField("device_key", device.DeviceKey).Info("Device registered")
	return nil
}

func (s *service) GetDevice(ctx context.Context, id uint) (*models.Device, error) {
	return s.repo.FindDeviceByID(ctx, id)
}

// GetDeviceByKey resolves a device through the read-through cache
func (s *service) GetDeviceByKey(ctx context.Context, deviceKey string) (*models.Device, error) {
	cacheKey := fmt.Sprintf(deviceCacheKey, deviceKey)

	if cached, err := s.cache.Get(ctx, cacheKey); err == nil {
		var device models.Device
		if err := json.Unmarshal([]byte(cached), &device); err == nil {
			return &device, nil
		}
	}

	device, err := s.repo.FindDeviceByKey(ctx, deviceKey)
	if err != nil {
		return nil, err
	}

	go s.updateDeviceCache(context.Background(), device)

	return device, nil
}

// updateDeviceCache refreshes the device cache entry. Failures are logged
// and swallowed; the cache is an optimization only.
func (s *service) updateDeviceCache(ctx context.Context, device *models.Device) {
	if device == nil {
		return
	}

	deviceJSON, err := json.Marshal(device)
	if err != nil {
		s.log.WithError(err).Warnf("Failed to marshal device for cache: %s", device.DeviceKey)
		return
	}

	cacheKey := fmt.Sprintf(deviceCacheKey, device.DeviceKey)
	if err := s.cache.Set(ctx, cacheKey, string(deviceJSON), deviceCacheTTL); err != nil {
		s.log.WithError(err).Warnf("Failed to update device cache: %s", device.DeviceKey)
	}
}

func (s *service) ListDevices(ctx context.Context) ([]*models.Device, error) {
	return s.repo.ListDevices(ctx)
}

func (s *service) UpdateDeviceStatus(ctx context.Context, id uint, active bool) error {
	device, err := s.repo.FindDeviceByID(ctx, id)
	if err != nil {
		return err
	}

	device.Active = active
	if err := s.repo.UpdateDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}

	// Drop the stale cache entry so the next lookup reloads
	cacheKey := fmt.Sprintf(deviceCacheKey, device.DeviceKey)
	if err := s.cache.Delete(ctx, cacheKey); err != nil {
		s.log.WithError(err).Warnf("Failed to invalidate device cache: %s", device.DeviceKey)
	}

	return nil
}

// Materialized view reads

func (s *service) GetLatestSnapshot(ctx context.Context, deviceKey string, kind models.SnapshotKind) (*models.Snapshot, error) {
	device, err := s.GetDeviceByKey(ctx, deviceKey)
	if err != nil {
		return nil, err
	}
	return s.repo.FindSnapshot(ctx, device.ID, kind)
}

func (s *service) GetReadingHistory(ctx context.Context, deviceKey string, limit int) ([]*models.ReadingGroup, error) {
	device, err := s.GetDeviceByKey(ctx, deviceKey)
	if err != nil {
		return nil, err
	}
	return s.repo.ListReadingGroups(ctx, device.ID, limit)
}

func (s *service) GetDiagnostics(ctx context.Context, payloadID uint) ([]*models.Diagnostic, error) {
	return s.repo.ListDiagnostics(ctx, payloadID)
}

// Shutdown releases service resources
func (s *service) Shutdown() error {
	s.log.Info("Service shutting down")
	return nil
}
