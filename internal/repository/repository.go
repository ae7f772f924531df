package repository

import (
	"context"
	"errors"
	"time"

	"example.com/backstage/services/telemetry/internal/database"
	"example.com/backstage/services/telemetry/internal/models"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested row does not exist. Callers use
// it to tell business "not found" conditions apart from infrastructure faults.
var ErrNotFound = errors.New("record not found")

// Repository provides data access methods
type Repository interface {
	// Transaction support
	WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo Repository) error) error

	// Device operations
	CreateDevice(ctx context.Context, device *models.Device) error
	UpdateDevice(ctx context.Context, device *models.Device) error
	FindDeviceByID(ctx context.Context, id uint) (*models.Device, error)
	FindDeviceByKey(ctx context.Context, deviceKey string) (*models.Device, error)
	ListDevices(ctx context.Context) ([]*models.Device, error)

	// Payload queue operations
	EnqueuePayload(ctx context.Context, payload *models.QueuedPayload) error
	FetchQueuedPayloads(ctx context.Context, limit int, window time.Duration) ([]*models.QueuedPayload, error)
	SetPayloadStatuses(ctx context.Context, ids []uint, status models.PayloadStatus) error
	QueueStatusCounts(ctx context.Context) (map[models.PayloadStatus]int64, error)

	// Snapshot operations
	FindSnapshot(ctx context.Context, deviceID uint, kind models.SnapshotKind) (*models.Snapshot, error)
	CreateSnapshot(ctx context.Context, snapshot *models.Snapshot) error
	ReplaceSnapshotEntries(ctx context.Context, snapshotID uint, entries []models.SnapshotEntry) error

	// Reading history operations
	CreateReadingGroup(ctx context.Context, group *models.ReadingGroup) error
	BulkInsertReadingRows(ctx context.Context, rows []models.ReadingRow, chunkSize int) error
	ListReadingGroups(ctx context.Context, deviceID uint, limit int) ([]*models.ReadingGroup, error)

	// Diagnostic operations
	CreateDiagnostic(ctx context.Context, diag *models.Diagnostic) error
	ListDiagnostics(ctx context.Context, payloadID uint) ([]*models.Diagnostic, error)

	// APIKey operations
	CreateAPIKey(ctx context.Context, apiKey *models.APIKey) error
	GetAPIKeyByKey(ctx context.Context, key string) (*models.APIKey, error)
	UpdateAPIKey(ctx context.Context, apiKey *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	DeleteAPIKey(ctx context.Context, id uint) error
}

// repo is an implementation of the Repository interface
type repo struct {
	db database.DB
}

// Helper type for transaction support
type dbWrapper struct {
	db *gorm.DB
}

func (w *dbWrapper) DB() (*gorm.DB, error) {
	return w.db, nil
}

func (w *dbWrapper) Close() error {
	return nil
}

// NewRepository creates a new repository instance
func NewRepository(db database.DB) Repository {
	return &repo{
		db: db,
	}
}

// WithTransaction executes the given function within a database transaction
func (r *repo) WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo Repository) error) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txRepo := &repo{
			db: &dbWrapper{db: tx},
		}
		return fn(ctx, txRepo)
	})
}

func translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Device operations implementation

func (r *repo) CreateDevice(ctx context.Context, device *models.Device) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(device).Error
}

func (r *repo) UpdateDevice(ctx context.Context, device *models.Device) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Save(device).Error
}

func (r *repo) FindDeviceByID(ctx context.Context, id uint) (*models.Device, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var device models.Device
	if err := gormDB.WithContext(ctx).First(&device, id).Error; err != nil {
		return nil, translateNotFound(err)
	}

	return &device, nil
}

func (r *repo) FindDeviceByKey(ctx context.Context, deviceKey string) (*models.Device, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var device models.Device
	if err := gormDB.WithContext(ctx).Where("device_key = ?", deviceKey).First(&device).Error; err != nil {
		return nil, translateNotFound(err)
	}

	return &device, nil
}

func (r *repo) ListDevices(ctx context.Context) ([]*models.Device, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var devices []*models.Device
	if err := gormDB.WithContext(ctx).Order("device_key ASC").Find(&devices).Error; err != nil {
		return nil, err
	}

	return devices, nil
}

// Payload queue operations implementation

func (r *repo) EnqueuePayload(ctx context.Context, payload *models.QueuedPayload) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(payload).Error
}

// FetchQueuedPayloads returns up to limit payloads still in the queued state,
// oldest first so arrival order is preserved. A positive window restricts the
// pick to payloads received within that duration.
func (r *repo) FetchQueuedPayloads(ctx context.Context, limit int, window time.Duration) ([]*models.QueuedPayload, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	query := gormDB.WithContext(ctx).
		Where("status = ?", models.PayloadStatusQueued).
		Order("id ASC")

	if window > 0 {
		query = query.Where("received_at >= ?", time.Now().Add(-window))
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var payloads []*models.QueuedPayload
	if err := query.Find(&payloads).Error; err != nil {
		return nil, err
	}

	return payloads, nil
}

// SetPayloadStatuses moves the given payloads to status. The update is
// conditional on the row still being queued or processing, which keeps a
// payload from being claimed twice by racing drain cycles.
func (r *repo) SetPayloadStatuses(ctx context.Context, ids []uint, status models.PayloadStatus) error {
	if len(ids) == 0 {
		return nil
	}

	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Model(&models.QueuedPayload{}).
		Where("id IN ?", ids).
		Where("status IN ?", []models.PayloadStatus{models.PayloadStatusQueued, models.PayloadStatusProcessing}).
		Update("status", status).Error
}

func (r *repo) QueueStatusCounts(ctx context.Context) (map[models.PayloadStatus]int64, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Status models.PayloadStatus
		Count  int64
	}
	err = gormDB.WithContext(ctx).Model(&models.QueuedPayload{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[models.PayloadStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// Snapshot operations implementation

func (r *repo) FindSnapshot(ctx context.Context, deviceID uint, kind models.SnapshotKind) (*models.Snapshot, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var snapshot models.Snapshot
	err = gormDB.WithContext(ctx).Preload("Entries").
		Where("device_id = ? AND kind = ?", deviceID, kind).
		First(&snapshot).Error
	if err != nil {
		return nil, translateNotFound(err)
	}

	return &snapshot, nil
}

func (r *repo) CreateSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(snapshot).Error
}

// ReplaceSnapshotEntries swaps a snapshot's full entry set for the merged
// one. Delete-then-insert keeps the "at most one entry per key" invariant
// without tracking per-entry diffs.
func (r *repo) ReplaceSnapshotEntries(ctx context.Context, snapshotID uint, entries []models.SnapshotEntry) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	db := gormDB.WithContext(ctx)
	if err := db.Where("snapshot_id = ?", snapshotID).Delete(&models.SnapshotEntry{}).Error; err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	for i := range entries {
		entries[i].ID = 0
		entries[i].SnapshotID = snapshotID
	}
	return db.Create(&entries).Error
}

// Reading history operations implementation

func (r *repo) CreateReadingGroup(ctx context.Context, group *models.ReadingGroup) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(group).Error
}

func (r *repo) BulkInsertReadingRows(ctx context.Context, rows []models.ReadingRow, chunkSize int) error {
	if len(rows) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = 1000
	}

	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).CreateInBatches(rows, chunkSize).Error
}

func (r *repo) ListReadingGroups(ctx context.Context, deviceID uint, limit int) ([]*models.ReadingGroup, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	query := gormDB.WithContext(ctx).Preload("Rows").
		Where("device_id = ?", deviceID).
		Order("timestamp DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	var groups []*models.ReadingGroup
	if err := query.Find(&groups).Error; err != nil {
		return nil, err
	}

	return groups, nil
}

// Diagnostic operations implementation

func (r *repo) CreateDiagnostic(ctx context.Context, diag *models.Diagnostic) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(diag).Error
}

func (r *repo) ListDiagnostics(ctx context.Context, payloadID uint) ([]*models.Diagnostic, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	query := gormDB.WithContext(ctx).Order("created_at DESC")
	if payloadID > 0 {
		query = query.Where("queued_payload_id = ?", payloadID)
	}

	var diags []*models.Diagnostic
	if err := query.Find(&diags).Error; err != nil {
		return nil, err
	}

	return diags, nil
}

// APIKey operations implementation

func (r *repo) CreateAPIKey(ctx context.Context, apiKey *models.APIKey) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(apiKey).Error
}

func (r *repo) GetAPIKeyByKey(ctx context.Context, key string) (*models.APIKey, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var apiKey models.APIKey
	if err := gormDB.WithContext(ctx).Where("key = ?", key).First(&apiKey).Error; err != nil {
		return nil, translateNotFound(err)
	}

	return &apiKey, nil
}

func (r *repo) UpdateAPIKey(ctx context.Context, apiKey *models.APIKey) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Save(apiKey).Error
}

func (r *repo) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var apiKeys []*models.APIKey
	if err := gormDB.WithContext(ctx).Find(&apiKeys).Error; err != nil {
		return nil, err
	}

	return apiKeys, nil
}

func (r *repo) DeleteAPIKey(ctx context.Context, id uint) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Delete(&models.APIKey{}, id).Error
}
