package models

import (
	"time"

	"gorm.io/gorm"
)

// Model is the base model with common fields for all database entities
type Model struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// PayloadStatus is the lifecycle status of a queued ingest payload
type PayloadStatus string

const (
	// PayloadStatusQueued means the payload is waiting for a drain cycle
	PayloadStatusQueued PayloadStatus = "queued"
	// PayloadStatusProcessing means a drain cycle has picked the payload up
	PayloadStatusProcessing PayloadStatus = "processing"
	// PayloadStatusProcessed means the payload reached a terminal business outcome,
	// including payloads that only produced diagnostics
	PayloadStatusProcessed PayloadStatus = "processed"
	// PayloadStatusFailed means an unexpected processing error occurred; the
	// payload is eligible for external replay
	PayloadStatusFailed PayloadStatus = "failed"
)

// PayloadKind distinguishes the two ingestion endpoints
type PayloadKind string

const (
	// PayloadKindTelemetry is a telemetry reading payload
	PayloadKindTelemetry PayloadKind = "telemetry"
	// PayloadKindConfig is a device configuration payload
	PayloadKindConfig PayloadKind = "config"
)

// SnapshotKind selects which materialized latest-value view a snapshot belongs to
type SnapshotKind string

const (
	// SnapshotKindTelemetry is the latest-telemetry view
	SnapshotKindTelemetry SnapshotKind = "telemetry"
	// SnapshotKindConfig is the latest-config view
	SnapshotKindConfig SnapshotKind = "config"
)

// Severity classifies an ingest diagnostic
type Severity string

const (
	// SeverityWarning means the payload was partially valid and its good records were kept
	SeverityWarning Severity = "warning"
	// SeverityError means no data from the payload was kept
	SeverityError Severity = "error"
)

// Device model represents a physical field device in the system
type Device struct {
	Model
	DeviceKey string  `json:"device_key" gorm:"uniqueIndex;Column:device_key"`
	Name      string  `json:"name" gorm:"Column:name"`
	Serial    *string `json:"serial" gorm:"Column:serial"`
	Category  string  `json:"category" gorm:"Column:category"`
	Active    bool    `json:"active" gorm:"Column:active"`
}

// QueuedPayload model represents one raw ingest request waiting to be normalized.
// Rows are created by the ingest endpoints and moved to a terminal status
// exactly once by the queue drainer; they are never deleted here.
type QueuedPayload struct {
	Model
	UUID       string        `json:"uuid" gorm:"uniqueIndex;Column:uuid"`
	DeviceKey  string        `json:"device_key" gorm:"index;Column:device_key"`
	Kind       PayloadKind   `json:"kind" gorm:"Column:kind"`
	RawJSON    []byte        `json:"-" gorm:"Column:raw_json;type:bytea"`
	ReceivedAt time.Time     `json:"received_at" gorm:"index;Column:received_at"`
	Status     PayloadStatus `json:"status" gorm:"index;Column:status"`
}

// Snapshot model is the "latest known value per key" view for one device and kind.
// There is at most one snapshot per (device, kind).
type Snapshot struct {
	Model
	Device   *Device         `json:"-" gorm:"foreignKey:DeviceID"`
	DeviceID uint            `json:"device_id" gorm:"index:idx_snapshot_device_kind,unique;Column:device_id"`
	Kind     SnapshotKind    `json:"kind" gorm:"index:idx_snapshot_device_kind,unique;Column:kind"`
	Entries  []SnapshotEntry `json:"entries" gorm:"foreignKey:SnapshotID"`
}

// SnapshotEntry is one key of a snapshot. The entry carries the millisecond
// timestamp used by the latest-wins merge alongside the wall-clock form.
type SnapshotEntry struct {
	ID         uint      `json:"id" gorm:"primarykey"`
	SnapshotID uint      `json:"snapshot_id" gorm:"index;Column:snapshot_id"`
	Key        string    `json:"key" gorm:"Column:key"`
	Value      string    `json:"value" gorm:"Column:value"`
	TsMs       int64     `json:"ts_ms" gorm:"Column:ts_ms"`
	Timestamp  time.Time `json:"timestamp" gorm:"Column:timestamp"`
	ReadOnly   bool      `json:"read_only" gorm:"Column:read_only"`
}

// ReadingGroup model is one immutable historical group of readings for a
// device at a single timestamp. A new group is created per drain batch even
// when the same (device, timestamp) pair recurs in a later batch.
type ReadingGroup struct {
	Model
	Device    *Device      `json:"-" gorm:"foreignKey:DeviceID"`
	DeviceID  uint         `json:"device_id" gorm:"index;Column:device_id"`
	Timestamp time.Time    `json:"timestamp" gorm:"index;Column:timestamp"`
	Rows      []ReadingRow `json:"rows" gorm:"foreignKey:GroupID"`
}

// ReadingRow is one key/value pair under a reading group
type ReadingRow struct {
	ID      uint   `json:"id" gorm:"primarykey"`
	GroupID uint   `json:"group_id" gorm:"index;Column:group_id"`
	Key     string `json:"key" gorm:"Column:key"`
	Value   string `json:"value" gorm:"Column:value"`
}

// Diagnostic model records validation failures for one queued payload.
// Append-only; retry of the underlying data is an external decision.
type Diagnostic struct {
	Model
	QueuedPayloadID uint      `json:"queued_payload_id" gorm:"index;Column:queued_payload_id"`
	DeviceKey       string    `json:"device_key" gorm:"Column:device_key"`
	Severity        Severity  `json:"severity" gorm:"Column:severity"`
	ReasonCodes     string    `json:"reason_codes" gorm:"Column:reason_codes"`
	Detail          string    `json:"detail" gorm:"Column:detail;type:text"`
	ReceivedAt      time.Time `json:"received_at" gorm:"Column:received_at"`
	ProcessedAt     time.Time `json:"processed_at" gorm:"Column:processed_at"`
	RetryCount      uint      `json:"retry_count" gorm:"Column:retry_count"`
}
