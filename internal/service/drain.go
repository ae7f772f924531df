// internal/service/drain.go
package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"example.com/backstage/services/telemetry/internal/models"
	"example.com/backstage/services/telemetry/internal/pipeline"
	"example.com/backstage/services/telemetry/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DrainOptions controls one drain cycle
type DrainOptions struct {
	BatchSize int
	Tolerant  bool
	Window    time.Duration // restrict to payloads received within this window; 0 = no restriction
}

// DrainSummary reports what one drain cycle wrote
type DrainSummary struct {
	Processed      int `json:"processed_rows"`
	Diagnosed      int `json:"diagnosed_rows"`
	GroupsInserted int `json:"parents_inserted"`
	RowsInserted   int `json:"children_inserted"`
}

// diagnosticDetailLimit caps the detail text stored per diagnostic row
const diagnosticDetailLimit = 2000

// alarmKeys are telemetry keys that raise an alarm event when reported as "1"
var alarmKeys = map[string]bool{
	"ALINPVHI":  true,
	"ALINPVLOW": true,
}

// drainEvent is published to the service bus after a committed drain cycle
type drainEvent struct {
	EventType string       `json:"event_type"`
	Summary   DrainSummary `json:"summary"`
	DrainedAt time.Time    `json:"drained_at"`
}

// alarmEvent is published when a merged telemetry reading trips an alarm key
type alarmEvent struct {
	EventType string    `json:"event_type"`
	DeviceKey string    `json:"device_key"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// recordData is the cleaned output of one valid record
type recordData struct {
	tsMs         int64
	observations []pipeline.Observation // snapshot candidates
	history      []pipeline.Observation // reading-log rows; empty for config payloads
}

// payloadOutcome is the classification result for one queued payload
type payloadOutcome struct {
	payload    *models.QueuedPayload
	device     *models.Device
	errs       []pipeline.RecordError
	validCount int
	failed     bool // infrastructure fault; payload alone goes to Failed
	records    []recordData
}

type groupKey struct {
	deviceID uint
	tsMs     int64
}

type rowKey struct {
	deviceID uint
	tsMs     int64
	key      string
}

type bucketKey struct {
	deviceID uint
	kind     models.SnapshotKind
}

// snapshotBucket accumulates one device+kind's incoming observations for the
// write phase, in payload arrival order so the merge tie rule is deterministic.
type snapshotBucket struct {
	deviceKey string
	incoming  []pipeline.Observation
}

// RunDrain executes one bounded drain cycle over the payload queue.
//
// The cycle is guarded by a Redis single-flight lock; a concurrent caller
// gets ErrDrainInProgress. Payload classification runs concurrently since
// payloads share no state, then results are folded in arrival order. All
// writes (reading groups and rows, snapshot replacements, diagnostics,
// status flips) commit in one transaction: a write-phase failure rolls the
// whole batch back and leaves the payloads queued for the next cycle.
func (s *service) RunDrain(ctx context.Context, opts DrainOptions) (DrainSummary, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = s.ingestCfg.BatchSize
	}
	windows := pipeline.Windows{
		Past:   time.Duration(s.ingestCfg.AcceptPastDays) * 24 * time.Hour,
		Future: time.Duration(s.ingestCfg.AcceptFutureMinutes) * time.Minute,
	}

	lockTTL := time.Duration(s.ingestCfg.LockTTLSec) * time.Second
	acquired, err := s.cache.SetNX(ctx, drainLockKey, uuid.New().String(), lockTTL)
	if err != nil {
		return DrainSummary{}, fmt.Errorf("failed to acquire drain lock: %w", err)
	}
	if !acquired {
		return DrainSummary{}, ErrDrainInProgress
	}
	defer func() {
		if err := s.cache.Delete(context.Background(), drainLockKey); err != nil {
			s.log.WithError(err).Warn("Failed to release drain lock; it will expire on its own")
		}
	}()

	payloads, err := s.repo.FetchQueuedPayloads(ctx, opts.BatchSize, opts.Window)
	if err != nil {
		return DrainSummary{}, fmt.Errorf("failed to fetch queued payloads: %w", err)
	}
	if len(payloads) == 0 {
		return DrainSummary{}, nil
	}

	s.log.WithFields(logrus.Fields{
		"batch_size": len(payloads),
		"tolerant":   opts.Tolerant,
	}).Info("Starting drain cycle")

	nowMs := s.now().UnixMilli()

	// Classification phase: payloads are independent until the final fold
	outcomes := make([]*payloadOutcome, len(payloads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(4, runtime.NumCPU()))
	for i, q := range payloads {
		i, q := i, q
		g.Go(func() error {
			outcomes[i] = s.classifyPayload(gctx, q, nowMs, windows)
			return nil
		})
	}
	// classification goroutines never return an error
	_ = g.Wait()

	// Reduction phase: fold outcomes in arrival order
	var (
		toProcessed []uint
		toFailed    []uint
		diags       []*models.Diagnostic
		groupOrder  []groupKey
		groupRows   = make(map[groupKey][]models.ReadingRow)
		seenRows    = make(map[rowKey]bool)
		bucketOrder []bucketKey
		buckets     = make(map[bucketKey]*snapshotBucket)
	)
	processedAt := s.now().UTC()

	for _, out := range outcomes {
		if out.failed {
			toFailed = append(toFailed, out.payload.ID)
			continue
		}

		keep := true
		var severity models.Severity
		switch {
		case !opts.Tolerant && len(out.errs) > 0:
			severity = models.SeverityError
			keep = false
		case opts.Tolerant && out.validCount == 0:
			severity = models.SeverityError
			keep = false
		case len(out.errs) > 0:
			severity = models.SeverityWarning
		}
		if severity != "" {
			diags = append(diags, buildDiagnostic(out, severity, processedAt))
		}
		toProcessed = append(toProcessed, out.payload.ID)

		if !keep || out.device == nil {
			continue
		}

		snapKind := models.SnapshotKindTelemetry
		if out.payload.Kind == models.PayloadKindConfig {
			snapKind = models.SnapshotKindConfig
		}
		bk := bucketKey{deviceID: out.device.ID, kind: snapKind}
		bucket, ok := buckets[bk]
		if !ok {
			bucket = &snapshotBucket{deviceKey: out.device.DeviceKey}
			buckets[bk] = bucket
			bucketOrder = append(bucketOrder, bk)
		}

		for _, rec := range out.records {
			bucket.incoming = append(bucket.incoming, rec.observations...)

			for _, obs := range rec.history {
				rk := rowKey{deviceID: out.device.ID, tsMs: rec.tsMs, key: obs.Key}
				if seenRows[rk] {
					continue
				}
				seenRows[rk] = true

				gk := groupKey{deviceID: out.device.ID, tsMs: rec.tsMs}
				if _, ok := groupRows[gk]; !ok {
					groupOrder = append(groupOrder, gk)
				}
				groupRows[gk] = append(groupRows[gk], models.ReadingRow{Key: obs.Key, Value: obs.Value})
			}
		}
	}

	alarms := collectAlarms(buckets, bucketOrder)

	// Write phase: one failure unit for the whole batch
	var summary DrainSummary
	err = s.repo.WithTransaction(ctx, func(txCtx context.Context, txRepo repository.Repository) error {
		var allRows []models.ReadingRow
		for _, gk := range groupOrder {
			group := &models.ReadingGroup{
				DeviceID:  gk.deviceID,
				Timestamp: pipeline.MsToTime(gk.tsMs),
			}
			if err := txRepo.CreateReadingGroup(txCtx, group); err != nil {
				return fmt.Errorf("failed to create reading group: %w", err)
			}
			summary.GroupsInserted++

			for _, row := range groupRows[gk] {
				row.GroupID = group.ID
				allRows = append(allRows, row)
			}
		}
		if err := txRepo.BulkInsertReadingRows(txCtx, allRows, s.ingestCfg.ChildChunk); err != nil {
			return fmt.Errorf("failed to insert reading rows: %w", err)
		}
		summary.RowsInserted = len(allRows)

		for _, bk := range bucketOrder {
			if err := s.upsertSnapshot(txCtx, txRepo, bk, buckets[bk].incoming); err != nil {
				return err
			}
		}

		for _, diag := range diags {
			if err := txRepo.CreateDiagnostic(txCtx, diag); err != nil {
				return fmt.Errorf("failed to record diagnostic: %w", err)
			}
		}
		summary.Diagnosed = len(diags)

		if err := txRepo.SetPayloadStatuses(txCtx, toProcessed, models.PayloadStatusProcessed); err != nil {
			return fmt.Errorf("failed to mark payloads processed: %w", err)
		}
		if err := txRepo.SetPayloadStatuses(txCtx, toFailed, models.PayloadStatusFailed); err != nil {
			return fmt.Errorf("failed to mark payloads failed: %w", err)
		}
		summary.Processed = len(toProcessed)

		return nil
	})
	if err != nil {
		s.log.WithError(err).Error("Drain write phase failed; batch rolled back")
		return DrainSummary{}, err
	}

	s.log.WithFields(logrus.Fields{
		"processed": summary.Processed,
		"diagnosed": summary.Diagnosed,
		"groups":    summary.GroupsInserted,
		"rows":      summary.RowsInserted,
	}).Info("Drain cycle committed")

	s.publishDrainEvents(ctx, summary, alarms)

	return summary, nil
}

// classifyPayload parses and validates one payload without touching the
// write path. Store failures mark the outcome failed; validation failures
// accumulate in the outcome's error list.
func (s *service) classifyPayload(ctx context.Context, q *models.QueuedPayload, nowMs int64, windows pipeline.Windows) *payloadOutcome {
	out := &payloadOutcome{payload: q}

	parsed, err := pipeline.ParsePayload(q.RawJSON)
	if err != nil {
		out.errs = append(out.errs, pipeline.RecordError{
			Index:   pipeline.PayloadErrorIndex,
			Code:    pipeline.ReasonBadJSON,
			Message: err.Error(),
		})
		return out
	}

	if parsed.DeviceKey == "" {
		out.errs = append(out.errs, pipeline.RecordError{
			Index:   pipeline.PayloadErrorIndex,
			Code:    pipeline.ReasonMissingDeviceKey,
			Message: "device_key not found",
		})
	}
	if len(parsed.Data) == 0 {
		out.errs = append(out.errs, pipeline.RecordError{
			Index:   pipeline.PayloadErrorIndex,
			Code:    pipeline.ReasonEmptyOrBadData,
			Message: "data[] missing or empty",
		})
	}

	if len(out.errs) == 0 {
		device, err := s.GetDeviceByKey(ctx, parsed.DeviceKey)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			out.errs = append(out.errs, pipeline.RecordError{
				Index:   pipeline.PayloadErrorIndex,
				Code:    pipeline.ReasonDeviceNotFound,
				Message: fmt.Sprintf("device_key=%s", parsed.DeviceKey),
			})
		case err != nil:
			s.log.WithError(err).WithField("payload_uuid", q.UUID).Error("Device lookup failed")
			out.failed = true
			return out
		default:
			out.device = device
		}
	}

	if out.device == nil || len(out.errs) > 0 {
		return out
	}

	for idx, rec := range parsed.Data {
		ok, tsMs, cleaned := pipeline.ValidateRecord(rec, idx, nowMs, windows, &out.errs)
		if !ok {
			continue
		}

		data := recordData{tsMs: tsMs}
		for _, key := range sortedKeys(cleaned) {
			obs := pipeline.Observation{
				Key:   key,
				TsMs:  tsMs,
				Value: pipeline.ValueString(cleaned[key]),
			}
			data.observations = append(data.observations, obs)
			if q.Kind == models.PayloadKindTelemetry {
				data.history = append(data.history, obs)
			}
		}

		if q.Kind == models.PayloadKindConfig {
			readOnly, err := pipeline.DecodeReadOnlyValues(rec)
			if err != nil {
				out.errs = append(out.errs, pipeline.RecordError{
					Index:   idx,
					Code:    pipeline.ReasonBadSchema,
					Message: fmt.Sprintf("read_only_values not an object: %v", err),
				})
				continue
			}
			for _, key := range sortedKeys(readOnly) {
				data.observations = append(data.observations, pipeline.Observation{
					Key:      key,
					TsMs:     tsMs,
					Value:    pipeline.ValueString(readOnly[key]),
					ReadOnly: true,
				})
			}
		}

		out.records = append(out.records, data)
		out.validCount++
	}

	return out
}

// upsertSnapshot applies read-merge-replace for one device+kind. The stored
// entry set is loaded first and merged with the incoming observations so a
// partial payload never erases keys it did not mention.
func (s *service) upsertSnapshot(ctx context.Context, txRepo repository.Repository, bk bucketKey, incoming []pipeline.Observation) error {
	snap, err := txRepo.FindSnapshot(ctx, bk.deviceID, bk.kind)
	if errors.Is(err, repository.ErrNotFound) {
		snap = &models.Snapshot{DeviceID: bk.deviceID, Kind: bk.kind}
		if err := txRepo.CreateSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("failed to create snapshot: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	// Read-only and writable buckets merge independently; a key may exist in both
	current := make(map[string]pipeline.Entry)
	currentRO := make(map[string]pipeline.Entry)
	for _, e := range snap.Entries {
		entry := pipeline.Entry{TsMs: e.TsMs, Timestamp: e.Timestamp, Value: e.Value, ReadOnly: e.ReadOnly}
		if e.ReadOnly {
			currentRO[e.Key] = entry
		} else {
			current[e.Key] = entry
		}
	}

	var normal, readOnly []pipeline.Observation
	for _, obs := range incoming {
		if obs.ReadOnly {
			readOnly = append(readOnly, obs)
		} else {
			normal = append(normal, obs)
		}
	}
	current = pipeline.MergeLatest(current, normal)
	currentRO = pipeline.MergeLatest(currentRO, readOnly)

	entries := flattenEntries(current, false)
	entries = append(entries, flattenEntries(currentRO, true)...)

	if err := txRepo.ReplaceSnapshotEntries(ctx, snap.ID, entries); err != nil {
		return fmt.Errorf("failed to replace snapshot entries: %w", err)
	}
	return nil
}

func flattenEntries(merged map[string]pipeline.Entry, readOnly bool) []models.SnapshotEntry {
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]models.SnapshotEntry, 0, len(keys))
	for _, k := range keys {
		e := merged[k]
		entries = append(entries, models.SnapshotEntry{
			Key:       k,
			Value:     e.Value,
			TsMs:      e.TsMs,
			Timestamp: e.Timestamp,
			ReadOnly:  readOnly,
		})
	}
	return entries
}

// buildDiagnostic folds a payload's error list into one diagnostic row
func buildDiagnostic(out *payloadOutcome, severity models.Severity, processedAt time.Time) *models.Diagnostic {
	codeSet := make(map[string]bool, len(out.errs))
	for _, e := range out.errs {
		codeSet[string(e.Code)] = true
	}
	codes := make([]string, 0, len(codeSet))
	for c := range codeSet {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	reasonCodes := strings.Join(codes, ",")
	if reasonCodes == "" {
		reasonCodes = "UNKNOWN"
	}

	lines := make([]string, 0, len(out.errs))
	for _, e := range out.errs {
		lines = append(lines, fmt.Sprintf("idx=%d code=%s msg=%s", e.Index, e.Code, e.Message))
	}
	detail := strings.Join(lines, "\n")
	if len(detail) > diagnosticDetailLimit {
		detail = detail[:diagnosticDetailLimit]
	}

	return &models.Diagnostic{
		QueuedPayloadID: out.payload.ID,
		DeviceKey:       out.payload.DeviceKey,
		Severity:        severity,
		ReasonCodes:     reasonCodes,
		Detail:          detail,
		ReceivedAt:      out.payload.ReceivedAt,
		ProcessedAt:     processedAt,
		RetryCount:      0,
	}
}

// collectAlarms scans incoming telemetry observations for tripped alarm keys
func collectAlarms(buckets map[bucketKey]*snapshotBucket, order []bucketKey) []alarmEvent {
	var alarms []alarmEvent
	for _, bk := range order {
		if bk.kind != models.SnapshotKindTelemetry {
			continue
		}
		for _, obs := range buckets[bk].incoming {
			if alarmKeys[obs.Key] && obs.Value == "1" {
				alarms = append(alarms, alarmEvent{
					EventType: "telemetry.alarm",
					DeviceKey: buckets[bk].deviceKey,
					Key:       obs.Key,
					Value:     obs.Value,
					Timestamp: pipeline.MsToTime(obs.TsMs),
				})
			}
		}
	}
	return alarms
}

// publishDrainEvents pushes post-commit notifications to the service bus.
// Publishing is best effort; the drain itself has already committed.
func (s *service) publishDrainEvents(ctx context.Context, summary DrainSummary, alarms []alarmEvent) {
	event := drainEvent{
		EventType: "telemetry.drain.completed",
		Summary:   summary,
		DrainedAt: s.now().UTC(),
	}
	if err := s.messagingClient.SendMessage(ctx, event, "drain"); err != nil {
		s.log.WithError(err).Warn("Failed to publish drain summary event")
	}

	for _, alarm := range alarms {
		if err := s.messagingClient.SendMessage(ctx, alarm, alarm.DeviceKey); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"device_key": alarm.DeviceKey,
				"key":        alarm.Key,
			}).Warn("Failed to publish alarm event")
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
