package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/telemetry/config"
	"example.com/backstage/services/telemetry/internal/models"
	"example.com/backstage/services/telemetry/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// Fixed drain clock: 2023-11-20 12:00 UTC. The reference timestamp
// 1700000000000 (2023-11-14) lands comfortably inside the acceptance window.
var testNow = time.Date(2023, 11, 20, 12, 0, 0, 0, time.UTC)

const baseTs = int64(1700000000000)

// fakeRepo is an in-memory Repository. WithTransaction snapshots the state
// up front and restores it when the callback fails, mirroring a rollback.
type fakeRepo struct {
	mu        sync.Mutex
	nextID    uint
	devices   []*models.Device
	payloads  []*models.QueuedPayload
	snapshots []*models.Snapshot
	groups    []*models.ReadingGroup
	rows      []models.ReadingRow
	diags     []*models.Diagnostic

	failCreateGroup    bool
	failReplaceEntries bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{}
}

func (f *fakeRepo) id() uint {
	f.nextID++
	return f.nextID
}

type repoState struct {
	nextID    uint
	payloads  []*models.QueuedPayload
	snapshots []*models.Snapshot
	groups    []*models.ReadingGroup
	rows      []models.ReadingRow
	diags     []*models.Diagnostic
}

func (f *fakeRepo) snapshotState() repoState {
	st := repoState{nextID: f.nextID}
	for _, p := range f.payloads {
		cp := *p
		st.payloads = append(st.payloads, &cp)
	}
	for _, s := range f.snapshots {
		cs := *s
		cs.Entries = append([]models.SnapshotEntry(nil), s.Entries...)
		st.snapshots = append(st.snapshots, &cs)
	}
	st.groups = append(st.groups, f.groups...)
	st.rows = append(st.rows, f.rows...)
	st.diags = append(st.diags, f.diags...)
	return st
}

func (f *fakeRepo) restore(st repoState) {
	f.nextID = st.nextID
	f.payloads = st.payloads
	f.snapshots = st.snapshots
	f.groups = st.groups
	f.rows = st.rows
	f.diags = st.diags
}

func (f *fakeRepo) WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo repository.Repository) error) error {
	f.mu.Lock()
	backup := f.snapshotState()
	f.mu.Unlock()

	if err := fn(ctx, f); err != nil {
		f.mu.Lock()
		f.restore(backup)
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *fakeRepo) CreateDevice(ctx context.Context, device *models.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	device.ID = f.id()
	f.devices = append(f.devices, device)
	return nil
}

func (f *fakeRepo) UpdateDevice(ctx context.Context, device *models.Device) error {
	return nil
}

func (f *fakeRepo) FindDeviceByID(ctx context.Context, id uint) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRepo) FindDeviceByKey(ctx context.Context, deviceKey string) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.devices {
		if d.DeviceKey == deviceKey {
			return d, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRepo) ListDevices(ctx context.Context) ([]*models.Device, error) {
	return f.devices, nil
}

func (f *fakeRepo) EnqueuePayload(ctx context.Context, payload *models.QueuedPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload.ID = f.id()
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakeRepo) FetchQueuedPayloads(ctx context.Context, limit int, window time.Duration) ([]*models.QueuedPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.QueuedPayload
	for _, p := range f.payloads {
		if p.Status != models.PayloadStatusQueued {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepo) SetPayloadStatuses(ctx context.Context, ids []uint, status models.PayloadStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		for _, p := range f.payloads {
			if p.ID != id {
				continue
			}
			// conditional flip: terminal statuses never change again
			if p.Status == models.PayloadStatusQueued || p.Status == models.PayloadStatusProcessing {
				p.Status = status
			}
		}
	}
	return nil
}

func (f *fakeRepo) QueueStatusCounts(ctx context.Context) (map[models.PayloadStatus]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[models.PayloadStatus]int64)
	for _, p := range f.payloads {
		counts[p.Status]++
	}
	return counts, nil
}

func (f *fakeRepo) FindSnapshot(ctx context.Context, deviceID uint, kind models.SnapshotKind) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.snapshots {
		if s.DeviceID == deviceID && s.Kind == kind {
			return s, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRepo) CreateSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot.ID = f.id()
	f.snapshots = append(f.snapshots, snapshot)
	return nil
}

func (f *fakeRepo) ReplaceSnapshotEntries(ctx context.Context, snapshotID uint, entries []models.SnapshotEntry) error {
	if f.failReplaceEntries {
		return errors.New("replace entries failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.snapshots {
		if s.ID == snapshotID {
			for i := range entries {
				entries[i].SnapshotID = snapshotID
			}
			s.Entries = entries
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeRepo) CreateReadingGroup(ctx context.Context, group *models.ReadingGroup) error {
	if f.failCreateGroup {
		return errors.New("create group failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	group.ID = f.id()
	f.groups = append(f.groups, group)
	return nil
}

func (f *fakeRepo) BulkInsertReadingRows(ctx context.Context, rows []models.ReadingRow, chunkSize int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeRepo) ListReadingGroups(ctx context.Context, deviceID uint, limit int) ([]*models.ReadingGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ReadingGroup
	for _, g := range f.groups {
		if g.DeviceID == deviceID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeRepo) CreateDiagnostic(ctx context.Context, diag *models.Diagnostic) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	diag.ID = f.id()
	f.diags = append(f.diags, diag)
	return nil
}

func (f *fakeRepo) ListDiagnostics(ctx context.Context, payloadID uint) ([]*models.Diagnostic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Diagnostic
	for _, d := range f.diags {
		if d.QueuedPayloadID == payloadID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeRepo) CreateAPIKey(ctx context.Context, apiKey *models.APIKey) error { return nil }
func (f *fakeRepo) GetAPIKeyByKey(ctx context.Context, key string) (*models.APIKey, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeRepo) UpdateAPIKey(ctx context.Context, apiKey *models.APIKey) error { return nil }
func (f *fakeRepo) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)     { return nil, nil }
func (f *fakeRepo) DeleteAPIKey(ctx context.Context, id uint) error               { return nil }

func (f *fakeRepo) payloadByID(id uint) *models.QueuedPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payloads {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// fakeCache is an in-memory stand-in for the Redis client
type fakeCache struct {
	mu    sync.Mutex
	store map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{store: make(map[string]string)}
}

func (c *fakeCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store[key]
	if !ok {
		return "", errors.New("cache miss")
	}
	return v, nil
}

func (c *fakeCache) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = value
	return nil
}

func (c *fakeCache) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.store[key]; held {
		return false, nil
	}
	c.store[key] = value
	return true, nil
}

func (c *fakeCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
	return nil
}

func (c *fakeCache) Close() error { return nil }

// fakeBus records every published message
type fakeBus struct {
	mu       sync.Mutex
	messages []interface{}
}

func (b *fakeBus) SendMessage(ctx context.Context, body interface{}, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, body)
	return nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) alarmCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.messages {
		if _, ok := m.(alarmEvent); ok {
			n++
		}
	}
	return n
}

func newTestService(repo *fakeRepo, c *fakeCache, bus *fakeBus) *service {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return &service{
		repo:            repo,
		cache:           c,
		messagingClient: bus,
		log:             log,
		ingestCfg: config.IngestConfig{
			BatchSize:           300,
			ChildChunk:          1000,
			AcceptPastDays:      365,
			AcceptFutureMinutes: 1440,
			LockTTLSec:          300,
		},
		now: func() time.Time { return testNow },
	}
}

func registerDevice(t *testing.T, repo *fakeRepo, key string) *models.Device {
	t.Helper()
	device := &models.Device{DeviceKey: key, Name: key, Active: true}
	require.NoError(t, repo.CreateDevice(context.Background(), device))
	return device
}

func queuePayload(t *testing.T, repo *fakeRepo, deviceKey string, kind models.PayloadKind, raw string) *models.QueuedPayload {
	t.Helper()
	payload := &models.QueuedPayload{
		UUID:       uuid.New().String(),
		DeviceKey:  deviceKey,
		Kind:       kind,
		RawJSON:    []byte(raw),
		ReceivedAt: testNow,
		Status:     models.PayloadStatusQueued,
	}
	require.NoError(t, repo.EnqueuePayload(context.Background(), payload))
	return payload
}

func telemetrySnapshot(t *testing.T, repo *fakeRepo, deviceID uint) map[string]models.SnapshotEntry {
	t.Helper()
	return snapshotByKind(t, repo, deviceID, models.SnapshotKindTelemetry)
}

func snapshotByKind(t *testing.T, repo *fakeRepo, deviceID uint, kind models.SnapshotKind) map[string]models.SnapshotEntry {
	t.Helper()
	snap, err := repo.FindSnapshot(context.Background(), deviceID, kind)
	if errors.Is(err, repository.ErrNotFound) {
		return map[string]models.SnapshotEntry{}
	}
	require.NoError(t, err)
	out := make(map[string]models.SnapshotEntry, len(snap.Entries))
	for _, e := range snap.Entries {
		if e.ReadOnly {
			out["ro:"+e.Key] = e
		} else {
			out[e.Key] = e
		}
	}
	return out
}

func TestRunDrainEmptyQueue(t *testing.T) {
	svc := newTestService(newFakeRepo(), newFakeCache(), &fakeBus{})

	summary, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)
	require.Equal(t, DrainSummary{}, summary)
}

func TestRunDrainValidTelemetry(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeCache(), &fakeBus{})
	device := registerDevice(t, repo, "dev-1")
	p := queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, fmt.Sprintf(
		`{"device_key":"dev-1","data":[
			{"ts":%d,"values":{"tp":"21.5","bt":50}},
			{"ts":%d,"values":{"tp":"22.0"}}
		]}`, baseTs, baseTs+1000))

	summary, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)
	require.Equal(t, 0, summary.Diagnosed)
	require.Equal(t, 2, summary.GroupsInserted)
	require.Equal(t, 3, summary.RowsInserted)

	require.Equal(t, models.PayloadStatusProcessed, repo.payloadByID(p.ID).Status)

	snap := telemetrySnapshot(t, repo, device.ID)
	require.Equal(t, "22.0", snap["tp"].Value)
	require.Equal(t, baseTs+1000, snap["tp"].TsMs)
	require.Equal(t, "50", snap["bt"].Value)
	require.Empty(t, repo.diags)
}

func TestRunDrainLatestWinsAcrossPayloads(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeCache(), &fakeBus{})
	device := registerDevice(t, repo, "dev-1")

	// Second payload's reading is older; it must not displace the first
	queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, fmt.Sprintf(
		`{"device_key":"dev-1","data":[{"ts":%d,"values":{"tp":"newer"}}]}`, baseTs+5000))
	queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, fmt.Sprintf(
		`{"device_key":"dev-1","data":[{"ts":%d,"values":{"tp":"older"}}]}`, baseTs))

	_, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)

	snap := telemetrySnapshot(t, repo, device.ID)
	require.Equal(t, "newer", snap["tp"].Value)
}

func TestRunDrainTieKeepsFirstSeen(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeCache(), &fakeBus{})
	device := registerDevice(t, repo, "dev-1")

	queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, fmt.Sprintf(
		`{"device_key":"dev-1","data":[{"ts":%d,"values":{"tp":"first"}}]}`, baseTs))
	queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, fmt.Sprintf(
		`{"device_key":"dev-1","data":[{"ts":%d,"values":{"tp":"second"}}]}`, baseTs))

	_, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)

	snap := telemetrySnapshot(t, repo, device.ID)
	require.Equal(t, "first", snap["tp"].Value)
}

func TestRunDrainTolerantKeepsValidRecords(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeCache(), &fakeBus{})
	device := registerDevice(t, repo, "dev-1")
	p := queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, fmt.Sprintf(
		`{"device_key":"dev-1","data":[
			{"ts":%d,"values":{"tp":"21.5"}},
			{"ts":%d,"values":{"lat":95}}
		]}`, baseTs, baseTs+1000))

	summary, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)
	require.Equal(t, 1, summary.Diagnosed)
	require.Equal(t, 1, summary.GroupsInserted)

	require.Equal(t, models.PayloadStatusProcessed, repo.payloadByID(p.ID).Status)

	require.Len(t, repo.diags, 1)
	require.Equal(t, models.SeverityWarning, repo.diags[0].Severity)
	require.Equal(t, "LAT_INVALID", repo.diags[0].ReasonCodes)

	snap := telemetrySnapshot(t, repo, device.ID)
	require.Equal(t, "21.5", snap["tp"].Value)
	require.NotContains(t, snap, "lat")
}

func TestRunDrainStrictDropsWholePayload(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeCache(), &fakeBus{})
	device := registerDevice(t, repo, "dev-1")
	p := queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, fmt.Sprintf(
		`{"device_key":"dev-1","data":[
			{"ts":%d,"values":{"tp":"21.5"}},
			{"ts":%d,"values":{"lat":95}}
		]}`, baseTs, baseTs+1000))

	summary, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: false})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)
	require.Equal(t, 0, summary.GroupsInserted)
	require.Equal(t, 0, summary.RowsInserted)

	// Payload is terminal Processed even though its data was rejected
	require.Equal(t, models.PayloadStatusProcessed, repo.payloadByID(p.ID).Status)

	require.Len(t, repo.diags, 1)
	require.Equal(t, models.SeverityError, repo.diags[0].Severity)

	require.Empty(t, telemetrySnapshot(t, repo, device.ID))
}

func TestRunDrainTolerantAllInvalid(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeCache(), &fakeBus{})
	registerDevice(t, repo, "dev-1")
	queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry,
		`{"device_key":"dev-1","data":[{"ts":"abc","values":{}}]}`)

	_, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)

	require.Len(t, repo.diags, 1)
	require.Equal(t, models.SeverityError, repo.diags[0].Severity)
	require.Equal(t, "TS_NOT_INT", repo.diags[0].ReasonCodes)
}

func TestRunDrainDeviceNotFound(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeCache(), &fakeBus{})
	p := queuePayload(t, repo, "ghost", models.PayloadKindTelemetry, fmt.Sprintf(
		`{"device_key":"ghost","data":[{"ts":%d,"values":{"tp":"21"}}]}`, baseTs))

	_, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)

	require.Equal(t, models.PayloadStatusProcessed, repo.payloadByID(p.ID).Status)
	require.Len(t, repo.diags, 1)
	require.Equal(t, "DEVICE_NOT_FOUND", repo.diags[0].ReasonCodes)
	require.Equal(t, models.SeverityError, repo.diags[0].Severity)
	require.Empty(t, repo.groups)
}

func TestRunDrainMalformedJSON(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeCache(), &fakeBus{})
	p := queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, `{"device_key": "dev-1", "data": [`)

	_, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)

	// Malformed bodies are a business outcome, not an infrastructure fault
	require.Equal(t, models.PayloadStatusProcessed, repo.payloadByID(p.ID).Status)
	require.Len(t, repo.diags, 1)
	require.Equal(t, "BAD_JSON", repo.diags[0].ReasonCodes)
}

func TestRunDrainMissingKeyAndEmptyData(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeCache(), &fakeBus{})
	queuePayload(t, repo, "", models.PayloadKindTelemetry, `{"data":[]}`)

	_, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)

	require.Len(t, repo.diags, 1)
	// Reason codes are unique, sorted, comma-joined
	require.Equal(t, "EMPTY_OR_BAD_DATA,MISSING_DEVICE_KEY", repo.diags[0].ReasonCodes)
}

func TestRunDrainDedupWithinBatch(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeCache(), &fakeBus{})
	registerDevice(t, repo, "dev-1")

	// Same (device, ts, key) triple in two payloads: one row survives
	queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, fmt.Sprintf(
		`{"device_key":"dev-1","data":[{"ts":%d,"values":{"tp":"21"}}]}`, baseTs))
	queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, fmt.Sprintf(
		`{"device_key":"dev-1","data":[{"ts":%d,"values":{"tp":"21-dup"}}]}`, baseTs))

	summary, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)
	require.Equal(t, 1, summary.GroupsInserted)
	require.Equal(t, 1, summary.RowsInserted)
	require.Equal(t, "21", repo.rows[0].Value)
}

func TestRunDrainHistoryNewGroupPerDrain(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeCache(), &fakeBus{})
	device := registerDevice(t, repo, "dev-1")

	queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, fmt.Sprintf(
		`{"device_key":"dev-1","data":[{"ts":%d,"values":{"tp":"21"}}]}`, baseTs))
	_, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)

	// Same device and timestamp again in a later batch, different key
	queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, fmt.Sprintf(
		`{"device_key":"dev-1","data":[{"ts":%d,"values":{"bt":"50"}}]}`, baseTs))
	_, err = svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)

	groups, err := repo.ListReadingGroups(context.Background(), device.ID, 10)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.NotEqual(t, groups[0].ID, groups[1].ID)
	require.Equal(t, groups[0].Timestamp, groups[1].Timestamp)
}

func TestRunDrainSnapshotIdempotent(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeCache(), &fakeBus{})
	device := registerDevice(t, repo, "dev-1")
	raw := fmt.Sprintf(`{"device_key":"dev-1","data":[{"ts":%d,"values":{"tp":"21.5","bt":50}}]}`, baseTs)

	queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, raw)
	_, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)
	before := telemetrySnapshot(t, repo, device.ID)

	// Re-queue identical data and drain again
	queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, raw)
	_, err = svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)
	after := telemetrySnapshot(t, repo, device.ID)

	require.Equal(t, len(before), len(after))
	for key, entry := range before {
		require.Equal(t, entry.Value, after[key].Value, key)
		require.Equal(t, entry.TsMs, after[key].TsMs, key)
	}
}

func TestRunDrainConfigReadMergeReplace(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeCache(), &fakeBus{})
	device := registerDevice(t, repo, "dev-1")

	// First config payload establishes two keys
	queuePayload(t, repo, "dev-1", models.PayloadKindConfig, fmt.Sprintf(
		`{"device_key":"dev-1","data":[{"ts":%d,"values":{"interval":"60","mode":"eco"},"read_only_values":{"fw":"1.2.3"}}]}`, baseTs))
	_, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)

	// Second payload mentions only one key; the others must survive
	queuePayload(t, repo, "dev-1", models.PayloadKindConfig, fmt.Sprintf(
		`{"device_key":"dev-1","data":[{"ts":%d,"values":{"interval":"30"}}]}`, baseTs+1000))
	_, err = svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)

	snap := snapshotByKind(t, repo, device.ID, models.SnapshotKindConfig)
	require.Equal(t, "30", snap["interval"].Value)
	require.Equal(t, "eco", snap["mode"].Value)
	require.Equal(t, "1.2.3", snap["ro:fw"].Value)

	// Config payloads never write reading history
	require.Empty(t, repo.groups)
}

func TestRunDrainWriteFailureRollsBack(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeCache(), &fakeBus{})
	registerDevice(t, repo, "dev-1")
	p := queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, fmt.Sprintf(
		`{"device_key":"dev-1","data":[{"ts":%d,"values":{"tp":"21"}}]}`, baseTs))

	repo.failCreateGroup = true

	summary, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.Error(t, err)
	require.Equal(t, DrainSummary{}, summary)

	// The batch rolled back: payload stays queued, nothing was written
	require.Equal(t, models.PayloadStatusQueued, repo.payloadByID(p.ID).Status)
	require.Empty(t, repo.groups)
	require.Empty(t, repo.rows)
	require.Empty(t, repo.diags)

	// The next cycle picks the same payload up again
	repo.failCreateGroup = false
	summary, err = svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)
	require.Equal(t, models.PayloadStatusProcessed, repo.payloadByID(p.ID).Status)
}

func TestRunDrainSnapshotWriteFailureRollsBack(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeCache(), &fakeBus{})
	device := registerDevice(t, repo, "dev-1")
	p := queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, fmt.Sprintf(
		`{"device_key":"dev-1","data":[{"ts":%d,"values":{"tp":"21"}}]}`, baseTs))

	repo.failReplaceEntries = true

	summary, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.Error(t, err)
	require.Equal(t, DrainSummary{}, summary)

	require.Equal(t, models.PayloadStatusQueued, repo.payloadByID(p.ID).Status)
	// Reading groups written before the snapshot failure are rolled back too
	require.Empty(t, repo.groups)
	require.Empty(t, telemetrySnapshot(t, repo, device.ID))
}

func TestRunDrainLockContention(t *testing.T) {
	repo := newFakeRepo()
	c := newFakeCache()
	svc := newTestService(repo, c, &fakeBus{})

	// Another worker holds the lock
	require.NoError(t, c.Set(context.Background(), drainLockKey, "other-worker", time.Minute))

	_, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.ErrorIs(t, err, ErrDrainInProgress)

	// The contending call must not have released the other worker's lock
	held, err := c.Get(context.Background(), drainLockKey)
	require.NoError(t, err)
	require.Equal(t, "other-worker", held)
}

func TestRunDrainReleasesLock(t *testing.T) {
	repo := newFakeRepo()
	c := newFakeCache()
	svc := newTestService(repo, c, &fakeBus{})

	_, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), drainLockKey)
	require.Error(t, err, "lock must be released after the cycle")
}

func TestRunDrainTerminalStatusForAllSelected(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeCache(), &fakeBus{})
	registerDevice(t, repo, "dev-1")

	ids := []uint{
		queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, fmt.Sprintf(
			`{"device_key":"dev-1","data":[{"ts":%d,"values":{"tp":"21"}}]}`, baseTs)).ID,
		queuePayload(t, repo, "ghost", models.PayloadKindTelemetry, fmt.Sprintf(
			`{"device_key":"ghost","data":[{"ts":%d,"values":{"tp":"21"}}]}`, baseTs)).ID,
		queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, `not json at all`).ID,
	}

	_, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)

	for _, id := range ids {
		status := repo.payloadByID(id).Status
		require.Contains(t,
			[]models.PayloadStatus{models.PayloadStatusProcessed, models.PayloadStatusFailed},
			status, "payload %d", id)
	}
}

func TestRunDrainPublishesAlarmEvents(t *testing.T) {
	repo := newFakeRepo()
	bus := &fakeBus{}
	svc := newTestService(repo, newFakeCache(), bus)
	registerDevice(t, repo, "dev-1")

	queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, fmt.Sprintf(
		`{"device_key":"dev-1","data":[{"ts":%d,"values":{"ALINPVHI":"1","tp":"21"}}]}`, baseTs))

	_, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)
	require.Equal(t, 1, bus.alarmCount())
}

func TestRunDrainNoAlarmWhenClear(t *testing.T) {
	repo := newFakeRepo()
	bus := &fakeBus{}
	svc := newTestService(repo, newFakeCache(), bus)
	registerDevice(t, repo, "dev-1")

	queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry, fmt.Sprintf(
		`{"device_key":"dev-1","data":[{"ts":%d,"values":{"ALINPVHI":"0"}}]}`, baseTs))

	_, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)
	require.Zero(t, bus.alarmCount())
}

func TestRunDrainDiagnosticDetailCapped(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeCache(), &fakeBus{})
	registerDevice(t, repo, "dev-1")

	// Enough failing records to overflow the detail cap
	var records []string
	for i := 0; i < 200; i++ {
		records = append(records, `{"ts":"not-a-number","values":{}}`)
	}
	queuePayload(t, repo, "dev-1", models.PayloadKindTelemetry,
		`{"device_key":"dev-1","data":[`+strings.Join(records, ",")+`]}`)

	_, err := svc.RunDrain(context.Background(), DrainOptions{Tolerant: true})
	require.NoError(t, err)

	require.Len(t, repo.diags, 1)
	require.LessOrEqual(t, len(repo.diags[0].Detail), diagnosticDetailLimit)
	require.Equal(t, "TS_NOT_INT", repo.diags[0].ReasonCodes)
}
