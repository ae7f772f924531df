// internal/pipeline/validator.go
package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ReasonCode identifies one class of ingest validation failure
type ReasonCode string

const (
	// ReasonBadSchema means a record is missing its ts or values member
	ReasonBadSchema ReasonCode = "BAD_SCHEMA"
	// ReasonTsNotInt means the record timestamp is not an integer
	ReasonTsNotInt ReasonCode = "TS_NOT_INT"
	// ReasonTsOutOfRange means the timestamp falls outside the accepted window
	ReasonTsOutOfRange ReasonCode = "TS_OUT_OF_RANGE"
	// ReasonLatInvalid means a latitude field is outside [-90, 90]
	ReasonLatInvalid ReasonCode = "LAT_INVALID"
	// ReasonLongInvalid means a longitude field is outside [-180, 180]
	ReasonLongInvalid ReasonCode = "LONG_INVALID"
	// ReasonBtRange means a battery percentage field is outside [0, 100]
	ReasonBtRange ReasonCode = "BT_RANGE"
	// ReasonMissingDeviceKey means the payload carries no device_key
	ReasonMissingDeviceKey ReasonCode = "MISSING_DEVICE_KEY"
	// ReasonEmptyOrBadData means the payload data[] array is missing or empty
	ReasonEmptyOrBadData ReasonCode = "EMPTY_OR_BAD_DATA"
	// ReasonDeviceNotFound means no registered device matches the payload's key
	ReasonDeviceNotFound ReasonCode = "DEVICE_NOT_FOUND"
	// ReasonBadJSON means the raw payload could not be parsed at all
	ReasonBadJSON ReasonCode = "BAD_JSON"
)

// PayloadErrorIndex marks errors that apply to the payload as a whole
// rather than to a single data[] record.
const PayloadErrorIndex = -1

// RecordError is one validation failure, attributed to a record index
type RecordError struct {
	Index   int
	Code    ReasonCode
	Message string
}

// Payload is the decoded shape of one raw ingest request body
type Payload struct {
	DeviceKey string   `json:"device_key"`
	Data      []Record `json:"data"`
}

// Record is one entry of a payload's data[] array. Members stay raw until
// validation so that "absent" and "present but malformed" are distinguishable.
type Record struct {
	Ts             json.RawMessage `json:"ts"`
	Values         json.RawMessage `json:"values"`
	ReadOnlyValues json.RawMessage `json:"read_only_values"`
}

// Windows bounds how far in the past or future a record timestamp may lie
type Windows struct {
	Past   time.Duration
	Future time.Duration
}

// DefaultWindows matches the ingestion policy defaults: 365 days back,
// 1440 minutes forward.
var DefaultWindows = Windows{
	Past:   365 * 24 * time.Hour,
	Future: 1440 * time.Minute,
}

// ParsePayload decodes a raw ingest body. Numbers inside values maps are
// preserved as json.Number so integers survive untouched.
func ParsePayload(raw []byte) (*Payload, error) {
	var p Payload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ValidateRecord validates one record against schema and range rules.
//
// Schema failures (missing ts or values, non-integer ts) reject the record
// outright and return an empty cleaned map. Range failures are soft: the
// record is flagged invalid but its cleaned values are still returned so
// that tolerant-mode callers can decide what to keep. Errors are appended
// to the caller's collector so one list can span a whole payload.
// The function is pure: same record and same now always yield the same result.
func ValidateRecord(rec Record, idx int, nowMs int64, w Windows, errs *[]RecordError) (bool, int64, map[string]any) {
	if len(rec.Ts) == 0 || rec.Values == nil {
		*errs = append(*errs, RecordError{idx, ReasonBadSchema, "each item must contain 'ts' and 'values'"})
		return false, 0, map[string]any{}
	}

	tsMs, err := parseTsMs(rec.Ts)
	if err != nil {
		*errs = append(*errs, RecordError{idx, ReasonTsNotInt, fmt.Sprintf("ts not int: %s", rec.Ts)})
		return false, 0, map[string]any{}
	}

	ok := true
	minMs := nowMs - w.Past.Milliseconds()
	maxMs := nowMs + w.Future.Milliseconds()
	if tsMs < minMs || tsMs > maxMs {
		*errs = append(*errs, RecordError{idx, ReasonTsOutOfRange, fmt.Sprintf("ts=%d", tsMs)})
		ok = false
	}

	values, err := decodeValues(rec.Values)
	if err != nil {
		*errs = append(*errs, RecordError{idx, ReasonBadSchema, fmt.Sprintf("values not an object: %v", err)})
		return false, tsMs, map[string]any{}
	}
	cleaned := NormalizeKeys(values)

	if raw, present := cleaned["lat"]; present {
		if lat, numOk := toFloat(raw); !numOk || lat < -90 || lat > 90 {
			*errs = append(*errs, RecordError{idx, ReasonLatInvalid, fmt.Sprintf("lat=%v", raw)})
			ok = false
		}
	}
	if raw, present := cleaned["long"]; present {
		if lng, numOk := toFloat(raw); !numOk || lng < -180 || lng > 180 {
			*errs = append(*errs, RecordError{idx, ReasonLongInvalid, fmt.Sprintf("long=%v", raw)})
			ok = false
		}
	}
	if raw, present := cleaned["bt"]; present {
		if bt, numOk := toFloat(raw); !numOk || bt < 0 || bt > 100 {
			*errs = append(*errs, RecordError{idx, ReasonBtRange, fmt.Sprintf("bt=%v", raw)})
			ok = false
		}
	}

	// image blobs never belong in the normalized views
	delete(cleaned, "im")

	return ok, tsMs, cleaned
}

// NormalizeKeys canonicalizes field names, mapping hyphens to underscores.
// Later duplicates win when normalization collapses two keys.
func NormalizeKeys(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[strings.ReplaceAll(k, "-", "_")] = v
	}
	return out
}

// DecodeReadOnlyValues decodes a record's read_only_values member, used by
// config payloads. Keys are kept verbatim. A missing member yields nil.
func DecodeReadOnlyValues(rec Record) (map[string]any, error) {
	if rec.ReadOnlyValues == nil {
		return nil, nil
	}
	return decodeValues(rec.ReadOnlyValues)
}

// ValueString renders a cleaned value for persistence in the key/value rows
func ValueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// MsToTime converts a millisecond epoch timestamp to UTC wall-clock time
func MsToTime(tsMs int64) time.Time {
	return time.UnixMilli(tsMs).UTC()
}

func parseTsMs(raw json.RawMessage) (int64, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return 0, err
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("not a number: %v", v)
	}
	return n.Int64()
}

func decodeValues(raw json.RawMessage) (map[string]any, error) {
	var values map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}
	if values == nil {
		values = map[string]any{}
	}
	return values, nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case float64:
		return t, true
	default:
		return 0, false
	}
}
