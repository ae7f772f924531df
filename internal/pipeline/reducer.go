// internal/pipeline/reducer.go
package pipeline

import "time"

// Entry is one key's current winner in a latest-wins merge
type Entry struct {
	TsMs      int64
	Timestamp time.Time
	Value     string
	ReadOnly  bool
}

// Observation is one cleaned, timestamped key/value reading
type Observation struct {
	Key      string
	TsMs     int64
	Value    string
	ReadOnly bool
}

// MergeLatest folds incoming observations into current, keeping per key the
// entry with the strictly greatest TsMs. On an equal TsMs the entry already
// held wins, so within one sequence the first-seen observation is kept.
//
// The same fold is used to deduplicate records inside a payload, payloads
// inside a batch, and an incoming batch against the stored snapshot; the
// tie rule therefore behaves identically at all three call sites.
// current is mutated and returned; a nil current allocates a fresh map.
func MergeLatest(current map[string]Entry, incoming []Observation) map[string]Entry {
	if current == nil {
		current = make(map[string]Entry, len(incoming))
	}
	for _, obs := range incoming {
		held, exists := current[obs.Key]
		if exists && obs.TsMs <= held.TsMs {
			continue
		}
		current[obs.Key] = Entry{
			TsMs:      obs.TsMs,
			Timestamp: MsToTime(obs.TsMs),
			Value:     obs.Value,
			ReadOnly:  obs.ReadOnly,
		}
	}
	return current
}
