// Package dayindex maintains the per-device, per-day manifest of captured
// media. The manifest is a single JSON object in the store; concurrent
// writers coordinate only through conditional writes on its ETag.
package dayindex

import (
	"time"

	"github.com/dmitrijs2005/fieldcap/internal/server/keys"
)

// Event is the metadata of one stored object, as handed over by ingestion.
type Event struct {
	DeviceID string
	Key      string // full object key, "<deviceId>/..."
	Kind     string
	Bytes    int64
	SHA256   string
}

// Record is one manifest entry. Key is relative to the device prefix.
type Record struct {
	ID     string    `json:"id"`
	TS     time.Time `json:"ts"`
	Key    string    `json:"key"`
	Kind   string    `json:"kind"`
	Bytes  int64     `json:"bytes"`
	SHA256 string    `json:"sha256"`
}

// Document is the day index stored at keys.DayIndex(DeviceID, Date).
type Document struct {
	DeviceID    string    `json:"deviceId"`
	Date        string    `json:"date"`
	GeneratedTS time.Time `json:"generatedTs"`
	UpdatedTS   time.Time `json:"updatedTs"`
	Events      []Record  `json:"events"`
}

// DedupeKey identifies a logical event: the same object key with the same
// content hash is the same capture, however many times it is reported.
func DedupeKey(relKey, sha256 string) string {
	return relKey + ":" + sha256
}

func (r Record) dedupeKey(deviceID string) string {
	return DedupeKey(keys.Relative(deviceID, r.Key), r.SHA256)
}

// ApplyMerge folds ev into doc. A record with the same dedupe key is updated
// in place and keeps its id; otherwise a record with a fresh id is appended.
// The list is then cut to the newest limit records (limit <= 0 disables the
// cut) and UpdatedTS moves forward to now, never backwards.
func ApplyMerge(doc *Document, ev Event, limit int, now time.Time, newID func() string) {
	rel := keys.Relative(ev.DeviceID, ev.Key)
	dk := DedupeKey(rel, ev.SHA256)

	merged := false
	for i := range doc.Events {
		if doc.Events[i].dedupeKey(doc.DeviceID) != dk {
			continue
		}
		r := &doc.Events[i]
		r.TS = now
		r.Key = rel
		r.Kind = ev.Kind
		r.Bytes = ev.Bytes
		r.SHA256 = ev.SHA256
		merged = true
		break
	}
	if !merged {
		doc.Events = append(doc.Events, Record{
			ID:     newID(),
			TS:     now,
			Key:    rel,
			Kind:   ev.Kind,
			Bytes:  ev.Bytes,
			SHA256: ev.SHA256,
		})
	}

	if limit > 0 && len(doc.Events) > limit {
		doc.Events = append([]Record(nil), doc.Events[len(doc.Events)-limit:]...)
	}

	if now.After(doc.UpdatedTS) {
		doc.UpdatedTS = now
	}
}

// collapse removes duplicate dedupe keys that may exist in documents written
// by older or lossy writers. The first occurrence keeps its position and id,
// later occurrences contribute their field values.
func collapse(doc *Document) {
	seen := make(map[string]int, len(doc.Events))
	out := doc.Events[:0]
	for _, r := range doc.Events {
		dk := r.dedupeKey(doc.DeviceID)
		if i, ok := seen[dk]; ok {
			id := out[i].ID
			out[i] = r
			out[i].ID = id
			continue
		}
		seen[dk] = len(out)
		out = append(out, r)
	}
	doc.Events = out
}
