// Package model defines the watch record shared by every storage provider and
// the two operators that merge records: [Observe] for live watch events and
// [Reconcile] for already-aggregated records met during import or sync.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// IDLength is the fixed length of a record identifier.
const IDLength = 11

// ErrInvalidRecord is returned by [Validate] for records that must never be
// persisted.
var ErrInvalidRecord = errors.New("invalid watch record")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// WatchRecord is the unit of storage. Values are treated as immutable: every
// change produces a new record through [Observe] or [Reconcile].
type WatchRecord struct {
	// ID is the opaque external identifier and primary key.
	ID string `json:"id" db:"id"`

	// LastSeenAt is the last observation time in milliseconds since the epoch.
	LastSeenAt int64 `json:"lastSeenAt" db:"last_seen_at"`

	// Title is the display title. Never empty once persisted.
	Title string `json:"title" db:"title"`

	// ViewCount counts observations separated by at least the cooldown.
	ViewCount int `json:"viewCount" db:"view_count"`
}

// LastSeen returns LastSeenAt as a UTC time.
func (r WatchRecord) LastSeen() time.Time {
	return time.UnixMilli(r.LastSeenAt).UTC()
}

// Sighting is a single real-world watch event handed over by the collector.
type Sighting struct {
	ID         string
	Title      string
	ObservedAt int64 // ms since epoch

	// Cooldown is the minimum gap between two observations before the view
	// count increments again.
	Cooldown time.Duration
}

// Observe applies a watch event to the existing record (nil when the item has
// never been seen) and returns the new record.
func Observe(existing *WatchRecord, seen Sighting) WatchRecord {
	if existing == nil {
		return WatchRecord{
			ID:         seen.ID,
			LastSeenAt: seen.ObservedAt,
			Title:      seen.Title,
			ViewCount:  1,
		}
	}

	next := WatchRecord{
		ID:         existing.ID,
		LastSeenAt: seen.ObservedAt,
		Title:      existing.Title,
		ViewCount:  existing.ViewCount,
	}
	if seen.Title != "" {
		next.Title = seen.Title
	}
	if seen.ObservedAt-existing.LastSeenAt >= seen.Cooldown.Milliseconds() {
		next.ViewCount++
	}
	return next
}

// Reconcile merges two aggregated records of the same ID. The result keeps the
// newest timestamp, the larger view count and a's title unless it is empty.
// It is idempotent and monotonic, so repeated or out-of-order merges converge.
func Reconcile(a WatchRecord, b *WatchRecord) WatchRecord {
	if b == nil {
		return a
	}

	merged := WatchRecord{
		ID:         a.ID,
		LastSeenAt: max(a.LastSeenAt, b.LastSeenAt),
		Title:      a.Title,
		ViewCount:  max(a.ViewCount, b.ViewCount),
	}
	if merged.Title == "" {
		merged.Title = b.Title
	}
	return merged
}

// Equal reports whether two records are field-wise identical.
func Equal(a, b WatchRecord) bool {
	return a == b
}

// Normalize clamps fields that older exports may lack. Records without a view
// count are counted as viewed once.
func Normalize(r WatchRecord) WatchRecord {
	if r.ViewCount < 1 {
		r.ViewCount = 1
	}
	return r
}

// ValidID reports whether id matches the identifier pattern.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Validate reports whether r may be persisted. Callers in batch paths drop
// invalid records silently instead of surfacing the error.
func Validate(r WatchRecord) error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	case !ValidID(r.ID):
		return fmt.Errorf("%w: id %q is not a %d-character identifier", ErrInvalidRecord, r.ID, IDLength)
	case r.Title == "":
		return fmt.Errorf("%w: empty title for %s", ErrInvalidRecord, r.ID)
	case r.ViewCount < 1:
		return fmt.Errorf("%w: view count %d for %s", ErrInvalidRecord, r.ViewCount, r.ID)
	case r.LastSeenAt <= 0:
		return fmt.Errorf("%w: missing last-seen time for %s", ErrInvalidRecord, r.ID)
	}
	return nil
}
