package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/agendo/agendo/pkg/recurrence"
)

var (
	ErrEventNotFound   = errors.New("event not found")
	ErrVersionNotFound = errors.New("event version not found")
	ErrInvalidSnapshot = errors.New("invalid event snapshot")
	// ErrSequenceConflict is the internal signal that a concurrent writer took
	// the next version number first. The service retries once before turning
	// it into ErrConcurrentModification.
	ErrSequenceConflict       = errors.New("version sequence conflict")
	ErrConcurrentModification = errors.New("event was modified concurrently")
	ErrStoreUnavailable       = errors.New("event store unavailable")
	ErrSelfDiff               = errors.New("cannot diff a version against itself")
)

// Snapshot is the full field content of an event at one version. Snapshots are
// immutable once persisted; every mutation appends a new one.
type Snapshot struct {
	Title       string
	Description *string
	StartTime   time.Time
	EndTime     time.Time
	Location    *string
	Recurrence  *recurrence.Spec
	Metadata    map[string]string
}

func (s Snapshot) Validate() error {
	if s.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidSnapshot)
	}
	if !s.EndTime.After(s.StartTime) {
		return fmt.Errorf("%w: end time must be after start time", ErrInvalidSnapshot)
	}
	if s.Recurrence != nil {
		if err := s.Recurrence.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// normalized returns a copy with all instants converted to UTC, so snapshots
// compare and persist independently of the caller's zone.
func (s Snapshot) normalized() Snapshot {
	s.StartTime = s.StartTime.UTC()
	s.EndTime = s.EndTime.UTC()
	if s.Recurrence != nil {
		s.Recurrence = &recurrence.Spec{
			Pattern:    s.Recurrence.Pattern,
			Exceptions: s.Recurrence.NormalizedExceptions(),
		}
	}
	return s
}

// Version is an immutable snapshot of an event, identified by a per-event
// strictly increasing sequence number.
type Version struct {
	ID        string
	EventID   string
	Number    int
	Snapshot  Snapshot
	AuthorID  string
	CreatedAt time.Time
	// DerivedFrom records rollback provenance: the id of the historical
	// version this one was copied from, nil for ordinary edits.
	DerivedFrom *string
}

func (v Version) Summary() VersionSummary {
	return VersionSummary{
		ID:        v.ID,
		Number:    v.Number,
		Title:     v.Snapshot.Title,
		AuthorID:  v.AuthorID,
		CreatedAt: v.CreatedAt,
	}
}

// Event is the logical identity of a collaborative event together with its
// current version.
type Event struct {
	ID        string
	CreatorID string
	CreatedAt time.Time
	Current   Version
}

// VersionSummary is the changelog view of a version, without the full snapshot.
type VersionSummary struct {
	ID        string
	Number    int
	Title     string
	AuthorID  string
	CreatedAt time.Time
}

// Instance is one occurrence of a possibly-recurring event within a listing
// window.
type Instance struct {
	EventID   string
	Title     string
	Location  *string
	StartTime time.Time
	EndTime   time.Time
	Recurring bool
}

// ListFilter narrows and paginates an event listing. When From and To are set,
// recurring events are expanded and pagination applies to the expanded
// occurrences, not to the raw event count.
type ListFilter struct {
	From  *time.Time
	To    *time.Time
	Skip  int
	Limit int
}

// EventList is a page of listing results plus the pre-pagination total.
type EventList struct {
	Instances []Instance
	Total     int
	Skip      int
	Limit     int
}

// ChangelogEntry pairs a version with the field changes it introduced over its
// predecessor. Changes is nil for the initial version.
type ChangelogEntry struct {
	Version VersionSummary
	Changes []FieldChange
}

// BatchItem is the per-snapshot outcome of a batch create.
type BatchItem struct {
	Index int
	Event *Event
	Err   error
}
