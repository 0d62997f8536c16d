package event

// The diff engine compares two snapshots field by field. It is a pure function
// of its inputs: no storage access, no clock, deterministic output order.

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// FieldChange describes how one snapshot field differs between two versions.
// Old is unset for added fields, New for removed ones.
type FieldChange struct {
	Field string
	Kind  ChangeKind
	Old   any
	New   any
}

// Diff returns the field-level changes from a to b. Equal fields are omitted.
// Fields appear in a fixed canonical order (title, description, start_time,
// end_time, location, recurrence, metadata) regardless of how either snapshot
// was built, so diff output is deterministic. Collection-valued fields are
// compared structurally: recurrence exception sets ignore order, metadata maps
// compare by key.
func Diff(a, b Snapshot) []FieldChange {
	a = a.normalized()
	b = b.normalized()

	changes := make([]FieldChange, 0, 4)

	if a.Title != b.Title {
		changes = append(changes, FieldChange{Field: "title", Kind: ChangeModified, Old: a.Title, New: b.Title})
	}
	changes = appendOptionalString(changes, "description", a.Description, b.Description)
	if !a.StartTime.Equal(b.StartTime) {
		changes = append(changes, FieldChange{Field: "start_time", Kind: ChangeModified, Old: a.StartTime, New: b.StartTime})
	}
	if !a.EndTime.Equal(b.EndTime) {
		changes = append(changes, FieldChange{Field: "end_time", Kind: ChangeModified, Old: a.EndTime, New: b.EndTime})
	}
	changes = appendOptionalString(changes, "location", a.Location, b.Location)

	switch {
	case a.Recurrence == nil && b.Recurrence != nil:
		changes = append(changes, FieldChange{Field: "recurrence", Kind: ChangeAdded, New: b.Recurrence})
	case a.Recurrence != nil && b.Recurrence == nil:
		changes = append(changes, FieldChange{Field: "recurrence", Kind: ChangeRemoved, Old: a.Recurrence})
	case a.Recurrence != nil && !a.Recurrence.Equal(b.Recurrence):
		changes = append(changes, FieldChange{Field: "recurrence", Kind: ChangeModified, Old: a.Recurrence, New: b.Recurrence})
	}

	switch {
	case len(a.Metadata) == 0 && len(b.Metadata) > 0:
		changes = append(changes, FieldChange{Field: "metadata", Kind: ChangeAdded, New: b.Metadata})
	case len(a.Metadata) > 0 && len(b.Metadata) == 0:
		changes = append(changes, FieldChange{Field: "metadata", Kind: ChangeRemoved, Old: a.Metadata})
	case len(a.Metadata) > 0 && !metadataEqual(a.Metadata, b.Metadata):
		changes = append(changes, FieldChange{Field: "metadata", Kind: ChangeModified, Old: a.Metadata, New: b.Metadata})
	}

	return changes
}

func appendOptionalString(changes []FieldChange, field string, a, b *string) []FieldChange {
	switch {
	case a == nil && b != nil:
		changes = append(changes, FieldChange{Field: field, Kind: ChangeAdded, New: *b})
	case a != nil && b == nil:
		changes = append(changes, FieldChange{Field: field, Kind: ChangeRemoved, Old: *a})
	case a != nil && b != nil && *a != *b:
		changes = append(changes, FieldChange{Field: field, Kind: ChangeModified, Old: *a, New: *b})
	}
	return changes
}

func metadataEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if other, ok := b[k]; !ok || other != v {
			return false
		}
	}
	return true
}
