package event

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agendo/agendo/pkg/permission"
)

// StubEventRepository is an in-memory Repository for service tests.
// ConflictsLeft injects version sequence conflicts into AppendVersion to
// exercise the retry path.
type StubEventRepository struct {
	Events        map[string]*Event
	Versions      map[string][]Version
	Grants        map[string]map[string]permission.Role
	ConflictsLeft int

	nextId int
}

func NewStubEventRepository() *StubEventRepository {
	return &StubEventRepository{
		Events:   map[string]*Event{},
		Versions: map[string][]Version{},
		Grants:   map[string]map[string]permission.Role{},
	}
}

func (s *StubEventRepository) WithTransaction(ctx context.Context, fn func(repo Repository) error) error {
	return fn(s)
}

func (s *StubEventRepository) newId(prefix string) string {
	s.nextId++
	return fmt.Sprintf("%s-%d", prefix, s.nextId)
}

func (s *StubEventRepository) CreateEvent(ctx context.Context, creatorId string, snapshot Snapshot, now time.Time) (*Event, error) {
	eventId := s.newId("event")
	version := Version{
		ID:        s.newId("version"),
		EventID:   eventId,
		Number:    1,
		Snapshot:  snapshot,
		AuthorID:  creatorId,
		CreatedAt: now,
	}
	event := &Event{ID: eventId, CreatorID: creatorId, CreatedAt: now, Current: version}
	s.Events[eventId] = event
	s.Versions[eventId] = []Version{version}
	s.Grants[eventId] = map[string]permission.Role{creatorId: permission.RoleOwner}
	return event, nil
}

func (s *StubEventRepository) GetEvent(ctx context.Context, eventId string) (*Event, error) {
	event, ok := s.Events[eventId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventId)
	}
	copied := *event
	return &copied, nil
}

func (s *StubEventRepository) AppendVersion(ctx context.Context, eventId string, authorId string, snapshot Snapshot, derivedFrom *string, now time.Time) (*Version, error) {
	event, ok := s.Events[eventId]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventId)
	}
	if s.ConflictsLeft > 0 {
		s.ConflictsLeft--
		return nil, fmt.Errorf("%w: event %s", ErrSequenceConflict, eventId)
	}
	version := Version{
		ID:          s.newId("version"),
		EventID:     eventId,
		Number:      len(s.Versions[eventId]) + 1,
		Snapshot:    snapshot,
		AuthorID:    authorId,
		CreatedAt:   now,
		DerivedFrom: derivedFrom,
	}
	s.Versions[eventId] = append(s.Versions[eventId], version)
	event.Current = version
	return &version, nil
}

func (s *StubEventRepository) GetVersion(ctx context.Context, eventId string, versionId string) (*Version, error) {
	for _, version := range s.Versions[eventId] {
		if version.ID == versionId {
			copied := version
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("%w: event %s version %s", ErrVersionNotFound, eventId, versionId)
}

func (s *StubEventRepository) ListVersions(ctx context.Context, eventId string) ([]VersionSummary, error) {
	versions := s.Versions[eventId]
	summaries := make([]VersionSummary, len(versions))
	for i, version := range versions {
		summaries[i] = version.Summary()
	}
	return summaries, nil
}

func (s *StubEventRepository) ListFullVersions(ctx context.Context, eventId string) ([]Version, error) {
	return append([]Version{}, s.Versions[eventId]...), nil
}

func (s *StubEventRepository) ListVisibleEvents(ctx context.Context, principalId string) ([]Event, error) {
	visible := make([]Event, 0, len(s.Events))
	for eventId, grants := range s.Grants {
		if _, ok := grants[principalId]; ok {
			visible = append(visible, *s.Events[eventId])
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		if !visible[i].Current.Snapshot.StartTime.Equal(visible[j].Current.Snapshot.StartTime) {
			return visible[i].Current.Snapshot.StartTime.Before(visible[j].Current.Snapshot.StartTime)
		}
		return visible[i].ID < visible[j].ID
	})
	return visible, nil
}

func (s *StubEventRepository) DeleteEvent(ctx context.Context, eventId string) error {
	if _, ok := s.Events[eventId]; !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventId)
	}
	delete(s.Events, eventId)
	delete(s.Versions, eventId)
	delete(s.Grants, eventId)
	return nil
}

func (s *StubEventRepository) RoleOf(ctx context.Context, eventId string, principalId string) (permission.Role, bool, error) {
	role, ok := s.Grants[eventId][principalId]
	return role, ok, nil
}

func (s *StubEventRepository) SetGrant(eventId string, principalId string, role permission.Role) {
	if s.Grants[eventId] == nil {
		s.Grants[eventId] = map[string]permission.Role{}
	}
	s.Grants[eventId][principalId] = role
}
