package event

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/agendo/agendo/internal/config"
	"github.com/agendo/agendo/internal/utils"
	"github.com/agendo/agendo/pkg/permission"
	"github.com/agendo/agendo/pkg/principal"
	"github.com/agendo/agendo/pkg/recurrence"
	log "github.com/sirupsen/logrus"
)

// Authority answers permission questions for read paths. Write paths instead
// re-check the role inside the repository transaction so the check and the
// write cannot be separated by a concurrent revocation.
type Authority interface {
	Authorize(ctx context.Context, eventId string, principalId string, required permission.Role) error
}

type Service interface {
	CreateEvent(ctx context.Context, snapshot Snapshot) (*Event, error)
	CreateEvents(ctx context.Context, snapshots []Snapshot) ([]BatchItem, error)
	GetEvent(ctx context.Context, eventId string) (*Event, error)
	UpdateEvent(ctx context.Context, eventId string, snapshot Snapshot) (*Event, error)
	DeleteEvent(ctx context.Context, eventId string) error
	RollbackEvent(ctx context.Context, eventId string, versionId string) (*Event, error)
	ListEvents(ctx context.Context, filter ListFilter) (*EventList, error)
	GetVersion(ctx context.Context, eventId string, versionId string) (*Version, error)
	ListVersions(ctx context.Context, eventId string) ([]VersionSummary, error)
	GetChangelog(ctx context.Context, eventId string) ([]ChangelogEntry, error)
	DiffVersions(ctx context.Context, eventId string, versionIdA string, versionIdB string) ([]FieldChange, error)
}

type ServiceImpl struct {
	repo     Repository
	auth     Authority
	expander *recurrence.Expander
	clock    utils.Clock
	listing  config.Listing
}

func NewService(repo Repository, auth Authority, expander *recurrence.Expander, clock utils.Clock, listing config.Listing) *ServiceImpl {
	return &ServiceImpl{repo: repo, auth: auth, expander: expander, clock: clock, listing: listing}
}

func (s *ServiceImpl) CreateEvent(ctx context.Context, snapshot Snapshot) (*Event, error) {
	creatorId, err := principal.CurrentID(ctx)
	if err != nil {
		return nil, err
	}
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}

	var created *Event
	err = s.repo.WithTransaction(ctx, func(repo Repository) error {
		var txErr error
		created, txErr = repo.CreateEvent(ctx, creatorId, snapshot.normalized(), s.clock.Now().UTC())
		return txErr
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Created event %s (creator %s)", created.ID, creatorId)
	return created, nil
}

// CreateEvents creates each snapshot independently. A failed item does not
// abort the rest; its error is reported in the matching batch slot.
func (s *ServiceImpl) CreateEvents(ctx context.Context, snapshots []Snapshot) ([]BatchItem, error) {
	if _, err := principal.CurrentID(ctx); err != nil {
		return nil, err
	}
	items := make([]BatchItem, len(snapshots))
	for i, snapshot := range snapshots {
		created, err := s.CreateEvent(ctx, snapshot)
		items[i] = BatchItem{Index: i, Event: created, Err: err}
	}
	return items, nil
}

func (s *ServiceImpl) GetEvent(ctx context.Context, eventId string) (*Event, error) {
	principalId, err := principal.CurrentID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.auth.Authorize(ctx, eventId, principalId, permission.RoleViewer); err != nil {
		return nil, translateAuthErr(err)
	}
	return s.repo.GetEvent(ctx, eventId)
}

// UpdateEvent appends a new version with the given content. The editor check
// runs inside the same transaction as the append. A version-number collision
// with a concurrent writer is retried once before giving up.
func (s *ServiceImpl) UpdateEvent(ctx context.Context, eventId string, snapshot Snapshot) (*Event, error) {
	principalId, err := principal.CurrentID(ctx)
	if err != nil {
		return nil, err
	}
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}
	return s.appendWithRetry(ctx, eventId, principalId, snapshot.normalized(), nil)
}

// RollbackEvent copies the target version's content into a fresh version at
// the head of the sequence. History is never rewritten.
func (s *ServiceImpl) RollbackEvent(ctx context.Context, eventId string, versionId string) (*Event, error) {
	principalId, err := principal.CurrentID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.auth.Authorize(ctx, eventId, principalId, permission.RoleEditor); err != nil {
		return nil, translateAuthErr(err)
	}
	target, err := s.repo.GetVersion(ctx, eventId, versionId)
	if err != nil {
		return nil, err
	}
	derivedFrom := target.ID
	event, err := s.appendWithRetry(ctx, eventId, principalId, target.Snapshot, &derivedFrom)
	if err != nil {
		return nil, err
	}
	log.Infof("Rolled back event %s to version %d", eventId, target.Number)
	return event, nil
}

func (s *ServiceImpl) appendWithRetry(ctx context.Context, eventId string, principalId string, snapshot Snapshot, derivedFrom *string) (*Event, error) {
	var event *Event
	attempt := func() error {
		return s.repo.WithTransaction(ctx, func(repo Repository) error {
			if err := s.requireRole(ctx, repo, eventId, principalId, permission.RoleEditor); err != nil {
				return err
			}
			if _, err := repo.AppendVersion(ctx, eventId, principalId, snapshot, derivedFrom, s.clock.Now().UTC()); err != nil {
				return err
			}
			var err error
			event, err = repo.GetEvent(ctx, eventId)
			return err
		})
	}

	err := attempt()
	if errors.Is(err, ErrSequenceConflict) {
		log.Warnf("Version conflict on event %s, retrying once", eventId)
		err = attempt()
	}
	if errors.Is(err, ErrSequenceConflict) {
		return nil, fmt.Errorf("%w: event %s", ErrConcurrentModification, eventId)
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (s *ServiceImpl) DeleteEvent(ctx context.Context, eventId string) error {
	principalId, err := principal.CurrentID(ctx)
	if err != nil {
		return err
	}
	err = s.repo.WithTransaction(ctx, func(repo Repository) error {
		if err := s.requireRole(ctx, repo, eventId, principalId, permission.RoleOwner); err != nil {
			return err
		}
		return repo.DeleteEvent(ctx, eventId)
	})
	if err != nil {
		return err
	}
	log.Infof("Deleted event %s", eventId)
	return nil
}

// requireRole resolves the principal's grant through the transaction-scoped
// repository, so the check shares the mutation's isolation and a revocation
// racing the write cannot slip between check and apply.
func (s *ServiceImpl) requireRole(ctx context.Context, repo Repository, eventId string, principalId string, required permission.Role) error {
	role, found, err := repo.RoleOf(ctx, eventId, principalId)
	if err != nil {
		return err
	}
	if !found {
		if _, err := repo.GetEvent(ctx, eventId); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s on event %s", permission.ErrForbidden, principalId, eventId)
	}
	if !role.AtLeast(required) {
		return fmt.Errorf("%w: %s requires %s on event %s", permission.ErrForbidden, principalId, required, eventId)
	}
	return nil
}

func (s *ServiceImpl) GetVersion(ctx context.Context, eventId string, versionId string) (*Version, error) {
	principalId, err := principal.CurrentID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.auth.Authorize(ctx, eventId, principalId, permission.RoleViewer); err != nil {
		return nil, translateAuthErr(err)
	}
	return s.repo.GetVersion(ctx, eventId, versionId)
}

func (s *ServiceImpl) ListVersions(ctx context.Context, eventId string) ([]VersionSummary, error) {
	principalId, err := principal.CurrentID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.auth.Authorize(ctx, eventId, principalId, permission.RoleViewer); err != nil {
		return nil, translateAuthErr(err)
	}
	return s.repo.ListVersions(ctx, eventId)
}

// GetChangelog returns every version in ascending order, each annotated with
// the field changes relative to its predecessor. The first entry has no
// changes.
func (s *ServiceImpl) GetChangelog(ctx context.Context, eventId string) ([]ChangelogEntry, error) {
	principalId, err := principal.CurrentID(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.auth.Authorize(ctx, eventId, principalId, permission.RoleViewer); err != nil {
		return nil, translateAuthErr(err)
	}
	versions, err := s.repo.ListFullVersions(ctx, eventId)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventId)
	}

	entries := make([]ChangelogEntry, len(versions))
	for i, version := range versions {
		entries[i] = ChangelogEntry{Version: version.Summary()}
		if i > 0 {
			entries[i].Changes = Diff(versions[i-1].Snapshot, version.Snapshot)
		}
	}
	return entries, nil
}

func (s *ServiceImpl) DiffVersions(ctx context.Context, eventId string, versionIdA string, versionIdB string) ([]FieldChange, error) {
	principalId, err := principal.CurrentID(ctx)
	if err != nil {
		return nil, err
	}
	if versionIdA == versionIdB {
		return nil, fmt.Errorf("%w: %s", ErrSelfDiff, versionIdA)
	}
	if err := s.auth.Authorize(ctx, eventId, principalId, permission.RoleViewer); err != nil {
		return nil, translateAuthErr(err)
	}
	a, err := s.repo.GetVersion(ctx, eventId, versionIdA)
	if err != nil {
		return nil, err
	}
	b, err := s.repo.GetVersion(ctx, eventId, versionIdB)
	if err != nil {
		return nil, err
	}
	return Diff(a.Snapshot, b.Snapshot), nil
}

// ListEvents returns the principal's visible events. Without a time window it
// pages over events by current start time. With a window, recurring events
// are expanded into their occurrences first and pagination applies to the
// merged occurrence list.
func (s *ServiceImpl) ListEvents(ctx context.Context, filter ListFilter) (*EventList, error) {
	principalId, err := principal.CurrentID(ctx)
	if err != nil {
		return nil, err
	}
	skip, limit := s.clampPage(filter.Skip, filter.Limit)

	events, err := s.repo.ListVisibleEvents(ctx, principalId)
	if err != nil {
		return nil, err
	}

	var instances []Instance
	if filter.From == nil || filter.To == nil {
		instances = make([]Instance, 0, len(events))
		for _, event := range events {
			instances = append(instances, instanceOf(event, event.Current.Snapshot.StartTime, event.Current.Snapshot.EndTime))
		}
	} else {
		instances = make([]Instance, 0, len(events))
		for _, event := range events {
			snapshot := event.Current.Snapshot
			occurrences, err := s.expander.Expand(snapshot.Recurrence, snapshot.StartTime, snapshot.EndTime, *filter.From, *filter.To)
			if err != nil {
				return nil, fmt.Errorf("expanding event %s: %w", event.ID, err)
			}
			for _, occ := range occurrences {
				instances = append(instances, instanceOf(event, occ.Start, occ.End))
			}
		}
		sort.Slice(instances, func(i, j int) bool {
			if !instances[i].StartTime.Equal(instances[j].StartTime) {
				return instances[i].StartTime.Before(instances[j].StartTime)
			}
			return instances[i].EventID < instances[j].EventID
		})
	}

	total := len(instances)
	if skip >= total {
		instances = []Instance{}
	} else {
		end := skip + limit
		if end > total {
			end = total
		}
		instances = instances[skip:end]
	}

	return &EventList{Instances: instances, Total: total, Skip: skip, Limit: limit}, nil
}

func (s *ServiceImpl) clampPage(skip int, limit int) (int, int) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = s.listing.DefaultPageSize
	}
	if limit > s.listing.MaxPageSize {
		limit = s.listing.MaxPageSize
	}
	return skip, limit
}

func instanceOf(event Event, start time.Time, end time.Time) Instance {
	return Instance{
		EventID:   event.ID,
		Title:     event.Current.Snapshot.Title,
		Location:  event.Current.Snapshot.Location,
		StartTime: start,
		EndTime:   end,
		Recurring: event.Current.Snapshot.Recurrence != nil,
	}
}

// translateAuthErr maps the permission package's not-found sentinel onto this
// package's so handlers only match one.
func translateAuthErr(err error) error {
	if errors.Is(err, permission.ErrEventNotFound) {
		return fmt.Errorf("%w: %v", ErrEventNotFound, err)
	}
	return err
}
