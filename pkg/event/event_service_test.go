package event

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/agendo/agendo/internal/config"
	"github.com/agendo/agendo/internal/utils"
	"github.com/agendo/agendo/pkg/permission"
	"github.com/agendo/agendo/pkg/principal"
	"github.com/agendo/agendo/pkg/recurrence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAuthority answers permission checks from the stub repository's grants.
type stubAuthority struct {
	repo *StubEventRepository
}

func (a *stubAuthority) Authorize(ctx context.Context, eventId string, principalId string, required permission.Role) error {
	if _, ok := a.repo.Events[eventId]; !ok {
		return fmt.Errorf("%w: %s", permission.ErrEventNotFound, eventId)
	}
	role, ok := a.repo.Grants[eventId][principalId]
	if !ok || !role.AtLeast(required) {
		return fmt.Errorf("%w: %s on event %s", permission.ErrForbidden, principalId, eventId)
	}
	return nil
}

var testListing = config.Listing{DefaultPageSize: 100, MaxPageSize: 200}

func newTestService(repo *StubEventRepository, now time.Time) *ServiceImpl {
	return NewService(repo, &stubAuthority{repo: repo}, recurrence.NewExpander(0, 0), &utils.MockClock{FixedNow: now}, testListing)
}

func asPrincipal(id string) context.Context {
	return principal.WithID(context.Background(), id)
}

func TestCreateEvent(t *testing.T) {
	now := time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC)

	t.Run("creates initial version and owner grant", func(t *testing.T) {
		repo := NewStubEventRepository()
		service := newTestService(repo, now)

		created, err := service.CreateEvent(asPrincipal("alice"), baseSnapshot())
		require.NoError(t, err)
		assert.Equal(t, 1, created.Current.Number)
		assert.Equal(t, "alice", created.Current.AuthorID)
		assert.Equal(t, "alice", created.CreatorID)

		role, found, err := repo.RoleOf(context.Background(), created.ID, "alice")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, permission.RoleOwner, role)
	})

	t.Run("rejects snapshot without title", func(t *testing.T) {
		service := newTestService(NewStubEventRepository(), now)
		snapshot := baseSnapshot()
		snapshot.Title = ""

		_, err := service.CreateEvent(asPrincipal("alice"), snapshot)
		assert.ErrorIs(t, err, ErrInvalidSnapshot)
	})

	t.Run("rejects end time before start time", func(t *testing.T) {
		service := newTestService(NewStubEventRepository(), now)
		snapshot := baseSnapshot()
		snapshot.EndTime = snapshot.StartTime.Add(-time.Hour)

		_, err := service.CreateEvent(asPrincipal("alice"), snapshot)
		assert.ErrorIs(t, err, ErrInvalidSnapshot)
	})

	t.Run("requires a principal", func(t *testing.T) {
		service := newTestService(NewStubEventRepository(), now)

		_, err := service.CreateEvent(context.Background(), baseSnapshot())
		assert.ErrorIs(t, err, principal.ErrNoPrincipal)
	})
}

func TestCreateEvents(t *testing.T) {
	now := time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC)

	t.Run("one failing item does not abort the rest", func(t *testing.T) {
		service := newTestService(NewStubEventRepository(), now)
		invalid := baseSnapshot()
		invalid.Title = ""

		items, err := service.CreateEvents(asPrincipal("alice"), []Snapshot{baseSnapshot(), invalid, baseSnapshot()})
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.NoError(t, items[0].Err)
		assert.NotNil(t, items[0].Event)
		assert.ErrorIs(t, items[1].Err, ErrInvalidSnapshot)
		assert.Nil(t, items[1].Event)
		assert.NoError(t, items[2].Err)
	})
}

func TestUpdateEvent(t *testing.T) {
	now := time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC)

	setup := func(t *testing.T) (*StubEventRepository, *ServiceImpl, *Event) {
		repo := NewStubEventRepository()
		service := newTestService(repo, now)
		created, err := service.CreateEvent(asPrincipal("alice"), baseSnapshot())
		require.NoError(t, err)
		return repo, service, created
	}

	t.Run("viewer cannot update, editor can", func(t *testing.T) {
		repo, service, created := setup(t)
		repo.SetGrant(created.ID, "bob", permission.RoleViewer)

		updated := baseSnapshot()
		updated.Title = "Renamed"

		_, err := service.UpdateEvent(asPrincipal("bob"), created.ID, updated)
		assert.ErrorIs(t, err, permission.ErrForbidden)

		repo.SetGrant(created.ID, "bob", permission.RoleEditor)
		event, err := service.UpdateEvent(asPrincipal("bob"), created.ID, updated)
		require.NoError(t, err)
		assert.Equal(t, 2, event.Current.Number)
		assert.Equal(t, "Renamed", event.Current.Snapshot.Title)
		assert.Equal(t, "bob", event.Current.AuthorID)
	})

	t.Run("principal without any grant is forbidden", func(t *testing.T) {
		_, service, created := setup(t)

		_, err := service.UpdateEvent(asPrincipal("mallory"), created.ID, baseSnapshot())
		assert.ErrorIs(t, err, permission.ErrForbidden)
	})

	t.Run("single version conflict is retried and succeeds", func(t *testing.T) {
		repo, service, created := setup(t)
		repo.ConflictsLeft = 1

		event, err := service.UpdateEvent(asPrincipal("alice"), created.ID, baseSnapshot())
		require.NoError(t, err)
		assert.Equal(t, 2, event.Current.Number)
		assert.Equal(t, 0, repo.ConflictsLeft)
	})

	t.Run("persistent conflict surfaces as concurrent modification", func(t *testing.T) {
		repo, service, created := setup(t)
		repo.ConflictsLeft = 2

		_, err := service.UpdateEvent(asPrincipal("alice"), created.ID, baseSnapshot())
		assert.ErrorIs(t, err, ErrConcurrentModification)
		// Exactly two attempts: the original and one retry.
		assert.Equal(t, 0, repo.ConflictsLeft)
	})

	t.Run("unknown event", func(t *testing.T) {
		_, service, _ := setup(t)

		_, err := service.UpdateEvent(asPrincipal("alice"), "missing", baseSnapshot())
		assert.ErrorIs(t, err, ErrEventNotFound)
	})
}

func TestRollbackEvent(t *testing.T) {
	now := time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC)

	t.Run("rollback copies old content into a fresh version", func(t *testing.T) {
		repo := NewStubEventRepository()
		service := newTestService(repo, now)
		ctx := asPrincipal("alice")

		created, err := service.CreateEvent(ctx, baseSnapshot())
		require.NoError(t, err)
		v1 := created.Current

		renamed := baseSnapshot()
		renamed.Title = "Renamed"
		_, err = service.UpdateEvent(ctx, created.ID, renamed)
		require.NoError(t, err)

		rolledBack, err := service.RollbackEvent(ctx, created.ID, v1.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, rolledBack.Current.Number)
		assert.Equal(t, baseSnapshot().Title, rolledBack.Current.Snapshot.Title)
		require.NotNil(t, rolledBack.Current.DerivedFrom)
		assert.Equal(t, v1.ID, *rolledBack.Current.DerivedFrom)

		// Restored content is indistinguishable from the original.
		changes, err := service.DiffVersions(ctx, created.ID, v1.ID, rolledBack.Current.ID)
		require.NoError(t, err)
		assert.Empty(t, changes)
	})

	t.Run("rollback to unknown version", func(t *testing.T) {
		repo := NewStubEventRepository()
		service := newTestService(repo, now)
		ctx := asPrincipal("alice")

		created, err := service.CreateEvent(ctx, baseSnapshot())
		require.NoError(t, err)

		_, err = service.RollbackEvent(ctx, created.ID, "missing")
		assert.ErrorIs(t, err, ErrVersionNotFound)
	})
}

func TestDeleteEvent(t *testing.T) {
	now := time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC)

	t.Run("editor cannot delete, owner can", func(t *testing.T) {
		repo := NewStubEventRepository()
		service := newTestService(repo, now)

		created, err := service.CreateEvent(asPrincipal("alice"), baseSnapshot())
		require.NoError(t, err)
		repo.SetGrant(created.ID, "bob", permission.RoleEditor)

		err = service.DeleteEvent(asPrincipal("bob"), created.ID)
		assert.ErrorIs(t, err, permission.ErrForbidden)

		err = service.DeleteEvent(asPrincipal("alice"), created.ID)
		require.NoError(t, err)

		_, err = service.GetEvent(asPrincipal("alice"), created.ID)
		assert.ErrorIs(t, err, ErrEventNotFound)
	})
}

func TestListVersionsAndChangelog(t *testing.T) {
	now := time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC)

	t.Run("version numbers are strictly increasing", func(t *testing.T) {
		service := newTestService(NewStubEventRepository(), now)
		ctx := asPrincipal("alice")

		created, err := service.CreateEvent(ctx, baseSnapshot())
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			snapshot := baseSnapshot()
			snapshot.Title = fmt.Sprintf("Edit %d", i)
			_, err = service.UpdateEvent(ctx, created.ID, snapshot)
			require.NoError(t, err)
		}

		summaries, err := service.ListVersions(ctx, created.ID)
		require.NoError(t, err)
		require.Len(t, summaries, 4)
		for i, summary := range summaries {
			assert.Equal(t, i+1, summary.Number)
		}
	})

	t.Run("changelog pairs each version with its changes", func(t *testing.T) {
		service := newTestService(NewStubEventRepository(), now)
		ctx := asPrincipal("alice")

		created, err := service.CreateEvent(ctx, baseSnapshot())
		require.NoError(t, err)
		renamed := baseSnapshot()
		renamed.Title = "Renamed"
		_, err = service.UpdateEvent(ctx, created.ID, renamed)
		require.NoError(t, err)

		entries, err := service.GetChangelog(ctx, created.ID)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Nil(t, entries[0].Changes)
		require.Len(t, entries[1].Changes, 1)
		assert.Equal(t, "title", entries[1].Changes[0].Field)
	})

	t.Run("viewer can read the changelog", func(t *testing.T) {
		repo := NewStubEventRepository()
		service := newTestService(repo, now)

		created, err := service.CreateEvent(asPrincipal("alice"), baseSnapshot())
		require.NoError(t, err)
		repo.SetGrant(created.ID, "carol", permission.RoleViewer)

		entries, err := service.GetChangelog(asPrincipal("carol"), created.ID)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestDiffVersions(t *testing.T) {
	now := time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC)

	t.Run("diffing a version against itself is rejected", func(t *testing.T) {
		service := newTestService(NewStubEventRepository(), now)
		ctx := asPrincipal("alice")

		created, err := service.CreateEvent(ctx, baseSnapshot())
		require.NoError(t, err)

		_, err = service.DiffVersions(ctx, created.ID, created.Current.ID, created.Current.ID)
		assert.ErrorIs(t, err, ErrSelfDiff)
	})
}

func TestListEvents(t *testing.T) {
	now := time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC)

	t.Run("without window lists current versions by start time", func(t *testing.T) {
		service := newTestService(NewStubEventRepository(), now)
		ctx := asPrincipal("alice")

		later := baseSnapshot()
		later.StartTime = later.StartTime.AddDate(0, 0, 1)
		later.EndTime = later.EndTime.AddDate(0, 0, 1)
		later.Title = "Later"
		_, err := service.CreateEvent(ctx, later)
		require.NoError(t, err)
		_, err = service.CreateEvent(ctx, baseSnapshot())
		require.NoError(t, err)

		list, err := service.ListEvents(ctx, ListFilter{})
		require.NoError(t, err)
		require.Len(t, list.Instances, 2)
		assert.Equal(t, 2, list.Total)
		assert.Equal(t, baseSnapshot().Title, list.Instances[0].Title)
		assert.Equal(t, "Later", list.Instances[1].Title)
	})

	t.Run("only visible events are listed", func(t *testing.T) {
		service := newTestService(NewStubEventRepository(), now)

		_, err := service.CreateEvent(asPrincipal("alice"), baseSnapshot())
		require.NoError(t, err)

		list, err := service.ListEvents(asPrincipal("bob"), ListFilter{})
		require.NoError(t, err)
		assert.Empty(t, list.Instances)
		assert.Equal(t, 0, list.Total)
	})

	t.Run("window expands recurring events into occurrences", func(t *testing.T) {
		service := newTestService(NewStubEventRepository(), now)
		ctx := asPrincipal("alice")

		weekly := baseSnapshot()
		weekly.Recurrence = &recurrence.Spec{Pattern: "FREQ=WEEKLY;COUNT=4"}
		_, err := service.CreateEvent(ctx, weekly)
		require.NoError(t, err)

		from := time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC)
		to := time.Date(2024, time.July, 31, 0, 0, 0, 0, time.UTC)
		list, err := service.ListEvents(ctx, ListFilter{From: &from, To: &to})
		require.NoError(t, err)
		require.Len(t, list.Instances, 4)
		assert.Equal(t, 4, list.Total)
		for _, instance := range list.Instances {
			assert.True(t, instance.Recurring)
		}
	})

	t.Run("pagination applies after expansion", func(t *testing.T) {
		service := newTestService(NewStubEventRepository(), now)
		ctx := asPrincipal("alice")

		weekly := baseSnapshot()
		weekly.Recurrence = &recurrence.Spec{Pattern: "FREQ=WEEKLY;COUNT=4"}
		_, err := service.CreateEvent(ctx, weekly)
		require.NoError(t, err)

		from := time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC)
		to := time.Date(2024, time.July, 31, 0, 0, 0, 0, time.UTC)
		list, err := service.ListEvents(ctx, ListFilter{From: &from, To: &to, Skip: 2, Limit: 1})
		require.NoError(t, err)
		require.Len(t, list.Instances, 1)
		assert.Equal(t, 4, list.Total)
		assert.Equal(t, time.Date(2024, time.July, 15, 10, 0, 0, 0, time.UTC), list.Instances[0].StartTime)
	})

	t.Run("oversized window propagates bounds error", func(t *testing.T) {
		repo := NewStubEventRepository()
		service := &ServiceImpl{
			repo:     repo,
			auth:     &stubAuthority{repo: repo},
			expander: recurrence.NewExpander(30*24*time.Hour, 0),
			clock:    &utils.MockClock{FixedNow: now},
			listing:  testListing,
		}
		ctx := asPrincipal("alice")

		weekly := baseSnapshot()
		weekly.Recurrence = &recurrence.Spec{Pattern: "FREQ=WEEKLY"}
		_, err := service.CreateEvent(ctx, weekly)
		require.NoError(t, err)

		from := time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC)
		to := from.AddDate(0, 3, 0)
		_, err = service.ListEvents(ctx, ListFilter{From: &from, To: &to})
		assert.ErrorIs(t, err, recurrence.ErrBoundsExceeded)
	})

	t.Run("page size is clamped to the configured maximum", func(t *testing.T) {
		service := newTestService(NewStubEventRepository(), now)
		ctx := asPrincipal("alice")

		list, err := service.ListEvents(ctx, ListFilter{Limit: 10_000})
		require.NoError(t, err)
		assert.Equal(t, testListing.MaxPageSize, list.Limit)
	})
}
