package event

import (
	"context"
	"testing"
	"time"

	"github.com/agendo/agendo/internal/test_utils"
	"github.com/agendo/agendo/pkg/permission"
	"github.com/agendo/agendo/pkg/recurrence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRepositoryTest(t *testing.T) (*RepositoryImpl, context.Context) {
	db := test_utils.SetupTestDB(t)
	return NewRepository(db), context.Background()
}

func testSnapshot() Snapshot {
	return Snapshot{
		Title:     "Planning session",
		StartTime: time.Date(2024, time.July, 1, 10, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2024, time.July, 1, 11, 0, 0, 0, time.UTC),
	}
}

func TestRepositoryImpl_CreateEvent(t *testing.T) {
	repository, ctx := setupRepositoryTest(t)
	now := time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC)

	created, err := repository.CreateEvent(ctx, "alice", testSnapshot(), now)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "alice", created.CreatorID)
	assert.Equal(t, 1, created.Current.Number)

	// Creator holds the Owner grant.
	role, found, err := repository.RoleOf(ctx, created.ID, "alice")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, permission.RoleOwner, role)

	// Current version round-trips through storage.
	fetched, err := repository.GetEvent(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Current.ID, fetched.Current.ID)
	assert.Equal(t, testSnapshot().Title, fetched.Current.Snapshot.Title)
	assert.Equal(t, testSnapshot().StartTime, fetched.Current.Snapshot.StartTime)
	assert.Equal(t, now, fetched.CreatedAt)
}

func TestRepositoryImpl_CreateEvent_WithRecurrence(t *testing.T) {
	repository, ctx := setupRepositoryTest(t)
	now := time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC)

	snapshot := testSnapshot()
	snapshot.Recurrence = &recurrence.Spec{
		Pattern:    "FREQ=WEEKLY;COUNT=4",
		Exceptions: []time.Time{time.Date(2024, time.July, 8, 10, 0, 0, 0, time.UTC)},
	}
	snapshot.Metadata = map[string]string{"organizer": "kim"}
	description := "weekly planning"
	snapshot.Description = &description

	created, err := repository.CreateEvent(ctx, "alice", snapshot, now)
	require.NoError(t, err)

	fetched, err := repository.GetEvent(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched.Current.Snapshot.Recurrence)
	assert.Equal(t, "FREQ=WEEKLY;COUNT=4", fetched.Current.Snapshot.Recurrence.Pattern)
	require.Len(t, fetched.Current.Snapshot.Recurrence.Exceptions, 1)
	assert.Equal(t, snapshot.Recurrence.Exceptions[0], fetched.Current.Snapshot.Recurrence.Exceptions[0])
	assert.Equal(t, map[string]string{"organizer": "kim"}, fetched.Current.Snapshot.Metadata)
	require.NotNil(t, fetched.Current.Snapshot.Description)
	assert.Equal(t, "weekly planning", *fetched.Current.Snapshot.Description)
}

func TestRepositoryImpl_AppendVersion(t *testing.T) {
	repository, ctx := setupRepositoryTest(t)
	now := time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC)

	created, err := repository.CreateEvent(ctx, "alice", testSnapshot(), now)
	require.NoError(t, err)

	updated := testSnapshot()
	updated.Title = "Planning session (moved)"
	version, err := repository.AppendVersion(ctx, created.ID, "bob", updated, nil, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, version.Number)
	assert.Equal(t, "bob", version.AuthorID)

	// Current pointer moved to the new version.
	fetched, err := repository.GetEvent(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, version.ID, fetched.Current.ID)
	assert.Equal(t, "Planning session (moved)", fetched.Current.Snapshot.Title)
}

func TestRepositoryImpl_AppendVersion_UnknownEvent(t *testing.T) {
	repository, ctx := setupRepositoryTest(t)

	_, err := repository.AppendVersion(ctx, "missing", "alice", testSnapshot(), nil, time.Now())
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestRepositoryImpl_GetVersion(t *testing.T) {
	repository, ctx := setupRepositoryTest(t)
	now := time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC)

	created, err := repository.CreateEvent(ctx, "alice", testSnapshot(), now)
	require.NoError(t, err)

	t.Run("returns a version belonging to the event", func(t *testing.T) {
		version, err := repository.GetVersion(ctx, created.ID, created.Current.ID)
		require.NoError(t, err)
		assert.Equal(t, created.Current.ID, version.ID)
	})

	t.Run("version of another event is not found", func(t *testing.T) {
		other, err := repository.CreateEvent(ctx, "alice", testSnapshot(), now)
		require.NoError(t, err)

		_, err = repository.GetVersion(ctx, other.ID, created.Current.ID)
		assert.ErrorIs(t, err, ErrVersionNotFound)
	})
}

func TestRepositoryImpl_ListVersions(t *testing.T) {
	repository, ctx := setupRepositoryTest(t)
	now := time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC)

	created, err := repository.CreateEvent(ctx, "alice", testSnapshot(), now)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := repository.AppendVersion(ctx, created.ID, "alice", testSnapshot(), nil, now.Add(time.Duration(i+1)*time.Minute))
		require.NoError(t, err)
	}

	summaries, err := repository.ListVersions(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 4)
	for i, summary := range summaries {
		assert.Equal(t, i+1, summary.Number)
	}

	full, err := repository.ListFullVersions(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, full, 4)
	assert.Equal(t, created.Current.ID, full[0].ID)
}

func TestRepositoryImpl_ListVisibleEvents(t *testing.T) {
	repository, ctx := setupRepositoryTest(t)
	now := time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC)

	first := testSnapshot()
	second := testSnapshot()
	second.StartTime = second.StartTime.AddDate(0, 0, 1)
	second.EndTime = second.EndTime.AddDate(0, 0, 1)

	eventB, err := repository.CreateEvent(ctx, "alice", second, now)
	require.NoError(t, err)
	eventA, err := repository.CreateEvent(ctx, "alice", first, now)
	require.NoError(t, err)
	_, err = repository.CreateEvent(ctx, "bob", first, now)
	require.NoError(t, err)

	visible, err := repository.ListVisibleEvents(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, visible, 2)
	// Sorted by current start time.
	assert.Equal(t, eventA.ID, visible[0].ID)
	assert.Equal(t, eventB.ID, visible[1].ID)
}

func TestRepositoryImpl_DeleteEvent(t *testing.T) {
	repository, ctx := setupRepositoryTest(t)
	now := time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC)

	created, err := repository.CreateEvent(ctx, "alice", testSnapshot(), now)
	require.NoError(t, err)

	err = repository.DeleteEvent(ctx, created.ID)
	require.NoError(t, err)

	_, err = repository.GetEvent(ctx, created.ID)
	assert.ErrorIs(t, err, ErrEventNotFound)

	// Versions and grants cascade away with the event.
	versions, err := repository.ListVersions(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)
	_, found, err := repository.RoleOf(ctx, created.ID, "alice")
	require.NoError(t, err)
	assert.False(t, found)

	err = repository.DeleteEvent(ctx, created.ID)
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestRepositoryImpl_SequenceConflict(t *testing.T) {
	repository, ctx := setupRepositoryTest(t)
	now := time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC)

	created, err := repository.CreateEvent(ctx, "alice", testSnapshot(), now)
	require.NoError(t, err)

	// Force the unique constraint by inserting the number AppendVersion will pick.
	_, err = repository.insertVersion(ctx, created.ID, 2, "alice", testSnapshot(), nil, now)
	require.NoError(t, err)
	_, err = repository.insertVersion(ctx, created.ID, 2, "bob", testSnapshot(), nil, now)
	assert.ErrorIs(t, err, ErrSequenceConflict)
}

func TestRepositoryImpl_WithTransaction(t *testing.T) {
	repository, ctx := setupRepositoryTest(t)
	now := time.Date(2024, time.July, 1, 9, 0, 0, 0, time.UTC)

	t.Run("rolls back every write on error", func(t *testing.T) {
		var eventId string
		err := repository.WithTransaction(ctx, func(repo Repository) error {
			created, err := repo.CreateEvent(ctx, "alice", testSnapshot(), now)
			if err != nil {
				return err
			}
			eventId = created.ID
			return assert.AnError
		})
		require.ErrorIs(t, err, assert.AnError)

		_, err = repository.GetEvent(ctx, eventId)
		assert.ErrorIs(t, err, ErrEventNotFound)
	})

	t.Run("commits on success", func(t *testing.T) {
		var eventId string
		err := repository.WithTransaction(ctx, func(repo Repository) error {
			created, err := repo.CreateEvent(ctx, "alice", testSnapshot(), now)
			if err != nil {
				return err
			}
			eventId = created.ID
			return nil
		})
		require.NoError(t, err)

		_, err = repository.GetEvent(ctx, eventId)
		assert.NoError(t, err)
	})
}
