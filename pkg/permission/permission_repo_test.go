package permission

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/agendo/agendo/internal/test_utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupGrantRepository(t *testing.T) (*RepositoryImpl, *sql.DB, context.Context) {
	db := test_utils.SetupTestDB(t)
	return NewRepository(db), db, context.Background()
}

// insertEvent seeds the event row grants reference by foreign key.
func insertEvent(t *testing.T, db *sql.DB, eventId string) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO event (id, creator_id, current_version_id, created_at) VALUES (?, ?, NULL, ?)`,
		eventId, "alice", time.Now().UnixMilli())
	require.NoError(t, err)
}

func TestRepositoryImpl_EventExists(t *testing.T) {
	repository, db, ctx := setupGrantRepository(t)
	insertEvent(t, db, "event-1")

	exists, err := repository.EventExists(ctx, "event-1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repository.EventExists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRepositoryImpl_UpsertGrant(t *testing.T) {
	repository, db, ctx := setupGrantRepository(t)
	insertEvent(t, db, "event-1")

	created, err := repository.UpsertGrant(ctx, "event-1", "bob", RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, created.Role)
	assert.Equal(t, "bob", created.PrincipalID)

	// Upserting again changes the role in place.
	updated, err := repository.UpsertGrant(ctx, "event-1", "bob", RoleEditor)
	require.NoError(t, err)
	assert.Equal(t, RoleEditor, updated.Role)

	grants, err := repository.ListGrants(ctx, "event-1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, RoleEditor, grants[0].Role)
}

func TestRepositoryImpl_GetGrant(t *testing.T) {
	repository, db, ctx := setupGrantRepository(t)
	insertEvent(t, db, "event-1")

	_, err := repository.UpsertGrant(ctx, "event-1", "bob", RoleEditor)
	require.NoError(t, err)

	grant, err := repository.GetGrant(ctx, "event-1", "bob")
	require.NoError(t, err)
	require.NotNil(t, grant)
	assert.Equal(t, RoleEditor, grant.Role)

	grant, err = repository.GetGrant(ctx, "event-1", "nobody")
	require.NoError(t, err)
	assert.Nil(t, grant)
}

func TestRepositoryImpl_DeleteGrant(t *testing.T) {
	repository, db, ctx := setupGrantRepository(t)
	insertEvent(t, db, "event-1")

	_, err := repository.UpsertGrant(ctx, "event-1", "bob", RoleViewer)
	require.NoError(t, err)

	deleted, err := repository.DeleteGrant(ctx, "event-1", "bob")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = repository.DeleteGrant(ctx, "event-1", "bob")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestRepositoryImpl_FindOwner(t *testing.T) {
	repository, db, ctx := setupGrantRepository(t)
	insertEvent(t, db, "event-1")

	owner, err := repository.FindOwner(ctx, "event-1")
	require.NoError(t, err)
	assert.Nil(t, owner)

	_, err = repository.UpsertGrant(ctx, "event-1", "bob", RoleEditor)
	require.NoError(t, err)
	_, err = repository.UpsertGrant(ctx, "event-1", "alice", RoleOwner)
	require.NoError(t, err)

	owner, err = repository.FindOwner(ctx, "event-1")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, "alice", owner.PrincipalID)
}

func TestRepositoryImpl_GrantsCascadeWithEvent(t *testing.T) {
	repository, db, ctx := setupGrantRepository(t)
	insertEvent(t, db, "event-1")

	_, err := repository.UpsertGrant(ctx, "event-1", "alice", RoleOwner)
	require.NoError(t, err)

	_, err = db.Exec(`DELETE FROM event WHERE id = ?`, "event-1")
	require.NoError(t, err)

	grants, err := repository.ListGrants(ctx, "event-1")
	require.NoError(t, err)
	assert.Empty(t, grants)
}
