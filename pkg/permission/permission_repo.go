package permission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

type Repository interface {
	WithTransaction(ctx context.Context, fn func(repo Repository) error) error
	EventExists(ctx context.Context, eventId string) (bool, error)
	GetGrant(ctx context.Context, eventId string, principalId string) (*Grant, error)
	ListGrants(ctx context.Context, eventId string) ([]Grant, error)
	UpsertGrant(ctx context.Context, eventId string, principalId string, role Role) (Grant, error)
	DeleteGrant(ctx context.Context, eventId string, principalId string) (bool, error)
	FindOwner(ctx context.Context, eventId string) (*Grant, error)
}

type RepositoryImpl struct {
	db *sql.DB
	tx *sql.Tx
}

func NewRepository(db *sql.DB) *RepositoryImpl {
	return &RepositoryImpl{db: db, tx: nil}
}

// getQueryer returns the appropriate database interface for queries (either tx or db)
func (r *RepositoryImpl) getQueryer() interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
} {
	if r.tx != nil {
		return r.tx
	}
	return r.db
}

func (r *RepositoryImpl) WithTransaction(ctx context.Context, fn func(repo Repository) error) error {
	if r.tx != nil {
		// Already inside a transaction, reuse it.
		return fn(r)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		// The Rollback will be a no-op if the transaction was already committed
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Errorf("rollback error: %v", rbErr)
		}
	}()

	txRepo := &RepositoryImpl{db: r.db, tx: tx}

	if err := fn(txRepo); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func (r *RepositoryImpl) EventExists(ctx context.Context, eventId string) (bool, error) {
	var one int
	err := r.getQueryer().QueryRowContext(ctx, `SELECT 1 FROM event WHERE id = ?`, eventId).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		err := fmt.Errorf("could not check event existence: %w", err)
		log.Error(err)
		return false, err
	}
	return true, nil
}

func (r *RepositoryImpl) GetGrant(ctx context.Context, eventId string, principalId string) (*Grant, error) {
	query := `SELECT id, event_id, principal_id, role, granted_at
	          FROM event_permission
	          WHERE event_id = ? AND principal_id = ?`

	row := r.getQueryer().QueryRowContext(ctx, query, eventId, principalId)
	grant, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		err := fmt.Errorf("could not query permission grant: %w", err)
		log.Error(err)
		return nil, err
	}
	return grant, nil
}

func (r *RepositoryImpl) ListGrants(ctx context.Context, eventId string) ([]Grant, error) {
	query := `SELECT id, event_id, principal_id, role, granted_at
	          FROM event_permission
	          WHERE event_id = ?
	          ORDER BY granted_at, id`

	rows, err := r.getQueryer().QueryContext(ctx, query, eventId)
	if err != nil {
		err := fmt.Errorf("could not query permission grants: %w", err)
		log.Error(err)
		return nil, err
	}
	defer rows.Close()

	grants := make([]Grant, 0, 4)
	for rows.Next() {
		var grant Grant
		var grantedAtMillis int64
		if err := rows.Scan(&grant.ID, &grant.EventID, &grant.PrincipalID, &grant.Role, &grantedAtMillis); err != nil {
			err := fmt.Errorf("could not scan row: %w", err)
			log.Error(err)
			return nil, err
		}
		grant.GrantedAt = time.UnixMilli(grantedAtMillis).UTC()
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

func (r *RepositoryImpl) UpsertGrant(ctx context.Context, eventId string, principalId string, role Role) (Grant, error) {
	query := `INSERT INTO event_permission (event_id, principal_id, role, granted_at)
	          VALUES (?, ?, ?, ?)
	          ON CONFLICT (event_id, principal_id) DO UPDATE SET role = excluded.role`

	grantedAt := time.Now().UTC()
	_, err := r.getQueryer().ExecContext(ctx, query, eventId, principalId, string(role), grantedAt.UnixMilli())
	if err != nil {
		err := fmt.Errorf("could not store permission grant: %w", err)
		log.Error(err)
		return Grant{}, err
	}

	stored, err := r.GetGrant(ctx, eventId, principalId)
	if err != nil {
		return Grant{}, err
	}
	if stored == nil {
		return Grant{}, fmt.Errorf("stored grant not found for event %s principal %s", eventId, principalId)
	}
	return *stored, nil
}

func (r *RepositoryImpl) DeleteGrant(ctx context.Context, eventId string, principalId string) (bool, error) {
	query := `DELETE FROM event_permission WHERE event_id = ? AND principal_id = ?`
	result, err := r.getQueryer().ExecContext(ctx, query, eventId, principalId)
	if err != nil {
		err := fmt.Errorf("could not delete permission grant: %w", err)
		log.Error(err)
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *RepositoryImpl) FindOwner(ctx context.Context, eventId string) (*Grant, error) {
	query := `SELECT id, event_id, principal_id, role, granted_at
	          FROM event_permission
	          WHERE event_id = ? AND role = ?`

	row := r.getQueryer().QueryRowContext(ctx, query, eventId, string(RoleOwner))
	grant, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		err := fmt.Errorf("could not query owner grant: %w", err)
		log.Error(err)
		return nil, err
	}
	return grant, nil
}

func scanGrant(row *sql.Row) (*Grant, error) {
	var grant Grant
	var grantedAtMillis int64
	if err := row.Scan(&grant.ID, &grant.EventID, &grant.PrincipalID, &grant.Role, &grantedAtMillis); err != nil {
		return nil, err
	}
	grant.GrantedAt = time.UnixMilli(grantedAtMillis).UTC()
	return &grant, nil
}
