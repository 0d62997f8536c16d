package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agendo/agendo/pkg/permission"
	"github.com/agendo/agendo/pkg/recurrence"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Repository is the snapshot store: it persists immutable event versions, the
// per-event current pointer, and the grants read inside the same transaction
// as a mutation so permission re-validation shares the write's atomicity.
type Repository interface {
	WithTransaction(ctx context.Context, fn func(repo Repository) error) error
	CreateEvent(ctx context.Context, creatorId string, snapshot Snapshot, now time.Time) (*Event, error)
	GetEvent(ctx context.Context, eventId string) (*Event, error)
	AppendVersion(ctx context.Context, eventId string, authorId string, snapshot Snapshot, derivedFrom *string, now time.Time) (*Version, error)
	GetVersion(ctx context.Context, eventId string, versionId string) (*Version, error)
	ListVersions(ctx context.Context, eventId string) ([]VersionSummary, error)
	ListFullVersions(ctx context.Context, eventId string) ([]Version, error)
	ListVisibleEvents(ctx context.Context, principalId string) ([]Event, error)
	DeleteEvent(ctx context.Context, eventId string) error
	RoleOf(ctx context.Context, eventId string, principalId string) (permission.Role, bool, error)
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
		return storeErr("begin transaction", err)
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
		return storeErr("commit transaction", err)
	}

	return nil
}

// CreateEvent inserts the event, its first version, and the creator's Owner
// grant. Callers wrap it in WithTransaction so the three writes are atomic.
func (r *RepositoryImpl) CreateEvent(ctx context.Context, creatorId string, snapshot Snapshot, now time.Time) (*Event, error) {
	eventId := uuid.New().String()

	_, err := r.getQueryer().ExecContext(ctx,
		`INSERT INTO event (id, creator_id, current_version_id, created_at) VALUES (?, ?, NULL, ?)`,
		eventId, creatorId, now.UnixMilli())
	if err != nil {
		err := storeErr("could not insert event", err)
		log.Error(err)
		return nil, err
	}

	version, err := r.insertVersion(ctx, eventId, 1, creatorId, snapshot, nil, now)
	if err != nil {
		return nil, err
	}

	_, err = r.getQueryer().ExecContext(ctx,
		`INSERT INTO event_permission (event_id, principal_id, role, granted_at) VALUES (?, ?, ?, ?)`,
		eventId, creatorId, string(permission.RoleOwner), now.UnixMilli())
	if err != nil {
		err := storeErr("could not insert owner grant", err)
		log.Error(err)
		return nil, err
	}

	return &Event{
		ID:        eventId,
		CreatorID: creatorId,
		CreatedAt: now,
		Current:   *version,
	}, nil
}

// AppendVersion assigns the next sequence number, inserts the snapshot, and
// repoints the event's current version. A concurrent writer racing for the
// same number trips the (event_id, version_number) unique constraint, which
// surfaces as ErrSequenceConflict.
func (r *RepositoryImpl) AppendVersion(ctx context.Context, eventId string, authorId string, snapshot Snapshot, derivedFrom *string, now time.Time) (*Version, error) {
	var lastNumber int
	err := r.getQueryer().QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version_number), 0) FROM event_version WHERE event_id = ?`, eventId).Scan(&lastNumber)
	if err != nil {
		err := storeErr("could not read last version number", err)
		log.Error(err)
		return nil, err
	}
	if lastNumber == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventId)
	}

	return r.insertVersion(ctx, eventId, lastNumber+1, authorId, snapshot, derivedFrom, now)
}

func (r *RepositoryImpl) insertVersion(ctx context.Context, eventId string, number int, authorId string, snapshot Snapshot, derivedFrom *string, now time.Time) (*Version, error) {
	versionId := uuid.New().String()

	var pattern, exdates sql.NullString
	if snapshot.Recurrence != nil {
		pattern = sql.NullString{String: snapshot.Recurrence.Pattern, Valid: true}
		encoded, err := encodeExceptions(snapshot.Recurrence.Exceptions)
		if err != nil {
			return nil, err
		}
		exdates = encoded
	}
	metadata, err := encodeMetadata(snapshot.Metadata)
	if err != nil {
		return nil, err
	}

	query := `INSERT INTO event_version (
	                    id,
	                    event_id,
	                    version_number,
	                    title,
	                    description,
	                    start_time,
	                    end_time,
	                    location,
	                    recurrence_pattern,
	                    recurrence_exdates,
	                    metadata,
	                    author_id,
	                    derived_from,
	                    created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.getQueryer().ExecContext(ctx, query,
		versionId, eventId, number,
		snapshot.Title, nullString(snapshot.Description),
		snapshot.StartTime.UnixMilli(), snapshot.EndTime.UnixMilli(),
		nullString(snapshot.Location), pattern, exdates, metadata,
		authorId, nullString(derivedFrom), now.UnixMilli())
	if err != nil {
		if isConstraintError(err) {
			return nil, fmt.Errorf("%w: event %s version %d", ErrSequenceConflict, eventId, number)
		}
		err := storeErr("could not insert event version", err)
		log.Error(err)
		return nil, err
	}

	_, err = r.getQueryer().ExecContext(ctx,
		`UPDATE event SET current_version_id = ? WHERE id = ?`, versionId, eventId)
	if err != nil {
		err := storeErr("could not update current version pointer", err)
		log.Error(err)
		return nil, err
	}

	return &Version{
		ID:          versionId,
		EventID:     eventId,
		Number:      number,
		Snapshot:    snapshot,
		AuthorID:    authorId,
		CreatedAt:   now,
		DerivedFrom: derivedFrom,
	}, nil
}

const versionColumns = `v.id, v.event_id, v.version_number, v.title, v.description,
	       v.start_time, v.end_time, v.location, v.recurrence_pattern, v.recurrence_exdates,
	       v.metadata, v.author_id, v.derived_from, v.created_at`

func (r *RepositoryImpl) GetEvent(ctx context.Context, eventId string) (*Event, error) {
	query := `SELECT e.id, e.creator_id, e.created_at, ` + versionColumns + `
	          FROM event e
	          JOIN event_version v ON v.id = e.current_version_id
	          WHERE e.id = ?`

	row := r.getQueryer().QueryRowContext(ctx, query, eventId)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventId)
	}
	if err != nil {
		err := storeErr("could not query event", err)
		log.Error(err)
		return nil, err
	}
	return event, nil
}

func (r *RepositoryImpl) GetVersion(ctx context.Context, eventId string, versionId string) (*Version, error) {
	query := `SELECT ` + versionColumns + `
	          FROM event_version v
	          WHERE v.id = ? AND v.event_id = ?`

	row := r.getQueryer().QueryRowContext(ctx, query, versionId, eventId)
	version, err := scanVersionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: event %s version %s", ErrVersionNotFound, eventId, versionId)
	}
	if err != nil {
		err := storeErr("could not query event version", err)
		log.Error(err)
		return nil, err
	}
	return version, nil
}

func (r *RepositoryImpl) ListVersions(ctx context.Context, eventId string) ([]VersionSummary, error) {
	query := `SELECT id, version_number, title, author_id, created_at
	          FROM event_version
	          WHERE event_id = ?
	          ORDER BY version_number ASC`

	rows, err := r.getQueryer().QueryContext(ctx, query, eventId)
	if err != nil {
		err := storeErr("could not query event versions", err)
		log.Error(err)
		return nil, err
	}
	defer rows.Close()

	summaries := make([]VersionSummary, 0, 8)
	for rows.Next() {
		var s VersionSummary
		var createdAtMillis int64
		if err := rows.Scan(&s.ID, &s.Number, &s.Title, &s.AuthorID, &createdAtMillis); err != nil {
			err := storeErr("could not scan row", err)
			log.Error(err)
			return nil, err
		}
		s.CreatedAt = time.UnixMilli(createdAtMillis).UTC()
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func (r *RepositoryImpl) ListFullVersions(ctx context.Context, eventId string) ([]Version, error) {
	query := `SELECT ` + versionColumns + `
	          FROM event_version v
	          WHERE v.event_id = ?
	          ORDER BY v.version_number ASC`

	rows, err := r.getQueryer().QueryContext(ctx, query, eventId)
	if err != nil {
		err := storeErr("could not query event versions", err)
		log.Error(err)
		return nil, err
	}
	defer rows.Close()

	versions := make([]Version, 0, 8)
	for rows.Next() {
		version, err := scanVersion(rows.Scan)
		if err != nil {
			err := storeErr("could not scan row", err)
			log.Error(err)
			return nil, err
		}
		versions = append(versions, *version)
	}
	return versions, rows.Err()
}

// ListVisibleEvents returns every event the principal holds any grant on,
// with its current version, ordered by current start time.
func (r *RepositoryImpl) ListVisibleEvents(ctx context.Context, principalId string) ([]Event, error) {
	query := `SELECT e.id, e.creator_id, e.created_at, ` + versionColumns + `
	          FROM event e
	          JOIN event_permission p ON p.event_id = e.id AND p.principal_id = ?
	          JOIN event_version v ON v.id = e.current_version_id
	          ORDER BY v.start_time, e.id`

	rows, err := r.getQueryer().QueryContext(ctx, query, principalId)
	if err != nil {
		err := storeErr("could not query visible events", err)
		log.Error(err)
		return nil, err
	}
	defer rows.Close()

	events := make([]Event, 0, 8)
	for rows.Next() {
		event, err := scanEventColumns(rows.Scan)
		if err != nil {
			err := storeErr("could not scan row", err)
			log.Error(err)
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

// DeleteEvent removes the event; versions and grants go with it via cascading
// foreign keys.
func (r *RepositoryImpl) DeleteEvent(ctx context.Context, eventId string) error {
	result, err := r.getQueryer().ExecContext(ctx, `DELETE FROM event WHERE id = ?`, eventId)
	if err != nil {
		err := storeErr("could not delete event", err)
		log.Error(err)
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventId)
	}
	return nil
}

func (r *RepositoryImpl) RoleOf(ctx context.Context, eventId string, principalId string) (permission.Role, bool, error) {
	var role string
	err := r.getQueryer().QueryRowContext(ctx,
		`SELECT role FROM event_permission WHERE event_id = ? AND principal_id = ?`,
		eventId, principalId).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		err := storeErr("could not query role", err)
		log.Error(err)
		return "", false, err
	}
	return permission.Role(role), true, nil
}

// --- scanning and encoding helpers ---

func scanEvent(row *sql.Row) (*Event, error) {
	return scanEventColumns(row.Scan)
}

func scanEventColumns(scan func(dest ...any) error) (*Event, error) {
	var event Event
	var createdAtMillis int64
	version, err := scanVersionInto(scan, &event.ID, &event.CreatorID, &createdAtMillis)
	if err != nil {
		return nil, err
	}
	event.CreatedAt = time.UnixMilli(createdAtMillis).UTC()
	event.Current = *version
	return &event, nil
}

func scanVersionRow(row *sql.Row) (*Version, error) {
	return scanVersion(row.Scan)
}

func scanVersion(scan func(dest ...any) error) (*Version, error) {
	return scanVersionInto(scan)
}

func scanVersionInto(scan func(dest ...any) error, prefix ...any) (*Version, error) {
	var v Version
	var description, location, pattern, exdates, metadata, derivedFrom sql.NullString
	var startMillis, endMillis, createdAtMillis int64

	dest := append(prefix,
		&v.ID, &v.EventID, &v.Number, &v.Snapshot.Title, &description,
		&startMillis, &endMillis, &location, &pattern, &exdates,
		&metadata, &v.AuthorID, &derivedFrom, &createdAtMillis)
	if err := scan(dest...); err != nil {
		return nil, err
	}

	v.Snapshot.StartTime = time.UnixMilli(startMillis).UTC()
	v.Snapshot.EndTime = time.UnixMilli(endMillis).UTC()
	v.Snapshot.Description = stringPtr(description)
	v.Snapshot.Location = stringPtr(location)
	v.CreatedAt = time.UnixMilli(createdAtMillis).UTC()
	v.DerivedFrom = stringPtr(derivedFrom)

	if pattern.Valid {
		exceptions, err := decodeExceptions(exdates)
		if err != nil {
			return nil, err
		}
		v.Snapshot.Recurrence = &recurrence.Spec{Pattern: pattern.String, Exceptions: exceptions}
	}
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &v.Snapshot.Metadata); err != nil {
			return nil, fmt.Errorf("could not decode metadata: %w", err)
		}
	}
	return &v, nil
}

func encodeExceptions(exceptions []time.Time) (sql.NullString, error) {
	if len(exceptions) == 0 {
		return sql.NullString{}, nil
	}
	formatted := make([]string, len(exceptions))
	for i, ex := range exceptions {
		formatted[i] = ex.UTC().Format(time.RFC3339)
	}
	encoded, err := json.Marshal(formatted)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("could not encode exception dates: %w", err)
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func decodeExceptions(exdates sql.NullString) ([]time.Time, error) {
	if !exdates.Valid || exdates.String == "" {
		return nil, nil
	}
	var formatted []string
	if err := json.Unmarshal([]byte(exdates.String), &formatted); err != nil {
		return nil, fmt.Errorf("could not decode exception dates: %w", err)
	}
	exceptions := make([]time.Time, len(formatted))
	for i, f := range formatted {
		t, err := time.Parse(time.RFC3339, f)
		if err != nil {
			return nil, fmt.Errorf("could not parse exception date %q: %w", f, err)
		}
		exceptions[i] = t.UTC()
	}
	return exceptions, nil
}

func encodeMetadata(metadata map[string]string) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("could not encode metadata: %w", err)
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	value := s.String
	return &value
}

func isConstraintError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func isBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

// storeErr classifies backing-store failures: timeouts and lock contention
// surface as ErrStoreUnavailable so callers never mistake them for a partial
// write.
func storeErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || isBusyError(err) {
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
