// Package store persists connection descriptors and their lifecycle
// event log in SQLite.
//
// Descriptors are stored whole as JSON next to a few indexed columns;
// each update bumps a revision counter. Transition events are appended
// per connection and removed with it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/infrastructure/database"
)

// Store errors.
var (
	// ErrConnectionNotFound is returned when a connection id does not exist.
	ErrConnectionNotFound = errors.New("store: connection not found")

	// ErrConnectionExists is returned when creating a connection whose id is taken.
	ErrConnectionExists = errors.New("store: connection already exists")
)

// Record is a persisted connection with its bookkeeping fields.
type Record struct {
	Connection *connectivity.Connection `json:"connection"`
	Revision   int64                    `json:"revision"`
	CreatedAt  time.Time                `json:"created_at"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

// Repository defines connection persistence.
type Repository interface {
	// Create inserts conn. Returns ErrConnectionExists for a taken id.
	Create(ctx context.Context, conn *connectivity.Connection) (Record, error)

	// Get returns the connection with id or ErrConnectionNotFound.
	Get(ctx context.Context, id string) (Record, error)

	// List returns every connection ordered by id.
	List(ctx context.Context) ([]Record, error)

	// Update replaces the stored descriptor and bumps its revision.
	Update(ctx context.Context, conn *connectivity.Connection) (Record, error)

	// SetDesiredStatus changes only the desired status.
	SetDesiredStatus(ctx context.Context, id string, status connectivity.ConnectivityStatus) error

	// Delete removes the connection and its events.
	Delete(ctx context.Context, id string) error

	// AppendEvent logs a transition of a stored connection.
	AppendEvent(ctx context.Context, tr connectivity.Transition) error

	// Events returns up to limit of the newest transitions, newest first.
	Events(ctx context.Context, id string, limit int) ([]connectivity.Transition, error)
}

// SQLiteRepository implements Repository using the connectivity database.
//
// Thread Safety:
//   - Safe for concurrent use; serialisation is left to SQLite.
type SQLiteRepository struct {
	db  *database.DB
	now func() time.Time
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a repository on a migrated database.
func NewSQLiteRepository(db *database.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const selectConnection = `
	SELECT definition, revision, created_at, updated_at
	FROM connections`

// Create inserts conn.
func (r *SQLiteRepository) Create(ctx context.Context, conn *connectivity.Connection) (Record, error) {
	def, err := json.Marshal(conn)
	if err != nil {
		return Record{}, fmt.Errorf("encoding connection: %w", err)
	}
	now := r.now()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO connections (id, name, connection_type, uri, desired_status, definition, revision, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		conn.ID, conn.Name, string(conn.Type), conn.URI, string(desiredStatus(conn)), string(def),
		formatTime(now), formatTime(now),
	)
	if err != nil {
		if isConstraintError(err) {
			return Record{}, fmt.Errorf("%w: %s", ErrConnectionExists, conn.ID)
		}
		return Record{}, fmt.Errorf("inserting connection: %w", err)
	}
	return Record{Connection: conn.Clone(), Revision: 1, CreatedAt: now, UpdatedAt: now}, nil
}

// Get returns the connection with id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (Record, error) {
	row := r.db.QueryRowContext(ctx, selectConnection+" WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	return rec, err
}

// List returns every connection ordered by id.
func (r *SQLiteRepository) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, selectConnection+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying connections: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connections: %w", err)
	}
	return out, nil
}

// Update replaces the stored descriptor.
func (r *SQLiteRepository) Update(ctx context.Context, conn *connectivity.Connection) (Record, error) {
	def, err := json.Marshal(conn)
	if err != nil {
		return Record{}, fmt.Errorf("encoding connection: %w", err)
	}

	var rec Record
	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE connections
			SET name = ?, connection_type = ?, uri = ?, desired_status = ?, definition = ?,
				revision = revision + 1, updated_at = ?
			WHERE id = ?`,
			conn.Name, string(conn.Type), conn.URI, string(desiredStatus(conn)), string(def),
			formatTime(r.now()), conn.ID,
		)
		if err != nil {
			return fmt.Errorf("updating connection: %w", err)
		}
		if err := expectOneRow(res, conn.ID); err != nil {
			return err
		}
		rec, err = scanRecord(tx.QueryRowContext(ctx, selectConnection+" WHERE id = ?", conn.ID))
		return err
	})
	return rec, err
}

// SetDesiredStatus rewrites the desired status in both the column and
// the stored definition.
func (r *SQLiteRepository) SetDesiredStatus(ctx context.Context, id string, status connectivity.ConnectivityStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE connections
		SET desired_status = ?,
			definition = json_set(definition, '$.connection_status', ?),
			revision = revision + 1, updated_at = ?
		WHERE id = ?`,
		string(status), string(status), formatTime(r.now()), id,
	)
	if err != nil {
		return fmt.Errorf("updating desired status: %w", err)
	}
	return expectOneRow(res, id)
}

// Delete removes the connection and, by cascade, its events.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM connections WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	return expectOneRow(res, id)
}

// AppendEvent logs tr. Events of unknown connections are rejected by
// the foreign key and reported as ErrConnectionNotFound.
func (r *SQLiteRepository) AppendEvent(ctx context.Context, tr connectivity.Transition) error {
	at := tr.At
	if at.IsZero() {
		at = r.now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO connection_events (connection_id, from_state, to_state, status, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tr.ConnectionID, tr.From.String(), tr.To.String(), string(tr.Status), tr.Detail, formatTime(at),
	)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: %s", ErrConnectionNotFound, tr.ConnectionID)
		}
		return fmt.Errorf("inserting connection event: %w", err)
	}
	return nil
}

// Events returns the newest transitions of id, newest first.
func (r *SQLiteRepository) Events(ctx context.Context, id string, limit int) ([]connectivity.Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT from_state, to_state, status, detail, occurred_at
		FROM connection_events
		WHERE connection_id = ?
		ORDER BY id DESC
		LIMIT ?`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("querying connection events: %w", err)
	}
	defer rows.Close()

	var out []connectivity.Transition
	for rows.Next() {
		var from, to, status, at string
		tr := connectivity.Transition{ConnectionID: id}
		if err := rows.Scan(&from, &to, &status, &tr.Detail, &at); err != nil {
			return nil, fmt.Errorf("scanning connection event: %w", err)
		}
		if tr.From, err = connectivity.ParseClientState(from); err != nil {
			return nil, err
		}
		if tr.To, err = connectivity.ParseClientState(to); err != nil {
			return nil, err
		}
		tr.Status = connectivity.ConnectivityStatus(status)
		tr.At = parseTime(at)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connection events: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var def, created, updated string
	var rec Record
	if err := s.Scan(&def, &rec.Revision, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scanning connection: %w", err)
	}
	var conn connectivity.Connection
	if err := json.Unmarshal([]byte(def), &conn); err != nil {
		return Record{}, fmt.Errorf("decoding connection: %w", err)
	}
	rec.Connection = &conn
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return rec, nil
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	return nil
}

func desiredStatus(c *connectivity.Connection) connectivity.ConnectivityStatus {
	if c.DesiredStatus == "" {
		return connectivity.StatusClosed
	}
	return c.DesiredStatus
}

func isConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s) //nolint:errcheck // Format is controlled
	return t
}
