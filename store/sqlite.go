// Package store provides a SQLite-based implementation of the Store interface.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/CreativeUnicorns/querycache"
)

const (
	sqliteCreateTablesSQL = `
		CREATE TABLE IF NOT EXISTS query_headers (
			collection_name TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			search_params BLOB NOT NULL,
			total_elements INTEGER,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			UNIQUE (client_id, search_params)
		);

		CREATE INDEX IF NOT EXISTS idx_query_headers_expires
		ON query_headers(expires_at);

		CREATE TABLE IF NOT EXISTS query_results (
			ord INTEGER PRIMARY KEY AUTOINCREMENT,
			collection_name TEXT NOT NULL,
			item TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_query_results_collection
		ON query_results(collection_name, ord);
	`

	sqliteInsertHeaderSQL = `
		INSERT INTO query_headers (collection_name, client_id, search_params, total_elements, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id, search_params) DO NOTHING
	`

	sqliteSelectHeaderSQL = `
		SELECT collection_name, client_id, search_params, total_elements, created_at, expires_at
		FROM query_headers
		WHERE client_id = ? AND search_params = ?
	`

	sqliteUpdateTotalSQL = `
		UPDATE query_headers SET total_elements = ?
		WHERE client_id = ? AND search_params = ?
	`

	sqliteSelectExpiredSQL = `
		SELECT collection_name, client_id, search_params, total_elements, created_at, expires_at
		FROM query_headers
		WHERE expires_at < ?
	`

	sqliteDeleteExpiredSQL = `
		DELETE FROM query_headers
		WHERE expires_at < ?
	`

	sqliteInsertItemSQL = `
		INSERT INTO query_results (collection_name, item)
		VALUES (?, ?)
	`

	sqliteSelectItemsSQL = `
		SELECT item FROM query_results
		WHERE collection_name = ?
		ORDER BY ord
		LIMIT ? OFFSET ?
	`

	sqliteCountItemsSQL = `
		SELECT COUNT(*) FROM query_results
		WHERE collection_name = ?
	`

	sqliteDropCollectionSQL = `
		DELETE FROM query_results
		WHERE collection_name = ?
	`
)

// SQLiteStore implements the Store interface using SQLite. Result items are
// marshaled to JSON text; collections share one table keyed by name.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore initializes a new SQLiteStore. It connects to the SQLite
// database at the specified path and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs the necessary database migrations.
func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(sqliteCreateTablesSQL)
	return err
}

// FindHeader retrieves the header for a logical cache key.
// It returns querycache.ErrNotFound if no header exists.
func (s *SQLiteStore) FindHeader(ctx context.Context, clientID string, searchParams []byte) (*querycache.Header, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelectHeaderSQL, clientID, searchParams)
	return scanHeaderRow(row)
}

// FindOrCreateHeader atomically resolves the header for a logical cache key.
// The insert is a no-op when a header already exists, so racing creators
// converge on the same header.
func (s *SQLiteStore) FindOrCreateHeader(ctx context.Context, clientID string, searchParams []byte, defaults *querycache.Header) (*querycache.Header, error) {
	_, err := s.db.ExecContext(ctx, sqliteInsertHeaderSQL,
		defaults.CollectionName,
		clientID,
		searchParams,
		nullTotal(defaults.TotalElements),
		defaults.CreatedAt,
		defaults.ExpiresAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return nil, fmt.Errorf("%w: %v", querycache.ErrDuplicateKey, err)
		}
		return nil, fmt.Errorf("failed to create header: %w", err)
	}

	return s.FindHeader(ctx, clientID, searchParams)
}

// SetTotalElements records the total result count on a header. It is a no-op
// when the header no longer exists.
func (s *SQLiteStore) SetTotalElements(ctx context.Context, clientID string, searchParams []byte, total int64) error {
	if _, err := s.db.ExecContext(ctx, sqliteUpdateTotalSQL, total, clientID, searchParams); err != nil {
		return fmt.Errorf("failed to update total elements: %w", err)
	}
	return nil
}

// DeleteExpiredHeaders removes and returns every header expiring before asOf.
func (s *SQLiteStore) DeleteExpiredHeaders(ctx context.Context, asOf time.Time) ([]querycache.Header, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, sqliteSelectExpiredSQL, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired headers: %w", err)
	}
	expired, err := scanHeaders(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, sqliteDeleteExpiredSQL, asOf); err != nil {
		return nil, fmt.Errorf("failed to delete expired headers: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit expiry delete: %w", err)
	}
	return expired, nil
}

// InsertItems appends items to a collection in one transaction, preserving
// slice order.
func (s *SQLiteStore) InsertItems(ctx context.Context, collection string, items []any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, sqliteInsertItemSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, item := range items {
		itemJSON, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, collection, string(itemJSON)); err != nil {
			return fmt.Errorf("failed to insert item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit item insert: %w", err)
	}
	return nil
}

// Items returns the [skip, skip+limit) window of a collection in insertion
// order. A missing collection reads as empty.
func (s *SQLiteStore) Items(ctx context.Context, collection string, skip, limit int) ([]any, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectItemsSQL, collection, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := []any{}
	for rows.Next() {
		var itemJSON string
		if err := rows.Scan(&itemJSON); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}

		var item any
		if err := json.Unmarshal([]byte(itemJSON), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}
	return items, nil
}

// CountItems reports how many items a collection currently holds.
func (s *SQLiteStore) CountItems(ctx context.Context, collection string) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, sqliteCountItemsSQL, collection).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return count, nil
}

// DropCollection removes every item of a collection.
func (s *SQLiteStore) DropCollection(ctx context.Context, collection string) error {
	if _, err := s.db.ExecContext(ctx, sqliteDropCollectionSQL, collection); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanHeaderRow(row *sql.Row) (*querycache.Header, error) {
	header, err := scanHeader(row)
	if err == sql.ErrNoRows {
		return nil, querycache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get header: %w", err)
	}
	return header, nil
}

func scanHeader(row rowScanner) (*querycache.Header, error) {
	var header querycache.Header
	var total sql.NullInt64

	err := row.Scan(
		&header.CollectionName,
		&header.ClientID,
		&header.SearchParams,
		&total,
		&header.CreatedAt,
		&header.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	if total.Valid {
		header.TotalElements = &total.Int64
	}
	return &header, nil
}

func scanHeaders(rows *sql.Rows) ([]querycache.Header, error) {
	defer func() { _ = rows.Close() }()

	var headers []querycache.Header
	for rows.Next() {
		header, err := scanHeader(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan header: %w", err)
		}
		headers = append(headers, *header)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating headers: %w", err)
	}
	return headers, nil
}

func nullTotal(total *int64) sql.NullInt64 {
	if total == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *total, Valid: true}
}
