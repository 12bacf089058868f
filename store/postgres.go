// Package store provides a PostgreSQL-based implementation of the Store interface.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/CreativeUnicorns/querycache"
)

// sqlOpenFunc is a package-level variable that can be overridden for testing.
var sqlOpenFunc = sql.Open

// pqUniqueViolation is the PostgreSQL error code for unique_violation.
const pqUniqueViolation = "23505"

const (
	pgCreateTablesSQL = `
		CREATE TABLE IF NOT EXISTS query_headers (
			collection_name TEXT PRIMARY KEY,
			client_id TEXT NOT NULL,
			search_params BYTEA NOT NULL,
			total_elements BIGINT,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			UNIQUE (client_id, search_params)
		);

		CREATE INDEX IF NOT EXISTS idx_query_headers_expires
		ON query_headers(expires_at);

		CREATE TABLE IF NOT EXISTS query_results (
			ord BIGSERIAL PRIMARY KEY,
			collection_name TEXT NOT NULL,
			item JSONB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_query_results_collection
		ON query_results(collection_name, ord);
	`

	pgInsertHeaderSQL = `
		INSERT INTO query_headers (collection_name, client_id, search_params, total_elements, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (client_id, search_params) DO NOTHING
	`

	pgSelectHeaderSQL = `
		SELECT collection_name, client_id, search_params, total_elements, created_at, expires_at
		FROM query_headers
		WHERE client_id = $1 AND search_params = $2
	`

	pgUpdateTotalSQL = `
		UPDATE query_headers SET total_elements = $1
		WHERE client_id = $2 AND search_params = $3
	`

	pgDeleteExpiredSQL = `
		DELETE FROM query_headers
		WHERE expires_at < $1
		RETURNING collection_name, client_id, search_params, total_elements, created_at, expires_at
	`

	pgInsertItemSQL = `
		INSERT INTO query_results (collection_name, item)
		VALUES ($1, $2)
	`

	pgSelectItemsSQL = `
		SELECT item FROM query_results
		WHERE collection_name = $1
		ORDER BY ord
		LIMIT $2 OFFSET $3
	`

	pgCountItemsSQL = `
		SELECT COUNT(*) FROM query_results
		WHERE collection_name = $1
	`

	pgDropCollectionSQL = `
		DELETE FROM query_results
		WHERE collection_name = $1
	`
)

// PostgresStore implements the Store interface using PostgreSQL. Result items
// are stored as JSONB; collections share one table keyed by name.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore initializes a new PostgresStore. It connects to the
// database identified by connString and runs migrations.
func NewPostgresStore(connString string) (*PostgresStore, error) {
	db, err := sqlOpenFunc("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs the necessary database migrations.
func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(pgCreateTablesSQL)
	return err
}

// FindHeader retrieves the header for a logical cache key.
// It returns querycache.ErrNotFound if no header exists.
func (s *PostgresStore) FindHeader(ctx context.Context, clientID string, searchParams []byte) (*querycache.Header, error) {
	row := s.db.QueryRowContext(ctx, pgSelectHeaderSQL, clientID, searchParams)
	return scanHeaderRow(row)
}

// FindOrCreateHeader atomically resolves the header for a logical cache key.
// The insert is a no-op when a header already exists, so racing creators
// converge on the same header.
func (s *PostgresStore) FindOrCreateHeader(ctx context.Context, clientID string, searchParams []byte, defaults *querycache.Header) (*querycache.Header, error) {
	_, err := s.db.ExecContext(ctx, pgInsertHeaderSQL,
		defaults.CollectionName,
		clientID,
		searchParams,
		nullTotal(defaults.TotalElements),
		defaults.CreatedAt,
		defaults.ExpiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return nil, fmt.Errorf("%w: %v", querycache.ErrDuplicateKey, err)
		}
		return nil, fmt.Errorf("failed to create header: %w", err)
	}

	return s.FindHeader(ctx, clientID, searchParams)
}

// SetTotalElements records the total result count on a header. It is a no-op
// when the header no longer exists.
func (s *PostgresStore) SetTotalElements(ctx context.Context, clientID string, searchParams []byte, total int64) error {
	if _, err := s.db.ExecContext(ctx, pgUpdateTotalSQL, total, clientID, searchParams); err != nil {
		return fmt.Errorf("failed to update total elements: %w", err)
	}
	return nil
}

// DeleteExpiredHeaders removes and returns every header expiring before asOf.
func (s *PostgresStore) DeleteExpiredHeaders(ctx context.Context, asOf time.Time) ([]querycache.Header, error) {
	rows, err := s.db.QueryContext(ctx, pgDeleteExpiredSQL, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired headers: %w", err)
	}
	return scanHeaders(rows)
}

// InsertItems appends items to a collection in one transaction, preserving
// slice order.
func (s *PostgresStore) InsertItems(ctx context.Context, collection string, items []any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, pgInsertItemSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, item := range items {
		itemJSON, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, collection, itemJSON); err != nil {
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
func (s *PostgresStore) Items(ctx context.Context, collection string, skip, limit int) ([]any, error) {
	rows, err := s.db.QueryContext(ctx, pgSelectItemsSQL, collection, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := []any{}
	for rows.Next() {
		var itemJSON []byte
		if err := rows.Scan(&itemJSON); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}

		var item any
		if err := json.Unmarshal(itemJSON, &item); err != nil {
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
func (s *PostgresStore) CountItems(ctx context.Context, collection string) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, pgCountItemsSQL, collection).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count items: %w", err)
	}
	return count, nil
}

// DropCollection removes every item of a collection.
func (s *PostgresStore) DropCollection(ctx context.Context, collection string) error {
	if _, err := s.db.ExecContext(ctx, pgDropCollectionSQL, collection); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
