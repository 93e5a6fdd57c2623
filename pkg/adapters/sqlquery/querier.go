// Package sqlquery runs database_query nodes against PostgreSQL connections.
package sqlquery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const maxRows = 1000

var ErrUnknownConnection = errors.New("unknown database connection")

// Querier implements protocol.DatabaseQuerier. A connection descriptor is
// either a name registered at construction or a postgres:// URL. One pool is
// opened per descriptor and reused.
type Querier struct {
	logger      *slog.Logger
	connections map[string]string

	mu    sync.Mutex
	pools map[string]*sql.DB
}

// NewQuerier creates a querier. connections maps names to database URLs.
func NewQuerier(logger *slog.Logger, connections map[string]string) *Querier {
	named := make(map[string]string, len(connections))
	for name, url := range connections {
		named[name] = url
	}

	return &Querier{
		logger:      logger.With("module", "sql_querier"),
		connections: named,
		pools:       make(map[string]*sql.DB),
	}
}

func (q *Querier) resolve(connection string) (string, error) {
	if url, ok := q.connections[connection]; ok {
		return url, nil
	}

	if strings.HasPrefix(connection, "postgres://") || strings.HasPrefix(connection, "postgresql://") {
		return connection, nil
	}

	return "", fmt.Errorf("%w: %s", ErrUnknownConnection, connection)
}

func (q *Querier) pool(connection string) (*sql.DB, error) {
	url, err := q.resolve(connection)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if db, ok := q.pools[url]; ok {
		return db, nil
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	q.pools[url] = db

	return db, nil
}

func (q *Querier) Query(ctx context.Context, connection, statement string, params []any) ([]map[string]any, error) {
	db, err := q.pool(connection)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, statement, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to run query: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	result := make([]map[string]any, 0)

	for rows.Next() {
		if len(result) == maxRows {
			q.logger.WarnContext(ctx, "Query result truncated", "max_rows", maxRows)

			break
		}

		values := make([]any, len(columns))
		pointers := make([]any, len(columns))

		for i := range values {
			pointers[i] = &values[i]
		}

		err = rows.Scan(pointers...)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, column := range columns {
			row[column] = normalize(values[i])
		}

		result = append(result, row)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return result, nil
}

func normalize(value any) any {
	switch typed := value.(type) {
	case []byte:
		return string(typed)
	case time.Time:
		return typed.UTC().Format(time.RFC3339)
	default:
		return typed
	}
}

// Close closes every pool.
func (q *Querier) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var errs []error

	for url, db := range q.pools {
		errs = append(errs, db.Close())
		delete(q.pools, url)
	}

	return errors.Join(errs...)
}
