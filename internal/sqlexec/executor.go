// Package sqlexec runs caller-supplied SQL against external data sources and
// maps result rows to documents.
package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/kiranshivaraju/meilisync/internal/config"
	"github.com/kiranshivaraju/meilisync/pkg/models"
	"github.com/kiranshivaraju/meilisync/pkg/sqlq"
)

var (
	ErrConnection = errors.New("data source connection failed")
	ErrQuery      = errors.New("data source query failed")
	ErrNoResults  = errors.New("query returned no results")
)

// Executor runs queries against data sources. Pools are opened lazily, one per
// connection target, and shared by all callers until Close.
type Executor struct {
	cfg     config.SourcesConfig
	builder sqlq.QueryBuilder
	logger  *slog.Logger

	mu    sync.Mutex
	pools map[sqlq.Target]*sql.DB
}

func NewExecutor(cfg config.SourcesConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:    cfg,
		logger: logger,
		pools:  make(map[sqlq.Target]*sql.DB),
	}
}

// ExecuteQuery runs query with a single LIMIT clause appended and returns every
// row as a Document, in result order. Zero rows yield an empty slice.
func (e *Executor) ExecuteQuery(ctx context.Context, ds *models.DataSource, query string, limit int) (docs []models.Document, err error) {
	stmt, err := e.builder.Prepare(query, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQuery, err)
	}

	db, err := e.pool(ds)
	if err != nil {
		return nil, err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	defer conn.Close()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic while reading query results", "data_source_id", ds.ID, "panic", r)
			docs, err = nil, fmt.Errorf("%w: %v", ErrQuery, r)
		}
	}()

	rows, err := conn.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQuery, err)
	}
	return scanDocuments(rows)
}

// ExecuteTestQuery returns the first row of query.
func (e *Executor) ExecuteTestQuery(ctx context.Context, ds *models.DataSource, query string) (models.Document, error) {
	docs, err := e.ExecuteQuery(ctx, ds, query, 1)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNoResults
	}
	return docs[0], nil
}

// ExecuteBatchQueries runs every query inside one transaction. The first
// failure rolls back the batch and nothing is returned.
func (e *Executor) ExecuteBatchQueries(ctx context.Context, ds *models.DataSource, queries []string) ([][]models.Document, error) {
	db, err := e.pool(ds)
	if err != nil {
		return nil, err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %w", ErrConnection, err)
	}
	defer func() { _ = tx.Rollback() }()

	results := make([][]models.Document, 0, len(queries))
	for i, q := range queries {
		stmt, err := e.builder.Prepare(q, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: query %d: %w", ErrQuery, i, err)
		}
		rows, err := tx.QueryContext(ctx, stmt)
		if err != nil {
			return nil, fmt.Errorf("%w: query %d: %w", ErrQuery, i, err)
		}
		docs, err := scanDocuments(rows)
		if err != nil {
			return nil, fmt.Errorf("query %d: %w", i, err)
		}
		results = append(results, docs)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", ErrQuery, err)
	}
	return results, nil
}

// TestConnection pings the data source and runs SELECT 1.
func (e *Executor) TestConnection(ctx context.Context, ds *models.DataSource) (bool, error) {
	db, err := e.pool(ds)
	if err != nil {
		return false, err
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return false, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return false, fmt.Errorf("%w: select 1: %w", ErrQuery, err)
	}
	return one == 1, nil
}

// Close closes every pool opened so far.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for target, db := range e.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s pool: %w", target.DriverName, err))
		}
		delete(e.pools, target)
	}
	return errors.Join(errs...)
}

func (e *Executor) pool(ds *models.DataSource) (*sql.DB, error) {
	if ds == nil {
		return nil, fmt.Errorf("%w: no data source", ErrConnection)
	}
	target, err := e.builder.Target(ds)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if db, ok := e.pools[target]; ok {
		return db, nil
	}

	db, err := sql.Open(target.DriverName, target.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if e.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(e.cfg.MaxOpenConns)
	}
	if e.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(e.cfg.MaxIdleConns)
	}
	if e.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(e.cfg.ConnMaxLifetime)
	}

	e.pools[target] = db
	e.logger.Info("opened data source pool", "data_source_id", ds.ID, "driver", target.DriverName)
	return db, nil
}

func (e *Executor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.QueryTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.QueryTimeout)
	}
	return context.WithCancel(ctx)
}

func scanDocuments(rows *sql.Rows) ([]models.Document, error) {
	defer rows.Close()

	cols, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("%w: reading columns: %w", ErrQuery, err)
	}

	docs := make([]models.Document, 0)
	values := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("%w: scanning row: %w", ErrQuery, err)
		}
		doc := make(models.Document, len(cols))
		for i, col := range cols {
			doc[col.Name()] = convertValue(col.DatabaseTypeName(), values[i])
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQuery, err)
	}
	return docs, nil
}
