package adapter

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
)

type postgresClient struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database of dsn
func NewPostgres(ctx context.Context, dsn string) (Warehouse, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, goerr.Wrap(err, "failed to connect to postgres")
	}
	return &postgresClient{pool: pool}, nil
}

// Rows executes a query with "$n" positional parameters and reads all rows
func (pg *postgresClient) Rows(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := pg.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to run query")
	}

	results, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read query result")
	}
	return results, nil
}
