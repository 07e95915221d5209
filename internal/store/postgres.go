package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxSaveAttempts = 5

// PostgresStore keeps booking records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the bookings table.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.HealthCheckPeriod = time.Minute
	config.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS bookings (
			booking_id TEXT PRIMARY KEY,
			resource_id TEXT NOT NULL,
			requester_id TEXT NOT NULL,
			tier TEXT NOT NULL,
			start_at TIMESTAMPTZ NOT NULL,
			end_at TIMESTAMPTZ NOT NULL,
			headcount INTEGER NOT NULL,
			change_id TEXT NOT NULL,
			round_id TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// Save upserts records in one serializable transaction, retrying on
// serialization failures and deadlocks.
func (p *PostgresStore) Save(ctx context.Context, records []Record) error {
	var err error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*attempt) * 20 * time.Millisecond):
			}
		}
		err = p.save(ctx, records)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return fmt.Errorf("save bookings: attempts exhausted: %w", err)
}

func (p *PostgresStore) save(ctx context.Context, records []Record) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, r := range records {
		_, err := tx.Exec(ctx, `
			INSERT INTO bookings (booking_id, resource_id, requester_id, tier, start_at, end_at, headcount, change_id, round_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (booking_id) DO UPDATE SET
				resource_id = EXCLUDED.resource_id,
				start_at = EXCLUDED.start_at,
				end_at = EXCLUDED.end_at,
				headcount = EXCLUDED.headcount,
				change_id = EXCLUDED.change_id,
				round_id = EXCLUDED.round_id,
				updated_at = NOW()`,
			r.BookingID, r.ResourceID, r.RequesterID, r.Tier, r.Start, r.End, r.Headcount, r.ChangeID, r.RoundID)
		if err != nil {
			return fmt.Errorf("upsert booking %s: %w", r.BookingID, err)
		}
	}
	return tx.Commit(ctx)
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// Delete removes a booking record.
func (p *PostgresStore) Delete(ctx context.Context, bookingID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM bookings WHERE booking_id = $1`, bookingID); err != nil {
		return fmt.Errorf("delete booking %s: %w", bookingID, err)
	}
	return nil
}

// List returns every record ordered by resource and booking id.
func (p *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT booking_id, resource_id, requester_id, tier, start_at, end_at, headcount, change_id, round_id
		FROM bookings ORDER BY resource_id, booking_id`)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.BookingID, &r.ResourceID, &r.RequesterID, &r.Tier,
			&r.Start, &r.End, &r.Headcount, &r.ChangeID, &r.RoundID); err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
