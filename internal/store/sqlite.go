package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps booking records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and creates tables if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS bookings (
		booking_id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL,
		requester_id TEXT NOT NULL,
		tier TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		headcount INTEGER NOT NULL,
		change_id TEXT NOT NULL,
		round_id TEXT NOT NULL DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save upserts records in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO bookings (booking_id, resource_id, requester_id, tier, start_at, end_at, headcount, change_id, round_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(booking_id) DO UPDATE SET
			   resource_id = excluded.resource_id,
			   start_at = excluded.start_at,
			   end_at = excluded.end_at,
			   headcount = excluded.headcount,
			   change_id = excluded.change_id,
			   round_id = excluded.round_id,
			   updated_at = CURRENT_TIMESTAMP`,
			r.BookingID, r.ResourceID, r.RequesterID, r.Tier,
			r.Start.UTC().Format(time.RFC3339Nano), r.End.UTC().Format(time.RFC3339Nano),
			r.Headcount, r.ChangeID, r.RoundID,
		)
		if err != nil {
			return fmt.Errorf("upsert booking %s: %w", r.BookingID, err)
		}
	}
	return tx.Commit()
}

// Delete removes a booking record.
func (s *SQLiteStore) Delete(ctx context.Context, bookingID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bookings WHERE booking_id = ?`, bookingID); err != nil {
		return fmt.Errorf("delete booking %s: %w", bookingID, err)
	}
	return nil
}

// List returns every record ordered by resource and booking id.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT booking_id, resource_id, requester_id, tier, start_at, end_at, headcount, change_id, round_id
		 FROM bookings ORDER BY resource_id, booking_id`)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var r Record
		var start, end string
		if err := rows.Scan(&r.BookingID, &r.ResourceID, &r.RequesterID, &r.Tier,
			&start, &end, &r.Headcount, &r.ChangeID, &r.RoundID); err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		if r.Start, err = time.Parse(time.RFC3339Nano, start); err != nil {
			return nil, fmt.Errorf("parse start: %w", err)
		}
		if r.End, err = time.Parse(time.RFC3339Nano, end); err != nil {
			return nil, fmt.Errorf("parse end: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
