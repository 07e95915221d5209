package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists ledger entries in a SQLite database. It only issues
// INSERT and SELECT statements.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and creates tables if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS commitments (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		round_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		proposer_id TEXT NOT NULL,
		counterparty_id TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		change_id TEXT NOT NULL DEFAULT '',
		terms TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		resolved_at TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_commitments_id ON commitments(id);
	CREATE INDEX IF NOT EXISTS idx_commitments_round ON commitments(round_id);
	CREATE INDEX IF NOT EXISTS idx_commitments_proposer ON commitments(proposer_id);
	CREATE INDEX IF NOT EXISTS idx_commitments_counterparty ON commitments(counterparty_id);

	CREATE TABLE IF NOT EXISTS rounds (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		participants TEXT NOT NULL,
		contested TEXT NOT NULL,
		outcome TEXT NOT NULL,
		direct INTEGER NOT NULL DEFAULT 0,
		resolved_at TEXT NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

func (s *SQLiteStore) AppendCommitment(ctx context.Context, c Commitment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commitments (id, round_id, kind, proposer_id, counterparty_id, resource_id,
		 change_id, terms, status, reason, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RoundID, string(c.Kind), c.ProposerID, c.CounterpartyID, c.ResourceID,
		c.ChangeID, c.Terms, string(c.Status), c.Reason, formatTime(c.CreatedAt), formatTime(c.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("insert commitment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendRound(ctx context.Context, r Round) error {
	participants, err := json.Marshal(r.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	contested, err := json.Marshal(r.Contested)
	if err != nil {
		return fmt.Errorf("encode contested slots: %w", err)
	}
	direct := 0
	if r.Direct {
		direct = 1
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rounds (id, participants, contested, outcome, direct, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, string(participants), string(contested), string(r.Outcome), direct, formatTime(r.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

const commitmentColumns = `id, round_id, kind, proposer_id, counterparty_id, resource_id,
	change_id, terms, status, reason, created_at, resolved_at`

func (s *SQLiteStore) Entries(ctx context.Context, commitmentID string) ([]Commitment, error) {
	return s.queryCommitments(ctx,
		`SELECT `+commitmentColumns+` FROM commitments WHERE id = ? ORDER BY seq ASC`,
		commitmentID)
}

func (s *SQLiteStore) History(ctx context.Context, participantID string) ([]Commitment, error) {
	return s.queryCommitments(ctx,
		`SELECT `+commitmentColumns+` FROM commitments
		 WHERE proposer_id = ? OR counterparty_id = ? ORDER BY seq ASC`,
		participantID, participantID)
}

func (s *SQLiteStore) RoundCommitments(ctx context.Context, roundID string) ([]Commitment, error) {
	return s.queryCommitments(ctx,
		`SELECT `+commitmentColumns+` FROM commitments WHERE round_id = ? ORDER BY seq ASC`,
		roundID)
}

func (s *SQLiteStore) Round(ctx context.Context, roundID string) (Round, bool, error) {
	rounds, err := s.queryRounds(ctx,
		`SELECT id, participants, contested, outcome, direct, resolved_at
		 FROM rounds WHERE id = ?`, roundID)
	if err != nil || len(rounds) == 0 {
		return Round{}, false, err
	}
	return rounds[0], true, nil
}

func (s *SQLiteStore) Rounds(ctx context.Context) ([]Round, error) {
	return s.queryRounds(ctx,
		`SELECT id, participants, contested, outcome, direct, resolved_at
		 FROM rounds ORDER BY seq ASC`)
}

func (s *SQLiteStore) queryCommitments(ctx context.Context, query string, args ...any) ([]Commitment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query commitments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Commitment
	for rows.Next() {
		var c Commitment
		var kind, status, created, resolved string
		if err := rows.Scan(&c.ID, &c.RoundID, &kind, &c.ProposerID, &c.CounterpartyID, &c.ResourceID,
			&c.ChangeID, &c.Terms, &status, &c.Reason, &created, &resolved); err != nil {
			return nil, fmt.Errorf("scan commitment: %w", err)
		}
		c.Kind = Kind(kind)
		c.Status = Status(status)
		if c.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if c.ResolvedAt, err = parseTime(resolved); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) queryRounds(ctx context.Context, query string, args ...any) ([]Round, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rounds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Round
	for rows.Next() {
		var r Round
		var participants, contested, outcome, resolved string
		var direct int
		if err := rows.Scan(&r.ID, &participants, &contested, &outcome, &direct, &resolved); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		if err := json.Unmarshal([]byte(participants), &r.Participants); err != nil {
			return nil, fmt.Errorf("decode participants: %w", err)
		}
		if err := json.Unmarshal([]byte(contested), &r.Contested); err != nil {
			return nil, fmt.Errorf("decode contested slots: %w", err)
		}
		r.Outcome = Outcome(outcome)
		r.Direct = direct == 1
		if r.ResolvedAt, err = parseTime(resolved); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
