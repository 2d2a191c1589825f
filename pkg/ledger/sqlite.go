package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStorage is the default ledger backend: a single-file sqlite
// database, no external service required.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the ledger database at path.
// The special path ":memory:" yields a volatile database for tests.
func OpenSQLite(path string) (*SQLiteStorage, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	// A memory database exists per connection; the pool must not
	// hand out a second, empty one.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return NewSQLiteStorage(db)
}

// NewSQLiteStorage wraps an existing handle and runs migrations.
func NewSQLiteStorage(db *sql.DB) (*SQLiteStorage, error) {
	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS cooldowns (
        identity TEXT PRIMARY KEY,
        last_claim INTEGER NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate cooldowns: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) LastClaim(ctx context.Context, identity string) (int64, bool, error) {
	var epoch int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_claim FROM cooldowns WHERE identity = ?`, identity,
	).Scan(&epoch)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read cooldown for %s: %w", identity, err)
	}
	return epoch, true, nil
}

// CommitClaim performs the conditional upsert in one statement. The
// insert succeeds for a new identity; on conflict the update applies
// only when the existing record has aged past the cooldown. Zero rows
// affected means another claim holds the window.
func (s *SQLiteStorage) CommitClaim(ctx context.Context, identity string, now time.Time, cooldown time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO cooldowns (identity, last_claim) VALUES (?, ?)
        ON CONFLICT(identity) DO UPDATE SET last_claim = excluded.last_claim
        WHERE excluded.last_claim - cooldowns.last_claim > ?`,
		identity, now.Unix(), int64(cooldown/time.Second),
	)
	if err != nil {
		return fmt.Errorf("commit claim for %s: %w", identity, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit claim for %s: %w", identity, err)
	}
	if affected == 0 {
		return ErrCooldownActive
	}
	return nil
}

func (s *SQLiteStorage) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT identity, last_claim FROM cooldowns
        ORDER BY last_claim DESC
        LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list recent claims: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Identity, &r.LastClaimEpoch); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *SQLiteStorage) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cooldowns`); err != nil {
		return fmt.Errorf("reset cooldowns: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
