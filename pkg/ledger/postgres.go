package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStorage is the deployment alternative to sqlite for setups
// that already run PostgreSQL. Same table, same conditional-upsert
// semantics.
type PostgresStorage struct {
	db *sql.DB
}

// OpenPostgres connects with the given DSN and runs migrations.
func OpenPostgres(dsn string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres ledger: %w", err)
	}
	return NewPostgresStorage(db)
}

// NewPostgresStorage wraps an existing handle and runs migrations.
func NewPostgresStorage(db *sql.DB) (*PostgresStorage, error) {
	s := &PostgresStorage{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStorage) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS cooldowns (
        identity TEXT PRIMARY KEY,
        last_claim BIGINT NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate cooldowns: %w", err)
	}
	return nil
}

func (s *PostgresStorage) LastClaim(ctx context.Context, identity string) (int64, bool, error) {
	var epoch int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_claim FROM cooldowns WHERE identity = $1`, identity,
	).Scan(&epoch)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read cooldown for %s: %w", identity, err)
	}
	return epoch, true, nil
}

func (s *PostgresStorage) CommitClaim(ctx context.Context, identity string, now time.Time, cooldown time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO cooldowns (identity, last_claim) VALUES ($1, $2)
        ON CONFLICT (identity) DO UPDATE SET last_claim = EXCLUDED.last_claim
        WHERE EXCLUDED.last_claim - cooldowns.last_claim > $3`,
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

func (s *PostgresStorage) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT identity, last_claim FROM cooldowns
        ORDER BY last_claim DESC
        LIMIT $1`, limit,
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

func (s *PostgresStorage) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cooldowns`); err != nil {
		return fmt.Errorf("reset cooldowns: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
