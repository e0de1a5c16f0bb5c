package dedup

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/riskengine/internal/fraud"
)

// PostgresLedger keeps claims and results in the processed_transactions
// table created by migrations/001_processed_transactions.sql.
type PostgresLedger struct {
	db        *sql.DB
	lease     time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewPostgresLedger creates a PostgreSQL-backed ledger.
func NewPostgresLedger(db *sql.DB, lease, retention time.Duration) *PostgresLedger {
	if lease <= 0 {
		lease = DefaultLease
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &PostgresLedger{db: db, lease: lease, retention: retention, now: time.Now}
}

// WithClock replaces the time source. Intended for tests.
func (l *PostgresLedger) WithClock(now func() time.Time) *PostgresLedger {
	l.now = now
	return l
}

func (l *PostgresLedger) Claim(ctx context.Context, txID string) (Claim, error) {
	now := l.now().UTC()

	// An existing row is taken over only when its lease or retention ran out.
	var claimed string
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO processed_transactions (tx_id, status, claimed_at, expires_at)
		VALUES ($1, 'pending', $2, $3)
		ON CONFLICT (tx_id) DO UPDATE
			SET status = 'pending', result = NULL,
			    claimed_at = EXCLUDED.claimed_at, expires_at = EXCLUDED.expires_at
			WHERE processed_transactions.expires_at <= EXCLUDED.claimed_at
		RETURNING tx_id
	`, txID, now, now.Add(l.lease)).Scan(&claimed)
	if err == nil {
		return Claim{State: Claimed}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Claim{}, unavailable("claim", err)
	}

	var (
		status string
		raw    []byte
	)
	err = l.db.QueryRowContext(ctx, `
		SELECT status, result FROM processed_transactions WHERE tx_id = $1
	`, txID).Scan(&status, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		// Released between the two statements; the caller polls again.
		return Claim{State: InFlight}, nil
	}
	if err != nil {
		return Claim{}, unavailable("claim", err)
	}
	if status != "completed" {
		return Claim{State: InFlight}, nil
	}
	res, err := decodeResultBytes(raw)
	if err != nil {
		return Claim{}, err
	}
	return Claim{State: Completed, Result: res}, nil
}

func (l *PostgresLedger) Complete(ctx context.Context, txID string, result *fraud.ScoreResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("dedup: encode result: %w", err)
	}
	now := l.now().UTC()
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO processed_transactions (tx_id, status, result, claimed_at, expires_at)
		VALUES ($1, 'completed', $2, $3, $4)
		ON CONFLICT (tx_id) DO UPDATE
			SET status = 'completed', result = EXCLUDED.result, expires_at = EXCLUDED.expires_at
	`, txID, data, now, now.Add(l.retention))
	if err != nil {
		return unavailable("complete", err)
	}
	return nil
}

func (l *PostgresLedger) Release(ctx context.Context, txID string) error {
	_, err := l.db.ExecContext(ctx, `
		DELETE FROM processed_transactions WHERE tx_id = $1 AND status = 'pending'
	`, txID)
	if err != nil {
		return unavailable("release", err)
	}
	return nil
}

func (l *PostgresLedger) Lookup(ctx context.Context, txID string) (*fraud.ScoreResult, bool, error) {
	var raw []byte
	err := l.db.QueryRowContext(ctx, `
		SELECT result FROM processed_transactions
		WHERE tx_id = $1 AND status = 'completed' AND expires_at > $2
	`, txID, l.now().UTC()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("lookup", err)
	}
	res, err := decodeResultBytes(raw)
	if err != nil {
		return nil, false, err
	}
	return res, true, nil
}

func (l *PostgresLedger) Ping(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Sweep deletes expired rows.
func (l *PostgresLedger) Sweep(ctx context.Context) (int, error) {
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM processed_transactions WHERE expires_at <= $1
	`, l.now().UTC())
	if err != nil {
		return 0, unavailable("sweep", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func decodeResultBytes(raw []byte) (*fraud.ScoreResult, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("dedup: completed row has no result")
	}
	return decodeResult(string(raw))
}
