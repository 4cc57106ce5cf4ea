package auditsink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PgStore persists to PostgreSQL. Expected schema (migrations are managed
// outside this service):
//
//	CREATE TABLE audit_transactions (
//	    txn_id     TEXT PRIMARY KEY,
//	    user_id    TEXT NOT NULL,
//	    delta      BIGINT NOT NULL,
//	    actor      TEXT NOT NULL,
//	    source     TEXT NOT NULL,
//	    reason     TEXT,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE TABLE webhook_deliveries (
//	    key          TEXT PRIMARY KEY,
//	    payload_hash TEXT NOT NULL
//	);
type PgStore struct {
	db *sql.DB
}

func NewPgStore(databaseURL string) (*PgStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &PgStore{db: db}, nil
}

func (s *PgStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PgStore) Ingest(ctx context.Context, key, payloadHash string, row Row) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (key, payload_hash) VALUES ($1, $2)
		 ON CONFLICT (key) DO NOTHING`, key, payloadHash)
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		var existing string
		if err := tx.QueryRowContext(ctx,
			`SELECT payload_hash FROM webhook_deliveries WHERE key = $1`, key).Scan(&existing); err != nil {
			return false, err
		}
		if existing != payloadHash {
			return false, ErrKeyConflict
		}
		return true, tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_transactions (txn_id, user_id, delta, actor, source, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		 ON CONFLICT (txn_id) DO NOTHING`,
		row.TxnID, row.UserID, row.Delta, row.Actor, row.Source, row.Reason, row.CreatedAt)
	if err != nil {
		return false, err
	}
	return false, tx.Commit()
}

func (s *PgStore) Recent(ctx context.Context, userID string, limit int) ([]Row, error) {
	q := `SELECT txn_id, user_id, delta, actor, source, COALESCE(reason, ''), created_at
	      FROM audit_transactions`
	args := []any{}
	if strings.TrimSpace(userID) != "" {
		q += ` WHERE user_id = $1`
		args = append(args, strings.TrimSpace(userID))
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC, txn_id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.TxnID, &r.UserID, &r.Delta, &r.Actor, &r.Source, &r.Reason, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
