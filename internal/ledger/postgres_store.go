package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// ledgerAppendLockID serializes appends so the hash chain stays linear.
const ledgerAppendLockID = 7403921

// PostgresStore persists the ledger in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects and ensures the schema.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("ledger: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ledger: ping postgres: %w", err)
	}
	return NewPostgresStoreWithDB(db)
}

// NewPostgresStoreWithDB reuses an existing connection pool.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger_entries (
			entry_id TEXT PRIMARY KEY,
			tx_id TEXT NOT NULL UNIQUE,
			agent_id TEXT NOT NULL,
			wallet_id TEXT NOT NULL,
			merchant_id TEXT NOT NULL DEFAULT '',
			token TEXT NOT NULL,
			chain TEXT NOT NULL,
			amount_minor BIGINT NOT NULL,
			fee_minor BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			tx_hash TEXT NOT NULL DEFAULT '',
			block_number BIGINT NOT NULL DEFAULT 0,
			gas_used BIGINT NOT NULL DEFAULT 0,
			audit_anchor TEXT NOT NULL,
			anchor_id TEXT NOT NULL DEFAULT '',
			sequence BIGINT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_agent ON ledger_entries (agent_id, sequence DESC);
		CREATE INDEX IF NOT EXISTS idx_ledger_unanchored ON ledger_entries (sequence) WHERE anchor_id = '';
	`)
	if err != nil {
		return fmt.Errorf("ledger: ensure schema: %w", err)
	}
	return nil
}

const entryColumns = `entry_id, tx_id, agent_id, wallet_id, merchant_id, token, chain,
	amount_minor, fee_minor, status, failure_reason, tx_hash, block_number, gas_used,
	audit_anchor, anchor_id, sequence, created_at, updated_at`

func (s *PostgresStore) Append(ctx context.Context, e Entry) (Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerAppendLockID); err != nil {
		return Entry{}, fmt.Errorf("ledger: acquire append lock: %w", err)
	}

	var lastRoot string
	var lastSeq uint64
	err = tx.QueryRowContext(ctx,
		`SELECT audit_anchor, sequence FROM ledger_entries ORDER BY sequence DESC LIMIT 1`,
	).Scan(&lastRoot, &lastSeq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("ledger: read chain head: %w", err)
	}

	e.Sequence = lastSeq + 1
	e.CreatedAt = time.Now().UTC()
	e.UpdatedAt = e.CreatedAt

	hash, err := e.Hash()
	if err != nil {
		return Entry{}, err
	}
	e.AuditAnchor = chainAnchor(lastRoot, hash)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		e.EntryID, e.TxID, e.AgentID, e.WalletID, e.MerchantID, e.Token, e.Chain,
		e.AmountMinor, e.FeeMinor, e.Status, e.FailureReason, e.TxHash, e.BlockNumber, e.GasUsed,
		e.AuditAnchor, e.AnchorID, e.Sequence, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && strings.Contains(pqErr.Constraint, "tx_id") {
			return Entry{}, ErrDuplicateTxID
		}
		return Entry{}, fmt.Errorf("ledger: insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("ledger: commit append: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Get(ctx context.Context, entryID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE entry_id = $1`, entryID)
	return scanEntry(row)
}

func (s *PostgresStore) GetByTxID(ctx context.Context, txID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE tx_id = $1`, txID)
	return scanEntry(row)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, entryID string, update StatusUpdate) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE ledger_entries
		SET status = $2,
		    tx_hash = CASE WHEN $3 = '' THEN tx_hash ELSE $3 END,
		    block_number = CASE WHEN $4 = 0 THEN block_number ELSE $4 END,
		    gas_used = CASE WHEN $5 = 0 THEN gas_used ELSE $5 END,
		    failure_reason = $6,
		    updated_at = NOW()
		WHERE entry_id = $1
		RETURNING `+entryColumns,
		entryID, update.Status, update.TxHash, update.BlockNumber, update.GasUsed, update.FailureReason)
	return scanEntry(row)
}

func (s *PostgresStore) ListUnanchored(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE anchor_id = '' ORDER BY sequence LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list unanchored: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) MarkAnchored(ctx context.Context, entryIDs []string, anchorID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ledger_entries SET anchor_id = $1 WHERE entry_id = ANY($2)`,
		anchorID, pq.Array(entryIDs))
	if err != nil {
		return fmt.Errorf("ledger: mark anchored: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListForAgent(ctx context.Context, agentID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE agent_id = $1 ORDER BY sequence DESC LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list for agent: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	err := row.Scan(
		&e.EntryID, &e.TxID, &e.AgentID, &e.WalletID, &e.MerchantID, &e.Token, &e.Chain,
		&e.AmountMinor, &e.FeeMinor, &e.Status, &e.FailureReason, &e.TxHash, &e.BlockNumber, &e.GasUsed,
		&e.AuditAnchor, &e.AnchorID, &e.Sequence, &e.CreatedAt, &e.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: scan entry: %w", err)
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
