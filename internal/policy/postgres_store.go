package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresStore implements Store using PostgreSQL. Policies and group spend
// trackers are stored as JSONB documents; spend application runs inside a
// row-locking transaction so concurrent settlements never lose an update.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStoreWithDB shares an existing connection pool and ensures the
// schema.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_policies (
			agent_id TEXT PRIMARY KEY,
			doc JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS group_spend (
			group_id TEXT PRIMARY KEY,
			doc JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return fmt.Errorf("policy: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPolicy(ctx context.Context, agentID string) (Policy, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM agent_policies WHERE agent_id = $1`, agentID).Scan(&doc)
	if err == sql.ErrNoRows {
		return Policy{}, ErrPolicyNotFound
	}
	if err != nil {
		return Policy{}, fmt.Errorf("policy: get: %w", err)
	}
	var p Policy
	if err := json.Unmarshal(doc, &p); err != nil {
		return Policy{}, fmt.Errorf("policy: decode: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) PutPolicy(ctx context.Context, p Policy) error {
	p.UpdatedAt = time.Now()
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("policy: encode: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_policies (agent_id, doc, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (agent_id) DO UPDATE SET doc = $2, updated_at = $3
	`, p.AgentID, doc, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("policy: put: %w", err)
	}
	return nil
}

func (s *PostgresStore) ApplySpend(ctx context.Context, agentID, merchantID string, amount int64, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("policy: begin: %w", err)
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx,
		`SELECT doc FROM agent_policies WHERE agent_id = $1 FOR UPDATE`, agentID).Scan(&doc)
	if err == sql.ErrNoRows {
		return ErrPolicyNotFound
	}
	if err != nil {
		return fmt.Errorf("policy: lock row: %w", err)
	}
	var p Policy
	if err := json.Unmarshal(doc, &p); err != nil {
		return fmt.Errorf("policy: decode: %w", err)
	}

	p.SpentTotal += amount
	applyWindowSpend(&p.Daily, amount, now, DayWindow)
	applyWindowSpend(&p.Weekly, amount, now, WeekWindow)
	applyWindowSpend(&p.Monthly, amount, now, MonthWindow)
	applyMerchantSpend(p.MerchantRules, merchantID, amount, now)
	p.UpdatedAt = now

	updated, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("policy: encode: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_policies SET doc = $2, updated_at = $3 WHERE agent_id = $1`,
		agentID, updated, now); err != nil {
		return fmt.Errorf("policy: update: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) GroupSpend(ctx context.Context, groupID string) (GroupSpend, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM group_spend WHERE group_id = $1`, groupID).Scan(&doc)
	if err == sql.ErrNoRows {
		return GroupSpend{}, nil
	}
	if err != nil {
		return GroupSpend{}, fmt.Errorf("policy: group spend: %w", err)
	}
	var g GroupSpend
	if err := json.Unmarshal(doc, &g); err != nil {
		return GroupSpend{}, fmt.Errorf("policy: decode group: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) ApplyGroupSpend(ctx context.Context, groupID string, amount int64, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("policy: begin: %w", err)
	}
	defer tx.Rollback()

	// Ensure the row exists before locking it; a group's first spend creates
	// a zero-valued tracker.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO group_spend (group_id, doc, updated_at)
		VALUES ($1, '{}', $2)
		ON CONFLICT (group_id) DO NOTHING
	`, groupID, now); err != nil {
		return fmt.Errorf("policy: init group: %w", err)
	}

	var doc []byte
	if err := tx.QueryRowContext(ctx,
		`SELECT doc FROM group_spend WHERE group_id = $1 FOR UPDATE`, groupID).Scan(&doc); err != nil {
		return fmt.Errorf("policy: lock group: %w", err)
	}
	var g GroupSpend
	if err := json.Unmarshal(doc, &g); err != nil {
		return fmt.Errorf("policy: decode group: %w", err)
	}

	g.Total += amount
	applyWindowSpend(&g.Daily, amount, now, DayWindow)
	applyWindowSpend(&g.Monthly, amount, now, MonthWindow)

	updated, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("policy: encode group: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE group_spend SET doc = $2, updated_at = $3 WHERE group_id = $1`,
		groupID, updated, now); err != nil {
		return fmt.Errorf("policy: update group: %w", err)
	}
	return tx.Commit()
}
