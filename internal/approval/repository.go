package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// MemoryRepository is an in-process Repository for development and tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	requests map[string]Request
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{requests: make(map[string]Request)}
}

func (r *MemoryRepository) Get(_ context.Context, id string) (Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return req, nil
}

func (r *MemoryRepository) Put(_ context.Context, req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[req.ID] = req
	return nil
}

func (r *MemoryRepository) ListPending(_ context.Context) ([]Request, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Request
	for _, req := range r.requests {
		if req.Status == StatusPending {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PostgresRepository implements Repository using PostgreSQL. Approver and
// vote lists are stored as JSONB.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepositoryWithDB shares an existing connection pool and ensures
// the schema.
func NewPostgresRepositoryWithDB(db *sql.DB) (*PostgresRepository, error) {
	r := &PostgresRepository{db: db}
	if err := r.ensureSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *PostgresRepository) ensureSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS approval_requests (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			amount_minor BIGINT NOT NULL,
			currency TEXT NOT NULL DEFAULT '',
			merchant_domain TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			urgency TEXT NOT NULL,
			requested_by TEXT NOT NULL DEFAULT '',
			reviewed_by TEXT,
			approvers JSONB NOT NULL DEFAULT '[]',
			quorum INT NOT NULL DEFAULT 1,
			votes JSONB NOT NULL DEFAULT '[]',
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests (status);
	`)
	if err != nil {
		return fmt.Errorf("ensure approval schema: %w", err)
	}
	return nil
}

const requestColumns = `
	id, idempotency_key, agent_id, amount_minor, currency, merchant_domain,
	status, urgency, requested_by, reviewed_by, approvers, quorum, votes,
	expires_at, created_at, updated_at
`

func (r *PostgresRepository) Get(ctx context.Context, id string) (Request, error) {
	query := fmt.Sprintf(`SELECT %s FROM approval_requests WHERE id = $1`, requestColumns)
	req, err := scanRequest(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("query approval request: %w", err)
	}
	return req, nil
}

func (r *PostgresRepository) Put(ctx context.Context, req Request) error {
	approversJSON, err := json.Marshal(req.Approvers)
	if err != nil {
		return fmt.Errorf("marshal approvers: %w", err)
	}
	votesJSON, err := json.Marshal(req.Votes)
	if err != nil {
		return fmt.Errorf("marshal votes: %w", err)
	}

	const query = `
		INSERT INTO approval_requests (id, idempotency_key, agent_id, amount_minor,
		    currency, merchant_domain, status, urgency, requested_by, reviewed_by,
		    approvers, quorum, votes, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    reviewed_by = EXCLUDED.reviewed_by,
		    votes = EXCLUDED.votes,
		    updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query,
		req.ID, req.IdempotencyKey, req.AgentID, req.AmountMinor,
		req.Currency, req.MerchantDomain, string(req.Status), string(req.Urgency),
		req.RequestedBy, req.ReviewedBy, approversJSON, req.Quorum, votesJSON,
		req.ExpiresAt, req.CreatedAt, req.UpdatedAt,
	); err != nil {
		return fmt.Errorf("upsert approval request: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListPending(ctx context.Context) ([]Request, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM approval_requests
		WHERE status = 'pending'
		ORDER BY created_at
	`, requestColumns)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var req Request
	var status, urgency string
	var reviewedBy sql.NullString
	var approversJSON, votesJSON []byte

	err := row.Scan(
		&req.ID, &req.IdempotencyKey, &req.AgentID, &req.AmountMinor,
		&req.Currency, &req.MerchantDomain, &status, &urgency,
		&req.RequestedBy, &reviewedBy, &approversJSON, &req.Quorum, &votesJSON,
		&req.ExpiresAt, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return Request{}, err
	}

	req.Status = Status(status)
	req.Urgency = Urgency(urgency)
	req.ReviewedBy = reviewedBy.String
	if len(approversJSON) > 0 {
		if err := json.Unmarshal(approversJSON, &req.Approvers); err != nil {
			return Request{}, fmt.Errorf("parse approvers: %w", err)
		}
	}
	if len(votesJSON) > 0 {
		if err := json.Unmarshal(votesJSON, &req.Votes); err != nil {
			return Request{}, fmt.Errorf("parse votes: %w", err)
		}
	}
	return req, nil
}
