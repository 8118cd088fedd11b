package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresRepository implements Repository using PostgreSQL. Nested structures
// (limits, addresses, rules) are stored as JSONB columns.
type PostgresRepository struct {
	db     *sql.DB
	ownsDB bool
}

// NewPostgresRepository opens its own connection pool and ensures the schema.
func NewPostgresRepository(connectionString string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	r := &PostgresRepository{db: db, ownsDB: true}
	if err := r.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
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
		CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			spending_limits JSONB NOT NULL DEFAULT '{}',
			policy_ref TEXT NOT NULL DEFAULT '',
			wallet_ids JSONB NOT NULL DEFAULT '[]',
			kya_level TEXT NOT NULL DEFAULT 'none',
			active BOOLEAN NOT NULL DEFAULT true,
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS wallets (
			wallet_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			chain_addresses JSONB NOT NULL DEFAULT '{}',
			mpc_provider TEXT NOT NULL DEFAULT '',
			currency TEXT NOT NULL DEFAULT '',
			frozen BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_wallets_agent ON wallets (agent_id);
		CREATE TABLE IF NOT EXISTS agent_groups (
			group_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL DEFAULT '',
			agent_ids JSONB NOT NULL DEFAULT '[]',
			budget JSONB NOT NULL DEFAULT '{}',
			merchant_policy JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure agent schema: %w", err)
	}
	return nil
}

// Close releases the pool if this repository owns it.
func (r *PostgresRepository) Close() error {
	if r.ownsDB {
		return r.db.Close()
	}
	return nil
}

func (r *PostgresRepository) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	const query = `
		SELECT agent_id, owner_id, name, spending_limits, policy_ref, wallet_ids,
		       kya_level, active, version, created_at, updated_at
		FROM agents
		WHERE agent_id = $1
	`

	var a Agent
	var limitsJSON, walletIDsJSON []byte
	var kyaLevel string
	err := r.db.QueryRowContext(ctx, query, agentID).Scan(
		&a.AgentID, &a.OwnerID, &a.Name, &limitsJSON, &a.PolicyRef, &walletIDsJSON,
		&kyaLevel, &a.Active, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return Agent{}, ErrAgentNotFound
	}
	if err != nil {
		return Agent{}, fmt.Errorf("query agent: %w", err)
	}

	a.KYALevel = KYALevel(kyaLevel)
	if err := json.Unmarshal(limitsJSON, &a.Limits); err != nil {
		return Agent{}, fmt.Errorf("parse spending_limits: %w", err)
	}
	if len(walletIDsJSON) > 0 {
		if err := json.Unmarshal(walletIDsJSON, &a.WalletIDs); err != nil {
			return Agent{}, fmt.Errorf("parse wallet_ids: %w", err)
		}
	}
	return a, nil
}

func (r *PostgresRepository) PutAgent(ctx context.Context, a Agent) error {
	limitsJSON, err := json.Marshal(a.Limits)
	if err != nil {
		return fmt.Errorf("marshal spending_limits: %w", err)
	}
	walletIDsJSON, err := json.Marshal(a.WalletIDs)
	if err != nil {
		return fmt.Errorf("marshal wallet_ids: %w", err)
	}

	now := time.Now()

	// Optimistic concurrency: the update only matches the row when the caller
	// carries the current version.
	const update = `
		UPDATE agents
		SET owner_id = $2, name = $3, spending_limits = $4, policy_ref = $5,
		    wallet_ids = $6, kya_level = $7, active = $8, version = version + 1,
		    updated_at = $9
		WHERE agent_id = $1 AND version = $10
	`
	result, err := r.db.ExecContext(ctx, update,
		a.AgentID, a.OwnerID, a.Name, limitsJSON, a.PolicyRef,
		walletIDsJSON, string(a.KYALevel), a.Active, now, a.Version,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// No row matched: either the agent is new, or the version is stale.
	const insert = `
		INSERT INTO agents (agent_id, owner_id, name, spending_limits, policy_ref,
		                    wallet_ids, kya_level, active, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true, 1, $8, $8)
		ON CONFLICT (agent_id) DO NOTHING
	`
	result, err = r.db.ExecContext(ctx, insert,
		a.AgentID, a.OwnerID, a.Name, limitsJSON, a.PolicyRef,
		walletIDsJSON, string(a.KYALevel), now,
	)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	affected, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *PostgresRepository) DeactivateAgent(ctx context.Context, agentID string) error {
	const query = `
		UPDATE agents
		SET active = false, version = version + 1, updated_at = $2
		WHERE agent_id = $1
	`
	result, err := r.db.ExecContext(ctx, query, agentID, time.Now())
	if err != nil {
		return fmt.Errorf("deactivate agent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate agent: %w", err)
	}
	if affected == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (r *PostgresRepository) GetWallet(ctx context.Context, walletID string) (Wallet, error) {
	const query = `
		SELECT wallet_id, agent_id, chain_addresses, mpc_provider, currency, frozen, created_at
		FROM wallets
		WHERE wallet_id = $1
	`

	var w Wallet
	var addressesJSON []byte
	err := r.db.QueryRowContext(ctx, query, walletID).Scan(
		&w.WalletID, &w.AgentID, &addressesJSON, &w.MPCProvider, &w.Currency, &w.Frozen, &w.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return Wallet{}, ErrWalletNotFound
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("query wallet: %w", err)
	}
	if err := json.Unmarshal(addressesJSON, &w.ChainAddresses); err != nil {
		return Wallet{}, fmt.Errorf("parse chain_addresses: %w", err)
	}
	return w, nil
}

func (r *PostgresRepository) PutWallet(ctx context.Context, w Wallet) error {
	addressesJSON, err := json.Marshal(w.ChainAddresses)
	if err != nil {
		return fmt.Errorf("marshal chain_addresses: %w", err)
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}

	const query = `
		INSERT INTO wallets (wallet_id, agent_id, chain_addresses, mpc_provider, currency, frozen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (wallet_id) DO UPDATE
		SET chain_addresses = EXCLUDED.chain_addresses,
		    mpc_provider = EXCLUDED.mpc_provider,
		    currency = EXCLUDED.currency,
		    frozen = EXCLUDED.frozen
	`
	if _, err := r.db.ExecContext(ctx, query,
		w.WalletID, w.AgentID, addressesJSON, w.MPCProvider, w.Currency, w.Frozen, w.CreatedAt,
	); err != nil {
		return fmt.Errorf("upsert wallet: %w", err)
	}
	return nil
}

func (r *PostgresRepository) WalletsForAgent(ctx context.Context, agentID string) ([]Wallet, error) {
	const query = `
		SELECT wallet_id, agent_id, chain_addresses, mpc_provider, currency, frozen, created_at
		FROM wallets
		WHERE agent_id = $1
		ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("query wallets: %w", err)
	}
	defer rows.Close()

	var out []Wallet
	for rows.Next() {
		var w Wallet
		var addressesJSON []byte
		if err := rows.Scan(&w.WalletID, &w.AgentID, &addressesJSON, &w.MPCProvider, &w.Currency, &w.Frozen, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		if err := json.Unmarshal(addressesJSON, &w.ChainAddresses); err != nil {
			return nil, fmt.Errorf("parse chain_addresses: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) WalletByAddress(ctx context.Context, chain, address string) (Wallet, error) {
	const query = `
		SELECT wallet_id, agent_id, chain_addresses, mpc_provider, currency, frozen, created_at
		FROM wallets
		WHERE chain_addresses ->> $1 = $2
		LIMIT 1
	`

	var w Wallet
	var addressesJSON []byte
	err := r.db.QueryRowContext(ctx, query, chain, address).Scan(
		&w.WalletID, &w.AgentID, &addressesJSON, &w.MPCProvider, &w.Currency, &w.Frozen, &w.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return Wallet{}, ErrWalletNotFound
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("query wallet by address: %w", err)
	}
	if err := json.Unmarshal(addressesJSON, &w.ChainAddresses); err != nil {
		return Wallet{}, fmt.Errorf("parse chain_addresses: %w", err)
	}
	return w, nil
}

func (r *PostgresRepository) GetGroup(ctx context.Context, groupID string) (Group, error) {
	const query = `
		SELECT group_id, owner_id, agent_ids, budget, merchant_policy, created_at
		FROM agent_groups
		WHERE group_id = $1
	`

	var g Group
	var agentIDsJSON, budgetJSON, policyJSON []byte
	err := r.db.QueryRowContext(ctx, query, groupID).Scan(
		&g.GroupID, &g.OwnerID, &agentIDsJSON, &budgetJSON, &policyJSON, &g.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return Group{}, ErrGroupNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("query group: %w", err)
	}
	if err := unmarshalGroup(&g, agentIDsJSON, budgetJSON, policyJSON); err != nil {
		return Group{}, err
	}
	return g, nil
}

func (r *PostgresRepository) PutGroup(ctx context.Context, g Group) error {
	agentIDsJSON, err := json.Marshal(g.AgentIDs)
	if err != nil {
		return fmt.Errorf("marshal agent_ids: %w", err)
	}
	budgetJSON, err := json.Marshal(g.Budget)
	if err != nil {
		return fmt.Errorf("marshal budget: %w", err)
	}
	policyJSON, err := json.Marshal(g.MerchantPolicy)
	if err != nil {
		return fmt.Errorf("marshal merchant_policy: %w", err)
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}

	const query = `
		INSERT INTO agent_groups (group_id, owner_id, agent_ids, budget, merchant_policy, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (group_id) DO UPDATE
		SET agent_ids = EXCLUDED.agent_ids,
		    budget = EXCLUDED.budget,
		    merchant_policy = EXCLUDED.merchant_policy
	`
	if _, err := r.db.ExecContext(ctx, query,
		g.GroupID, g.OwnerID, agentIDsJSON, budgetJSON, policyJSON, g.CreatedAt,
	); err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GroupsForAgent(ctx context.Context, agentID string) ([]Group, error) {
	const query = `
		SELECT group_id, owner_id, agent_ids, budget, merchant_policy, created_at
		FROM agent_groups
		WHERE agent_ids @> to_jsonb(ARRAY[$1::text])
	`
	rows, err := r.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var out []Group
	for rows.Next() {
		var g Group
		var agentIDsJSON, budgetJSON, policyJSON []byte
		if err := rows.Scan(&g.GroupID, &g.OwnerID, &agentIDsJSON, &budgetJSON, &policyJSON, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		if err := unmarshalGroup(&g, agentIDsJSON, budgetJSON, policyJSON); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func unmarshalGroup(g *Group, agentIDsJSON, budgetJSON, policyJSON []byte) error {
	if len(agentIDsJSON) > 0 {
		if err := json.Unmarshal(agentIDsJSON, &g.AgentIDs); err != nil {
			return fmt.Errorf("parse agent_ids: %w", err)
		}
	}
	if len(budgetJSON) > 0 {
		if err := json.Unmarshal(budgetJSON, &g.Budget); err != nil {
			return fmt.Errorf("parse budget: %w", err)
		}
	}
	if len(policyJSON) > 0 {
		if err := json.Unmarshal(policyJSON, &g.MerchantPolicy); err != nil {
			return fmt.Errorf("parse merchant_policy: %w", err)
		}
	}
	return nil
}
