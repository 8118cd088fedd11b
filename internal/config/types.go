package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers
// interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config aggregates application configuration from file and environment variables.
type Config struct {
	Environment    string               `yaml:"environment"` // production, staging, development
	ChainMode      string               `yaml:"chain_mode"`  // simulated | live
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Verifier       VerifierConfig       `yaml:"verifier"`
	Policy         PolicyConfig         `yaml:"policy"`
	Compliance     ComplianceConfig     `yaml:"compliance"`
	Velocity       VelocityConfig       `yaml:"velocity"`
	Confidence     ConfidenceConfig     `yaml:"confidence"`
	Settlement     SettlementConfig     `yaml:"settlement"`
	Paywall        PaywallConfig        `yaml:"paywall"`
	Rails          RailsConfig          `yaml:"rails"`
	Redis          RedisConfig          `yaml:"redis"`
	Storage        StorageConfig        `yaml:"storage"`
	Ledger         LedgerConfig         `yaml:"ledger"`
	Anchor         AnchorConfig         `yaml:"anchor"`
	Webhooks       WebhooksConfig       `yaml:"webhooks"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // json, console (default: json)
}

// VerifierConfig holds mandate verification configuration.
type VerifierConfig struct {
	AllowedDomains       []string `yaml:"allowed_domains"`
	ReplayTTLFloor       Duration `yaml:"replay_ttl_floor"`        // minimum replay-cache retention
	DriftToleranceMinor  int64    `yaml:"drift_tolerance_minor"`   // canonical amount drift tolerance in minor units
	X402SupportedVersions []string `yaml:"x402_supported_versions"` // default: ["1.0", "2.0"]
}

// PolicyConfig holds policy evaluator defaults.
type PolicyConfig struct {
	DefaultScope string `yaml:"default_scope"` // scope granted when a policy lists none
}

// ComplianceConfig holds compliance gate configuration.
type ComplianceConfig struct {
	SanctionsAPIURL string   `yaml:"sanctions_api_url"`
	SanctionsAPIKey string   `yaml:"sanctions_api_key"`
	KYCAPIURL       string   `yaml:"kyc_api_url"`
	KYCAPIKey       string   `yaml:"kyc_api_key"`
	Timeout         Duration `yaml:"timeout"`

	// AllowedTokens and AllowedChains restrict what the gate will clear;
	// empty lists permit everything.
	AllowedTokens       []string `yaml:"allowed_tokens"`
	AllowedChains       []string `yaml:"allowed_chains"`
	BlockedDestinations []string `yaml:"blocked_destinations"`
	RiskThresholds      []int    `yaml:"risk_thresholds"` // minimal/low/medium/high boundaries (default 20/40/60/80)
}

// VelocityConfig holds sliding window velocity caps.
type VelocityConfig struct {
	MaxPerMinute int    `yaml:"max_per_minute"`
	MaxPerHour   int    `yaml:"max_per_hour"`
	MaxPerDay    int    `yaml:"max_per_day"`
	Sensitivity  string `yaml:"sensitivity"` // relaxed | normal | strict | paranoid
}

// ConfidenceConfig holds confidence router tier thresholds.
type ConfidenceConfig struct {
	AutoApprove     float64  `yaml:"auto_approve"`     // default 0.95
	ManagerApproval float64  `yaml:"manager_approval"` // default 0.85
	MultiSig        float64  `yaml:"multi_sig"`        // default 0.70
	ManagerTimeout  Duration `yaml:"manager_timeout"`  // default 1h
	MultiSigTimeout Duration `yaml:"multi_sig_timeout"` // default 24h
}

// SettlementConfig holds settlement engine timing configuration.
type SettlementConfig struct {
	WalletLockTTL   Duration `yaml:"wallet_lock_ttl"`  // default 60s
	LockRetryBudget Duration `yaml:"lock_retry_budget"` // default 5s
	WallClockBudget Duration `yaml:"wall_clock_budget"` // default 60s
	AdapterTimeout  Duration `yaml:"adapter_timeout"`   // default 30s
	SubmitRetries   int      `yaml:"submit_retries"`    // default 3
	// Approvers is the reviewer pool approval requests draw from.
	Approvers []string `yaml:"approvers"`
}

// PaywallConfig prices the x402-gated resource.
type PaywallConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Amount       string   `yaml:"amount"` // minor units, decimal string
	Token        string   `yaml:"token"`
	Network      string   `yaml:"network"`
	PayeeAddress string   `yaml:"payee_address"`
	TTL          Duration `yaml:"ttl"` // challenge validity
}

// RailsConfig holds rail adapter configuration.
type RailsConfig struct {
	EVM     map[string]EVMChainConfig `yaml:"evm"` // keyed by chain name (base, polygon, ...)
	Solana  SolanaConfig              `yaml:"solana"`
	Card    CardConfig                `yaml:"card"`
	Funding FundingConfig             `yaml:"funding"`
	CCTP    CCTPConfig                `yaml:"cctp"`
}

// EVMChainConfig configures one EVM chain endpoint.
type EVMChainConfig struct {
	ChainID       int64    `yaml:"chain_id"`
	RPCURL        string   `yaml:"rpc_url"`
	USDCAddress   string   `yaml:"usdc_address"`
	Confirmations int      `yaml:"confirmations"`
	Timeout       Duration `yaml:"timeout"`

	// Circle CCTP contract addresses, required only on bridge legs.
	CCTPTokenMessenger     string `yaml:"cctp_token_messenger"`
	CCTPMessageTransmitter string `yaml:"cctp_message_transmitter"`
}

// SolanaConfig configures the Solana rail.
type SolanaConfig struct {
	RPCURL         string   `yaml:"rpc_url"`
	Network        string   `yaml:"network"` // mainnet | devnet
	USDCMint       string   `yaml:"usdc_mint"`
	Commitment     string   `yaml:"commitment"`
	GaslessEnabled bool     `yaml:"gasless_enabled"`
	FeePayerURL    string   `yaml:"fee_payer_url"` // external fee-payer service
	Timeout        Duration `yaml:"timeout"`
}

// CardConfig configures card issuing providers.
type CardConfig struct {
	LithicAPIKey       string   `yaml:"lithic_api_key"`
	LithicAPIURL       string   `yaml:"lithic_api_url"`
	StripeSecretKey    string   `yaml:"stripe_secret_key"`
	StripeCardholderID string   `yaml:"stripe_cardholder_id"`
	Primary            string   `yaml:"primary"` // lithic | stripe
	Timeout            Duration `yaml:"timeout"`
}

// FundingConfig configures fiat top-up providers, tried in order.
type FundingConfig struct {
	StripeSecretKey    string   `yaml:"stripe_secret_key"`
	TreasuryAccountID  string   `yaml:"treasury_account_id"`
	BankAPIURL         string   `yaml:"bank_api_url"`
	BankAPIKey         string   `yaml:"bank_api_key"`
	ProviderOrder      []string `yaml:"provider_order"` // default: ["stripe_treasury", "bank"]
	Timeout            Duration `yaml:"timeout"`
}

// CCTPConfig configures cross-chain USDC bridging.
type CCTPConfig struct {
	AttestationAPIURL string `yaml:"attestation_api_url"`
	// SourceChain and DestChain name entries under rails.evm; both set
	// enables the bridge rail in live mode.
	SourceChain  string   `yaml:"source_chain"`
	DestChain    string   `yaml:"dest_chain"`
	PollInterval Duration `yaml:"poll_interval"`
	Timeout      Duration `yaml:"timeout"`
}

// RedisConfig configures the shared Redis used for locks, balance cache,
// replay cache, and idempotency records. Empty address selects the in-memory
// implementations.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig holds persistent store configuration.
type StorageConfig struct {
	Backend         string             `yaml:"backend"` // "memory", "postgres"
	PostgresURL     string             `yaml:"postgres_url"`
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`
	MongoDBURL      string             `yaml:"mongodb_url"`      // compliance audit store backend
	MongoDBDatabase string             `yaml:"mongodb_database"` // default: "sardis"
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // default: 25
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // default: 5
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // default: 5m
}

// LedgerConfig holds ledger store configuration.
type LedgerConfig struct {
	Partition string `yaml:"partition"` // monotonic sequence partition label
}

// AnchorConfig holds Merkle anchoring configuration.
type AnchorConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Chain     string   `yaml:"chain"`      // EVM chain the root is committed to
	Interval  Duration `yaml:"interval"`   // batch interval (default 10m)
	BatchSize int      `yaml:"batch_size"` // max entries per anchor (default 1024)
}

// WebhooksConfig holds webhook dispatcher configuration.
type WebhooksConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`     // default 5
	InitialInterval Duration `yaml:"initial_interval"` // default 1s
	MaxInterval     Duration `yaml:"max_interval"`     // default 5m
	Multiplier      float64  `yaml:"multiplier"`       // default 2.0
	Timeout         Duration `yaml:"timeout"`          // per-attempt timeout, default 10s
}

// RateLimitConfig holds multi-tier rate limiting configuration.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	PerAgentEnabled bool     `yaml:"per_agent_enabled"`
	PerAgentLimit   int      `yaml:"per_agent_limit"`
	PerAgentWindow  Duration `yaml:"per_agent_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// CircuitBreakerConfig holds breaker settings for external services.
type CircuitBreakerConfig struct {
	Enabled      bool                 `yaml:"enabled"`
	EVMRPC       BreakerServiceConfig `yaml:"evm_rpc"`
	SolanaRPC    BreakerServiceConfig `yaml:"solana_rpc"`
	CardAPI      BreakerServiceConfig `yaml:"card_api"`
	FundingAPI   BreakerServiceConfig `yaml:"funding_api"`
	SanctionsAPI BreakerServiceConfig `yaml:"sanctions_api"`
	Webhook      BreakerServiceConfig `yaml:"webhook"`
}

// BreakerServiceConfig configures one circuit breaker.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // half-open allowance (default: 3)
	Interval            Duration `yaml:"interval"`             // closed-state stats reset (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // open-state timeout (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // trip threshold (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // trip ratio (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // minimum sample (default: 10)
}
