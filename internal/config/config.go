package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) parseFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Environment: "development",
		ChainMode:   "simulated",
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Verifier: VerifierConfig{
			ReplayTTLFloor:        Duration{Duration: time.Minute},
			X402SupportedVersions: []string{"1.0", "2.0"},
		},
		Policy: PolicyConfig{
			DefaultScope: "ALL",
		},
		Compliance: ComplianceConfig{
			Timeout:        Duration{Duration: 10 * time.Second},
			RiskThresholds: []int{20, 40, 60, 80},
		},
		Velocity: VelocityConfig{
			MaxPerMinute: 10,
			MaxPerHour:   100,
			MaxPerDay:    500,
			Sensitivity:  "normal",
		},
		Confidence: ConfidenceConfig{
			AutoApprove:     0.95,
			ManagerApproval: 0.85,
			MultiSig:        0.70,
			ManagerTimeout:  Duration{Duration: time.Hour},
			MultiSigTimeout: Duration{Duration: 24 * time.Hour},
		},
		Settlement: SettlementConfig{
			WalletLockTTL:   Duration{Duration: 60 * time.Second},
			LockRetryBudget: Duration{Duration: 5 * time.Second},
			WallClockBudget: Duration{Duration: 60 * time.Second},
			AdapterTimeout:  Duration{Duration: 30 * time.Second},
			SubmitRetries:   3,
			Approvers:       []string{"ops-primary", "ops-secondary", "treasury-lead"},
		},
		Paywall: PaywallConfig{
			Token:   "USDC",
			Network: "base",
			TTL:     Duration{Duration: 5 * time.Minute},
		},
		Rails: RailsConfig{
			EVM: map[string]EVMChainConfig{},
			Solana: SolanaConfig{
				Network:    "mainnet",
				Commitment: "confirmed",
				Timeout:    Duration{Duration: 30 * time.Second},
			},
			Card: CardConfig{
				Primary: "lithic",
				Timeout: Duration{Duration: 30 * time.Second},
			},
			Funding: FundingConfig{
				ProviderOrder: []string{"stripe_treasury", "bank"},
				Timeout:       Duration{Duration: 30 * time.Second},
			},
			CCTP: CCTPConfig{
				PollInterval: Duration{Duration: 5 * time.Second},
				Timeout:      Duration{Duration: 5 * time.Minute},
			},
		},
		Storage: StorageConfig{
			Backend:         "memory",
			MongoDBDatabase: "sardis",
			PostgresPool: PostgresPoolConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration{Duration: 5 * time.Minute},
			},
		},
		Ledger: LedgerConfig{
			Partition: "default",
		},
		Anchor: AnchorConfig{
			Chain:     "base",
			Interval:  Duration{Duration: 10 * time.Minute},
			BatchSize: 1024,
		},
		Webhooks: WebhooksConfig{
			MaxAttempts:     5,
			InitialInterval: Duration{Duration: time.Second},
			MaxInterval:     Duration{Duration: 5 * time.Minute},
			Multiplier:      2.0,
			Timeout:         Duration{Duration: 10 * time.Second},
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled:   true,
			GlobalLimit:     1000,
			GlobalWindow:    Duration{Duration: time.Minute},
			PerAgentEnabled: true,
			PerAgentLimit:   60,
			PerAgentWindow:  Duration{Duration: time.Minute},
			PerIPEnabled:    true,
			PerIPLimit:      120,
			PerIPWindow:     Duration{Duration: time.Minute},
		},
		CircuitBreaker: defaultCircuitBreakerConfig(),
	}
}

func defaultCircuitBreakerConfig() CircuitBreakerConfig {
	std := BreakerServiceConfig{
		MaxRequests:         3,
		Interval:            Duration{Duration: 60 * time.Second},
		Timeout:             Duration{Duration: 30 * time.Second},
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
	return CircuitBreakerConfig{
		Enabled:      true,
		EVMRPC:       std,
		SolanaRPC:    std,
		CardAPI:      std,
		FundingAPI:   std,
		SanctionsAPI: std,
		Webhook: BreakerServiceConfig{
			MaxRequests:         5,
			Interval:            Duration{Duration: 60 * time.Second},
			Timeout:             Duration{Duration: 60 * time.Second},
			ConsecutiveFailures: 10,
			FailureRatio:        0.7,
			MinRequests:         20,
		},
	}
}

// Validate checks config invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	switch c.ChainMode {
	case "simulated", "live":
	default:
		return fmt.Errorf("config: chain_mode must be \"simulated\" or \"live\", got %q", c.ChainMode)
	}

	if c.IsProduction() && len(c.Verifier.AllowedDomains) == 0 {
		return fmt.Errorf("config: production requires verifier.allowed_domains")
	}

	if c.ChainMode == "live" {
		for name, chain := range c.Rails.EVM {
			if chain.RPCURL == "" {
				return fmt.Errorf("config: evm chain %q missing rpc_url in live mode", name)
			}
			if chain.ChainID == 0 {
				return fmt.Errorf("config: evm chain %q missing chain_id", name)
			}
		}
	}

	if c.Confidence.AutoApprove < c.Confidence.ManagerApproval ||
		c.Confidence.ManagerApproval < c.Confidence.MultiSig {
		return fmt.Errorf("config: confidence thresholds must be ordered auto_approve >= manager_approval >= multi_sig")
	}

	if len(c.Compliance.RiskThresholds) != 4 {
		return fmt.Errorf("config: compliance.risk_thresholds requires exactly 4 boundaries")
	}

	if c.Paywall.Enabled && (c.Paywall.Amount == "" || c.Paywall.PayeeAddress == "") {
		return fmt.Errorf("config: paywall requires amount and payee_address")
	}

	return nil
}

// IsProduction reports whether the process runs with production semantics.
// Production requires signer keys to resolve through the identity registry.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
