package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration. All env vars
// use the SARDIS_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Environment, "SARDIS_ENVIRONMENT")
	setIfEnv(&c.ChainMode, "SARDIS_CHAIN_MODE")

	// Server
	setIfEnv(&c.Server.Address, "SARDIS_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "SARDIS_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "SARDIS_ADMIN_METRICS_API_KEY")

	// Logging
	setIfEnv(&c.Logging.Level, "SARDIS_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "SARDIS_LOG_FORMAT")

	// Verifier
	if v := os.Getenv("SARDIS_ALLOWED_DOMAINS"); v != "" {
		c.Verifier.AllowedDomains = splitAndTrim(v)
	}
	setInt64IfEnv(&c.Verifier.DriftToleranceMinor, "SARDIS_CANONICAL_DRIFT_TOLERANCE_MINOR")

	// Compliance providers
	setIfEnv(&c.Compliance.SanctionsAPIURL, "SARDIS_SANCTIONS_API_URL")
	setIfEnv(&c.Compliance.SanctionsAPIKey, "SARDIS_SANCTIONS_API_KEY")
	setIfEnv(&c.Compliance.KYCAPIURL, "SARDIS_KYC_API_URL")
	setIfEnv(&c.Compliance.KYCAPIKey, "SARDIS_KYC_API_KEY")

	// Per-rail RPC URLs: SARDIS_EVM_RPC_<CHAIN> overrides the chain's rpc_url.
	for name, chain := range c.Rails.EVM {
		if v := os.Getenv("SARDIS_EVM_RPC_" + strings.ToUpper(name)); v != "" {
			chain.RPCURL = v
			c.Rails.EVM[name] = chain
		}
	}
	setIfEnv(&c.Rails.Solana.RPCURL, "SARDIS_SOLANA_RPC_URL")
	setIfEnv(&c.Rails.Solana.FeePayerURL, "SARDIS_SOLANA_FEE_PAYER_URL")
	setBoolIfEnv(&c.Rails.Solana.GaslessEnabled, "SARDIS_SOLANA_GASLESS_ENABLED")

	// Card and funding provider keys
	setIfEnv(&c.Rails.Card.LithicAPIKey, "SARDIS_LITHIC_API_KEY")
	setIfEnv(&c.Rails.Card.LithicAPIURL, "SARDIS_LITHIC_API_URL")
	setIfEnv(&c.Rails.Card.StripeSecretKey, "SARDIS_STRIPE_SECRET_KEY")
	setIfEnv(&c.Rails.Funding.StripeSecretKey, "SARDIS_STRIPE_SECRET_KEY")
	setIfEnv(&c.Rails.Funding.TreasuryAccountID, "SARDIS_STRIPE_TREASURY_ACCOUNT")
	setIfEnv(&c.Rails.Funding.BankAPIURL, "SARDIS_BANK_API_URL")
	setIfEnv(&c.Rails.Funding.BankAPIKey, "SARDIS_BANK_API_KEY")

	// CCTP
	setIfEnv(&c.Rails.CCTP.AttestationAPIURL, "SARDIS_CCTP_ATTESTATION_URL")

	// Redis
	setIfEnv(&c.Redis.Address, "SARDIS_REDIS_ADDRESS")
	setIfEnv(&c.Redis.Password, "SARDIS_REDIS_PASSWORD")
	setIntIfEnv(&c.Redis.DB, "SARDIS_REDIS_DB")

	// Storage
	setIfEnv(&c.Storage.Backend, "SARDIS_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "SARDIS_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "SARDIS_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "SARDIS_MONGODB_DATABASE")

	// Anchoring
	setBoolIfEnv(&c.Anchor.Enabled, "SARDIS_ANCHOR_ENABLED")
	setIfEnv(&c.Anchor.Chain, "SARDIS_ANCHOR_CHAIN")
	setDurationIfEnv(&c.Anchor.Interval, "SARDIS_ANCHOR_INTERVAL")
}

func setIfEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBoolIfEnv(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setIntIfEnv(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64IfEnv(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDurationIfEnv(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*dst = Duration{Duration: dur}
		}
	}
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
