// Command sardisd runs the Sardis payment orchestration server: AP2 and x402
// intake, policy and compliance preflight, confidence-routed approvals, rail
// settlement, and the anchored ledger.
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sardislabs/sardis/internal/agent"
	"github.com/sardislabs/sardis/internal/anchor"
	"github.com/sardislabs/sardis/internal/approval"
	"github.com/sardislabs/sardis/internal/behavior"
	"github.com/sardislabs/sardis/internal/circuitbreaker"
	"github.com/sardislabs/sardis/internal/compliance"
	"github.com/sardislabs/sardis/internal/confidence"
	"github.com/sardislabs/sardis/internal/config"
	"github.com/sardislabs/sardis/internal/httpserver"
	"github.com/sardislabs/sardis/internal/idempotency"
	"github.com/sardislabs/sardis/internal/identity"
	"github.com/sardislabs/sardis/internal/ledger"
	"github.com/sardislabs/sardis/internal/lockcache"
	"github.com/sardislabs/sardis/internal/logger"
	"github.com/sardislabs/sardis/internal/mandate"
	"github.com/sardislabs/sardis/internal/metrics"
	"github.com/sardislabs/sardis/internal/policy"
	"github.com/sardislabs/sardis/internal/rails"
	"github.com/sardislabs/sardis/internal/rails/card"
	"github.com/sardislabs/sardis/internal/rails/cctp"
	"github.com/sardislabs/sardis/internal/rails/evm"
	"github.com/sardislabs/sardis/internal/rails/funding"
	"github.com/sardislabs/sardis/internal/rails/solana"
	"github.com/sardislabs/sardis/internal/replay"
	"github.com/sardislabs/sardis/internal/settlement"
	"github.com/sardislabs/sardis/internal/signer"
	"github.com/sardislabs/sardis/internal/velocity"
	"github.com/sardislabs/sardis/internal/webhook"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	// .env is optional; deployments usually set variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sardisd: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "sardisd",
		Version:     version,
		Environment: cfg.Environment,
	})

	if err := run(cfg, appLogger); err != nil {
		appLogger.Fatal().Err(err).Msg("sardisd.exit")
	}
}

func run(cfg *config.Config, appLogger zerolog.Logger) error {
	// Shared primitives: Redis when configured, in-memory otherwise.
	var (
		replayCache replay.Cache
		idemStore   idempotency.Store
		locker      lockcache.Locker
		balances    lockcache.BalanceCache
	)
	if cfg.Redis.Address != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		replayCache = replay.NewRedisCache(client)
		idemStore = idempotency.NewRedisStore(client)
		locker = lockcache.NewRedisLocker(client)
		balances = lockcache.NewRedisBalanceCache(client)
		appLogger.Info().Str("address", cfg.Redis.Address).Msg("sardisd.redis_configured")
	} else {
		memReplay := replay.NewMemoryCache(time.Minute)
		defer memReplay.Close()
		memIdem := idempotency.NewMemoryStore(5 * time.Minute)
		defer memIdem.Close()
		replayCache = memReplay
		idemStore = memIdem
		locker = lockcache.NewMemoryLocker()
		balances = lockcache.NewMemoryBalanceCache()
		appLogger.Warn().Msg("sardisd.memory_state")
	}

	// Durable stores.
	var (
		agents       agent.Repository
		approvalRepo approval.Repository
		entries      ledger.Store
		policyStore  policy.Store
	)
	switch cfg.Storage.Backend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Storage.PostgresURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.Storage.PostgresPool.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Storage.PostgresPool.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Storage.PostgresPool.ConnMaxLifetime.Duration)
		if err := db.Ping(); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}

		agentRepo, err := agent.NewPostgresRepositoryWithDB(db)
		if err != nil {
			return fmt.Errorf("agent repository: %w", err)
		}
		agents = agentRepo
		approvalRepo, err = approval.NewPostgresRepositoryWithDB(db)
		if err != nil {
			return fmt.Errorf("approval repository: %w", err)
		}
		entries, err = ledger.NewPostgresStoreWithDB(db)
		if err != nil {
			return fmt.Errorf("ledger store: %w", err)
		}
		policyStore, err = policy.NewPostgresStoreWithDB(db)
		if err != nil {
			return fmt.Errorf("policy store: %w", err)
		}
		appLogger.Info().Msg("sardisd.postgres_connected")
	default:
		agents = agent.NewMemoryRepository()
		approvalRepo = approval.NewMemoryRepository()
		entries = ledger.NewMemoryStore()
		policyStore = policy.NewMemoryStore()
	}

	// Mandate verification.
	registry := identity.NewMemoryRegistry()
	verifier, err := mandate.NewVerifier(mandate.Settings{
		AllowedDomains: cfg.Verifier.AllowedDomains,
		Production:     cfg.IsProduction(),
		Registry:       registry,
		ReplayTTLFloor: cfg.Verifier.ReplayTTLFloor.Duration,
		X402Versions:   cfg.Verifier.X402SupportedVersions,
	}, replayCache)
	if err != nil {
		return err
	}

	// Compliance gate. External providers when configured; local stand-ins
	// otherwise (sanctions: static list, KYC: the agent registry's KYA level).
	gate := buildGate(cfg, agents, appLogger)

	stats := metrics.New(prometheus.DefaultRegisterer)

	adapters, err := buildAdapters(cfg, appLogger)
	if err != nil {
		return err
	}

	subscriptions := webhook.NewMemorySubscriptions()
	dispatcher := webhook.NewDispatcher(subscriptions, cfg.Webhooks.Timeout.Duration)
	dispatcher.SetRetryPolicy(cfg.Webhooks.MaxAttempts, cfg.Webhooks.InitialInterval.Duration)
	dispatcher.Start(5 * time.Second)
	defer dispatcher.Stop()

	engine := settlement.NewEngine(settlement.Config{
		LockTTL:   cfg.Settlement.WalletLockTTL.Duration,
		LockWait:  cfg.Settlement.LockRetryBudget.Duration,
		Budget:    cfg.Settlement.WallClockBudget.Duration,
		Approvers: cfg.Settlement.Approvers,
	}, settlement.Deps{
		Idempotency: idempotency.NewRunner(idemStore),
		Locks:       locker,
		Balances:    balances,
		Compliance:  gate,
		Policies:    policy.NewEvaluator(policyStore, agents, nil),
		PolicyStore: policyStore,
		Velocity: velocity.NewLimiter(velocity.Limits{
			PerMinute: cfg.Velocity.MaxPerMinute,
			PerHour:   cfg.Velocity.MaxPerHour,
			PerDay:    cfg.Velocity.MaxPerDay,
		}, nil),
		Behavior: behavior.NewMonitor(behavior.Sensitivity(cfg.Velocity.Sensitivity)),
		Confidence: confidence.NewScorer(confidence.Thresholds{
			AutoApprove:     cfg.Confidence.AutoApprove,
			ManagerApproval: cfg.Confidence.ManagerApproval,
			MultiSig:        cfg.Confidence.MultiSig,
		}, confidence.Weights{}),
		Agents:   agents,
		Adapters: adapters,
		Ledger:   entries,
		Webhooks: dispatcher,
		Metrics:  stats,
	})

	workflow := approval.NewWorkflow(approvalRepo, engine.HandleApprovalDecision, time.Minute)
	engine.BindApprovals(workflow)
	workflow.Start()
	defer workflow.Stop()

	var anchors *anchor.Service
	if cfg.Anchor.Enabled {
		anchors = anchor.NewService(entries, anchor.NewMemoryStore(), anchor.NewMemorySubmitter(),
			cfg.Anchor.Chain, cfg.Anchor.BatchSize, cfg.Anchor.Interval.Duration)
		anchors.Start()
		defer anchors.Stop()
	}

	deps := httpserver.Deps{
		Verifier:      verifier,
		Engine:        engine,
		Approvals:     workflow,
		Agents:        agents,
		Policies:      policyStore,
		Subscriptions: subscriptions,
		Ledger:        entries,
		Anchors:       anchors,
		Breakers:      circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker),
	}
	if cfg.Paywall.Enabled {
		deps.Challenges = httpserver.NewStaticChallengeSource(
			cfg.Paywall.Amount, cfg.Paywall.Token, cfg.Paywall.Network,
			cfg.Paywall.PayeeAddress, cfg.Paywall.TTL.Duration)
		deps.ResolveX402Agent = func(ctx context.Context, payer string) (string, string, error) {
			w, err := agents.WalletByAddress(ctx, cfg.Paywall.Network, payer)
			if err != nil {
				return "", "", err
			}
			return w.AgentID, w.WalletID, nil
		}
	}

	server := httpserver.New(cfg, deps, appLogger)

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info().
			Str("address", cfg.Server.Address).
			Str("chain_mode", cfg.ChainMode).
			Msg("sardisd.listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		appLogger.Info().Str("signal", sig.String()).Msg("sardisd.shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// buildGate wires the compliance gate from config. Providers fall back to
// in-process implementations so the gate always screens, even in development.
func buildGate(cfg *config.Config, agents agent.Repository, appLogger zerolog.Logger) *compliance.Gate {
	rules := compliance.NewStaticRuleProvider(
		cfg.Compliance.AllowedTokens, cfg.Compliance.AllowedChains, cfg.Compliance.BlockedDestinations)

	var sanctions compliance.SanctionsClient
	if cfg.Compliance.SanctionsAPIURL != "" {
		sanctions = compliance.NewEllipticClient(
			cfg.Compliance.SanctionsAPIURL, cfg.Compliance.SanctionsAPIKey, cfg.Compliance.Timeout.Duration)
	} else {
		sanctions = compliance.NewLocalSanctionsList(cfg.Compliance.BlockedDestinations)
	}

	var kyc compliance.KYCClient
	if cfg.Compliance.KYCAPIURL != "" {
		kyc = compliance.NewPersonaClient(
			cfg.Compliance.KYCAPIURL, cfg.Compliance.KYCAPIKey, cfg.Compliance.Timeout.Duration)
	} else {
		kyc = compliance.KYCFunc(func(ctx context.Context, subject string) (bool, error) {
			a, err := agents.GetAgent(ctx, subject)
			if err != nil {
				return false, err
			}
			return a.KYALevel == agent.KYAVerified || a.KYALevel == agent.KYAAttested, nil
		})
	}

	var audit compliance.AuditStore
	if cfg.Storage.MongoDBURL != "" {
		mongo, err := compliance.NewMongoAuditStore(cfg.Storage.MongoDBURL, cfg.Storage.MongoDBDatabase)
		if err != nil {
			appLogger.Error().Err(err).Msg("sardisd.mongo_audit_unavailable")
		} else {
			audit = mongo
		}
	}
	if audit == nil {
		audit = compliance.NewMemoryAuditStore()
		appLogger.Warn().Msg("sardisd.memory_audit_store")
	}

	rt := cfg.Compliance.RiskThresholds
	risk := compliance.NewScorer(compliance.Thresholds{
		Minimal: float64(rt[0]),
		Low:     float64(rt[1]),
		Medium:  float64(rt[2]),
		High:    float64(rt[3]),
	})

	return compliance.NewGate(rules, sanctions, kyc, audit, risk)
}

// buildAdapters constructs one rail adapter per configured chain. Simulated
// mode settles in process; live mode dials RPC endpoints and signs with the
// seed-derived local signer.
func buildAdapters(cfg *config.Config, appLogger zerolog.Logger) (map[string]rails.Adapter, error) {
	adapters := make(map[string]rails.Adapter)

	// Card and fiat-funding rails settle provider-side, so they register in
	// both chain modes whenever their providers are configured.
	registerCardRail(cfg, adapters)
	registerFundingRail(cfg, adapters)

	if cfg.ChainMode == "simulated" {
		chains := make([]string, 0, len(cfg.Rails.EVM)+1)
		for name := range cfg.Rails.EVM {
			chains = append(chains, name)
		}
		if len(chains) == 0 {
			chains = []string{"base", "polygon"}
		}
		chains = append(chains, "solana")
		for _, name := range chains {
			adapters[name] = rails.NewSimulatedAdapter(name, nil)
		}
		appLogger.Warn().Strs("chains", chains).Msg("sardisd.simulated_rails")
		return adapters, nil
	}

	seedHex := os.Getenv("SARDIS_SIGNER_SEED")
	if seedHex == "" {
		return nil, fmt.Errorf("live chain mode requires SARDIS_SIGNER_SEED")
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode SARDIS_SIGNER_SEED: %w", err)
	}
	sign, err := signer.NewLocalSigner(seed)
	if err != nil {
		return nil, err
	}

	for name, chain := range cfg.Rails.EVM {
		adapter, err := evm.NewAdapter(evm.ChainConfig{
			Name:          name,
			ChainID:       chain.ChainID,
			RPCURL:        chain.RPCURL,
			Tokens:        map[string]string{"USDC": chain.USDCAddress},
			Confirmations: uint64(chain.Confirmations),
		}, sign, evm.NewNonceTracker())
		if err != nil {
			return nil, fmt.Errorf("evm adapter %s: %w", name, err)
		}
		adapters[name] = adapter
	}
	if cfg.Rails.Solana.RPCURL != "" {
		// TODO: wire the external fee-payer client once the relay service
		// exposes its submit endpoint; until then gasless stays off.
		adapters["solana"] = solana.NewAdapter(cfg.Rails.Solana.RPCURL, sign, nil)
	}
	if err := registerCCTPRail(cfg, sign, adapters); err != nil {
		return nil, err
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("live chain mode requires at least one configured rail")
	}
	return adapters, nil
}

// registerCardRail wires the issuing providers behind the card router when
// at least one API key is configured.
func registerCardRail(cfg *config.Config, adapters map[string]rails.Adapter) {
	cc := cfg.Rails.Card
	var lithic, stripe card.Provider
	if cc.LithicAPIKey != "" {
		lithic = card.NewLithicProvider(cc.LithicAPIKey, cc.LithicAPIURL, cc.Timeout.Duration)
	}
	if cc.StripeSecretKey != "" {
		stripe = card.NewStripeProvider(cc.StripeSecretKey, cc.StripeCardholderID, "usd")
	}
	primary, fallback := lithic, stripe
	if cc.Primary == "stripe" {
		primary, fallback = stripe, lithic
	}
	if primary == nil {
		primary, fallback = fallback, nil
	}
	if primary == nil {
		return
	}
	adapters["card"] = card.NewRailAdapter(card.NewRouter(primary, fallback))
}

// registerFundingRail assembles the fiat top-up failover chain in the
// configured provider order.
func registerFundingRail(cfg *config.Config, adapters map[string]rails.Adapter) {
	fc := cfg.Rails.Funding
	var chain []funding.Adapter
	for _, name := range fc.ProviderOrder {
		switch name {
		case "stripe_treasury":
			if fc.StripeSecretKey != "" {
				chain = append(chain, funding.NewStripeAdapter(fc.StripeSecretKey))
			}
		case "bank":
			if fc.BankAPIURL != "" {
				chain = append(chain, funding.NewBankAdapter(fc.BankAPIURL, fc.BankAPIKey, fc.Timeout.Duration))
			}
		}
	}
	if len(chain) == 0 {
		return
	}
	adapters["bank_transfer"] = funding.NewRailAdapter(chain)
}

// registerCCTPRail wires the cross-chain USDC bridge between two configured
// EVM legs. Live mode only: both legs need dialed clients and CCTP contract
// addresses.
func registerCCTPRail(cfg *config.Config, sign signer.Signer, adapters map[string]rails.Adapter) error {
	bc := cfg.Rails.CCTP
	if bc.SourceChain == "" || bc.DestChain == "" {
		return nil
	}
	endpoints := make(map[string]cctp.Endpoint, 2)
	for _, name := range []string{bc.SourceChain, bc.DestChain} {
		chain, ok := cfg.Rails.EVM[name]
		if !ok {
			return fmt.Errorf("cctp: chain %q is not configured under rails.evm", name)
		}
		if chain.CCTPTokenMessenger == "" || chain.CCTPMessageTransmitter == "" {
			return fmt.Errorf("cctp: chain %q missing cctp contract addresses", name)
		}
		ep, err := cctp.DialEndpoint(evm.ChainConfig{
			Name:          name,
			ChainID:       chain.ChainID,
			RPCURL:        chain.RPCURL,
			Tokens:        map[string]string{"USDC": chain.USDCAddress},
			Confirmations: uint64(chain.Confirmations),
		}, chain.CCTPTokenMessenger, chain.CCTPMessageTransmitter)
		if err != nil {
			return err
		}
		endpoints[name] = ep
	}
	messenger := cctp.NewEVMMessenger(endpoints[bc.SourceChain], endpoints[bc.DestChain], sign, evm.NewNonceTracker())
	bridge := cctp.NewBridge(messenger,
		cctp.NewCircleAttester(bc.AttestationAPIURL, bc.Timeout.Duration),
		messenger, cctp.NewMemoryStore())
	adapters["cctp"] = cctp.NewRailAdapter(bridge, bc.SourceChain, bc.DestChain)
	return nil
}
