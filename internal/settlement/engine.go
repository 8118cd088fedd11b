package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sardislabs/sardis/internal/agent"
	"github.com/sardislabs/sardis/internal/approval"
	"github.com/sardislabs/sardis/internal/behavior"
	"github.com/sardislabs/sardis/internal/compliance"
	"github.com/sardislabs/sardis/internal/confidence"
	"github.com/sardislabs/sardis/internal/idempotency"
	"github.com/sardislabs/sardis/internal/ledger"
	"github.com/sardislabs/sardis/internal/lockcache"
	"github.com/sardislabs/sardis/internal/logger"
	"github.com/sardislabs/sardis/internal/metrics"
	"github.com/sardislabs/sardis/internal/policy"
	"github.com/sardislabs/sardis/internal/rails"
	"github.com/sardislabs/sardis/internal/sarderr"
	"github.com/sardislabs/sardis/internal/velocity"
	"github.com/sardislabs/sardis/internal/webhook"
)

// Config bounds the engine's time budgets.
type Config struct {
	LockTTL        time.Duration // per-wallet lock lease
	LockWait       time.Duration // max wait to acquire before wallet_busy
	Budget         time.Duration // wall-clock budget for one dispatch
	ConfirmPoll    time.Duration // receipt polling interval
	IdempotencyTTL time.Duration
	BalanceTTL     time.Duration
	// Approvers is the reviewer set approval requests draw from.
	Approvers []string
}

// DefaultConfig carries the standard budgets.
var DefaultConfig = Config{
	LockTTL:        60 * time.Second,
	LockWait:       5 * time.Second,
	Budget:         60 * time.Second,
	ConfirmPoll:    500 * time.Millisecond,
	IdempotencyTTL: 24 * time.Hour,
	BalanceTTL:     30 * time.Second,
}

func (c Config) withDefaults() Config {
	d := DefaultConfig
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.LockWait <= 0 {
		c.LockWait = d.LockWait
	}
	if c.Budget <= 0 {
		c.Budget = d.Budget
	}
	if c.ConfirmPoll <= 0 {
		c.ConfirmPoll = d.ConfirmPoll
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = d.IdempotencyTTL
	}
	if c.BalanceTTL <= 0 {
		c.BalanceTTL = d.BalanceTTL
	}
	return c
}

// Engine drives dispatch_payment end to end.
type Engine struct {
	cfg        Config
	idem       *idempotency.Runner
	locks      lockcache.Locker
	balances   lockcache.BalanceCache
	gate       *compliance.Gate
	policies   *policy.Evaluator
	policyRead policy.Store
	velocity   *velocity.Limiter
	monitor    *behavior.Monitor
	scorer     *confidence.Scorer
	agents     agent.Repository
	adapters   map[string]rails.Adapter
	entries    ledger.Store
	hooks      *webhook.Dispatcher
	stats      *metrics.Metrics

	approvals *approval.Workflow

	mu        sync.Mutex
	suspended map[string]Payment // idempotency key -> payment awaiting approval
}

// Deps collects the engine's collaborators.
type Deps struct {
	Idempotency *idempotency.Runner
	Locks       lockcache.Locker
	Balances    lockcache.BalanceCache
	Compliance  *compliance.Gate
	Policies    *policy.Evaluator
	PolicyStore policy.Store
	Velocity    *velocity.Limiter
	Behavior    *behavior.Monitor
	Confidence  *confidence.Scorer
	Agents      agent.Repository
	Adapters    map[string]rails.Adapter
	Ledger      ledger.Store
	Webhooks    *webhook.Dispatcher
	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics
}

// NewEngine wires the engine. Call BindApprovals before dispatching payments
// that can route to manual review.
func NewEngine(cfg Config, deps Deps) *Engine {
	return &Engine{
		cfg:        cfg.withDefaults(),
		idem:       deps.Idempotency,
		locks:      deps.Locks,
		balances:   deps.Balances,
		gate:       deps.Compliance,
		policies:   deps.Policies,
		policyRead: deps.PolicyStore,
		velocity:   deps.Velocity,
		monitor:    deps.Behavior,
		scorer:     deps.Confidence,
		agents:     deps.Agents,
		adapters:   deps.Adapters,
		entries:    deps.Ledger,
		hooks:      deps.Webhooks,
		stats:      deps.Metrics,
		suspended:  make(map[string]Payment),
	}
}

// BindApprovals attaches the approval workflow. The workflow's DecisionFunc
// should be the engine's HandleApprovalDecision.
func (e *Engine) BindApprovals(w *approval.Workflow) { e.approvals = w }

// suspendedError carries the approval ID out of the idempotent section. The
// idempotency record is left failed so the approved re-run goes through.
type suspendedError struct {
	approvalID string
}

func (s *suspendedError) Error() string {
	return "settlement: suspended pending approval " + s.approvalID
}

// DispatchPayment settles a verified payment. Outcomes:
//   - settled receipt on confirmation;
//   - pending_approval receipt when confidence routes to manual review;
//   - a coded error for every block or failure.
func (e *Engine) DispatchPayment(ctx context.Context, p Payment) (Receipt, error) {
	return e.dispatch(ctx, p, false)
}

// SettledReceipt returns the receipt a previous dispatch stored under
// reference. Callers use it to answer client retries before re-entering
// mandate verification, whose replay check would reject the resent bundle.
func (e *Engine) SettledReceipt(ctx context.Context, reference string) (Receipt, bool, error) {
	resp, ok, err := e.idem.Completed(ctx, "settle", reference)
	if err != nil || !ok {
		return Receipt{}, false, err
	}
	var r Receipt
	if err := json.Unmarshal(resp, &r); err != nil {
		return Receipt{}, false, fmt.Errorf("settlement: decode stored receipt: %w", err)
	}
	return r, true, nil
}

func (e *Engine) dispatch(ctx context.Context, p Payment, approved bool) (Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Budget)
	defer cancel()

	resp, err := e.idem.Run(ctx, "settle", p.Reference, p, e.cfg.IdempotencyTTL,
		func(ctx context.Context) ([]byte, error) {
			r, err := e.settle(ctx, p, approved)
			if err != nil {
				return nil, err
			}
			return json.Marshal(r)
		})
	if err != nil {
		var susp *suspendedError
		if errors.As(err, &susp) {
			return Receipt{
				PaymentID:   p.Reference,
				Status:      StatusPendingApproval,
				Chain:       p.Chain,
				AmountMinor: p.AmountMinor,
				ApprovalID:  susp.approvalID,
			}, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Receipt{}, sarderr.Wrap(sarderr.CodeSettlementTimeout, err)
		}
		return Receipt{}, err
	}

	var r Receipt
	if err := json.Unmarshal(resp, &r); err != nil {
		return Receipt{}, fmt.Errorf("settlement: decode stored receipt: %w", err)
	}
	return r, nil
}

func (e *Engine) settle(ctx context.Context, p Payment, approved bool) (Receipt, error) {
	start := time.Now()
	log := logger.FromContext(ctx)
	e.emit(ctx, webhook.EventPaymentInitiated, map[string]any{
		"payment_id": p.Reference, "agent_id": p.AgentID, "amount_minor": p.AmountMinor,
		"chain": p.Chain, "token": p.Token,
	})

	owner := uuid.New().String()
	resource := "wallet:" + p.WalletID
	lockStart := time.Now()
	if err := lockcache.AcquireWithRetry(ctx, e.locks, resource, owner, e.cfg.LockTTL, e.cfg.LockWait); err != nil {
		e.observeLockWait(false, time.Since(lockStart))
		if errors.Is(err, lockcache.ErrLockTimeout) {
			return Receipt{}, sarderr.Wrap(sarderr.CodeWalletBusy, err)
		}
		return Receipt{}, err
	}
	e.observeLockWait(true, time.Since(lockStart))
	// Release must run even when the dispatch context is already cancelled.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := e.locks.Release(releaseCtx, resource, owner); err != nil {
			log.Warn().Err(err).Str("resource", resource).Msg("settlement.lock_release_failed")
		}
	}()

	e.refreshBalance(ctx, p)

	outcome := e.gate.Preflight(ctx, compliance.PaymentCheck{
		MandateID:   p.Reference,
		AgentID:     p.AgentID,
		Subject:     p.AgentID,
		Destination: p.ToAddress,
		Token:       p.Token,
		Chain:       p.Chain,
		AmountMinor: p.AmountMinor,
		MerchantID:  p.MerchantID,
	})
	if !outcome.Allowed {
		e.emitBlocked(ctx, p, outcome.Reason)
		return Receipt{}, sarderr.New(outcome.Reason, "compliance preflight blocked payment %s", p.Reference)
	}

	if d := e.velocity.Check(ctx, p.AgentID); !d.Allowed {
		e.emitBlocked(ctx, p, d.Reason)
		return Receipt{}, sarderr.New(d.Reason, "velocity limit for agent %s", p.AgentID)
	}

	if d := e.policies.Evaluate(ctx, policy.Request{
		AgentID:          p.AgentID,
		AmountMinor:      p.AmountMinor,
		FeeMinor:         p.FeeMinor,
		MerchantID:       p.MerchantID,
		MerchantCategory: "",
		Scope:            p.Scope,
	}); !d.Allowed {
		e.emitBlocked(ctx, p, d.Reason)
		return Receipt{}, sarderr.New(d.Reason, "policy blocked payment %s", p.Reference)
	}

	alerts := e.monitor.CheckTransaction(ctx, behavior.Transaction{
		AgentID:     p.AgentID,
		AmountMinor: p.AmountMinor,
		MerchantID:  p.MerchantID,
		Token:       p.Token,
		Chain:       p.Chain,
		At:          time.Now(),
	})
	for _, alert := range alerts {
		e.emit(ctx, webhook.EventRiskAlert, map[string]any{
			"payment_id": p.Reference, "agent_id": p.AgentID,
			"alert_type": string(alert.Type), "severity": string(alert.Severity),
			"detail": alert.Detail,
		})
	}

	if !approved {
		if suspErr := e.routeByConfidence(ctx, p); suspErr != nil {
			return Receipt{}, suspErr
		}
	}

	r, err := e.execute(ctx, p)
	if err == nil && e.stats != nil {
		e.stats.ObservePayment(p.Source, p.Chain, p.Token, true, time.Since(start), p.AmountMinor)
	}
	return r, err
}

// routeByConfidence scores the payment and suspends it behind an approval
// request when the tier demands review. Returns nil when auto-approved.
func (e *Engine) routeByConfidence(ctx context.Context, p Payment) error {
	in := confidence.Input{
		AmountMinor: p.AmountMinor,
		MerchantID:  p.MerchantID,
		Pattern:     e.monitor.Pattern(p.AgentID),
	}
	if a, err := e.agents.GetAgent(ctx, p.AgentID); err == nil {
		in.KYALevel = a.KYALevel
	}
	if pol, err := e.policyRead.GetPolicy(ctx, p.AgentID); err == nil {
		in.BudgetUsed = pol.SpentTotal
		in.BudgetTotal = pol.LimitTotal
	}

	score := e.scorer.Evaluate(in)
	if score.Tier == confidence.TierAutoApprove {
		return nil
	}
	if e.approvals == nil {
		return sarderr.New(sarderr.CodeInternalError,
			"payment %s requires %s approval but no workflow is bound", p.Reference, score.Tier)
	}

	req := score.Tier.Requirement()
	urgency := approval.UrgencyNormal
	quorum := req.Quorum
	approvers := e.cfg.Approvers
	if quorum <= 0 {
		// human_rewrite: a single reviewer must intervene, urgently.
		quorum = 1
		urgency = approval.UrgencyCritical
	}
	if req.Approvers > 0 && req.Approvers < len(approvers) {
		approvers = approvers[:req.Approvers]
	}
	timeout := 24 * time.Hour
	if d, err := time.ParseDuration(req.Timeout); err == nil && d > 0 {
		timeout = d
	}

	created, err := e.approvals.Create(ctx, approval.CreateParams{
		IdempotencyKey: p.Reference,
		AgentID:        p.AgentID,
		AmountMinor:    p.AmountMinor,
		Currency:       p.Token,
		MerchantDomain: p.MerchantDomain,
		Urgency:        urgency,
		RequestedBy:    p.AgentID,
		Approvers:      approvers,
		Quorum:         quorum,
		Timeout:        timeout,
	})
	if err != nil {
		return fmt.Errorf("settlement: create approval request: %w", err)
	}

	e.mu.Lock()
	e.suspended[p.Reference] = p
	e.mu.Unlock()

	if e.stats != nil {
		e.stats.ObserveApprovalCreated(string(score.Tier))
	}
	logger.FromContext(ctx).Info().
		Str("payment_id", p.Reference).
		Str("approval_id", created.ID).
		Str("tier", string(score.Tier)).
		Float64("score", score.Value).
		Msg("settlement.suspended")
	e.emit(ctx, webhook.EventRiskAlert, map[string]any{
		"payment_id": p.Reference, "approval_id": created.ID,
		"alert_type": "approval_required", "tier": string(score.Tier),
	})
	return &suspendedError{approvalID: created.ID}
}

// execute runs steps 8-13: rail selection, submission, ledger, record-spend,
// webhooks.
func (e *Engine) execute(ctx context.Context, p Payment) (Receipt, error) {
	log := logger.FromContext(ctx)

	adapter, ok := e.adapters[p.Chain]
	if !ok {
		return Receipt{}, sarderr.New(sarderr.CodeInvalidPayload, "no rail adapter for chain %q", p.Chain)
	}
	wallet, err := e.agents.GetWallet(ctx, p.WalletID)
	if err != nil {
		return Receipt{}, fmt.Errorf("settlement: load wallet %s: %w", p.WalletID, err)
	}
	from := wallet.AddressFor(p.Chain)
	if from == "" {
		return Receipt{}, sarderr.New(sarderr.CodeInvalidPayload, "wallet %s has no %s address", p.WalletID, p.Chain)
	}

	submitted, err := adapter.Submit(ctx, rails.TransactionRequest{
		WalletID:    p.WalletID,
		FromAddress: from,
		ToAddress:   p.ToAddress,
		Token:       p.Token,
		AmountMinor: p.AmountMinor,
		Chain:       p.Chain,
		Reference:   p.Reference,
	})
	if err != nil {
		e.emitFailed(ctx, p, err.Error())
		return Receipt{}, err
	}

	entry := ledger.NewEntry(p.Reference, p.AgentID, p.WalletID, p.MerchantID, p.Token, p.Chain, p.AmountMinor, p.FeeMinor)
	entry.TxHash = submitted.TxHash
	appended, err := e.entries.Append(ctx, entry)
	if err != nil {
		return Receipt{}, fmt.Errorf("settlement: ledger append: %w", err)
	}

	receipt, err := e.awaitConfirmation(ctx, adapter, submitted.TxHash)
	if err != nil {
		// The ledger row stays pending; reconciliation reads the rail later.
		return Receipt{}, err
	}

	if receipt.Status == rails.ReceiptFailed {
		if _, err := e.entries.UpdateStatus(ctx, appended.EntryID, ledger.StatusUpdate{
			Status:        ledger.StatusFailed,
			FailureReason: "transaction reverted on rail",
		}); err != nil {
			log.Error().Err(err).Str("entry_id", appended.EntryID).Msg("settlement.ledger_update_failed")
		}
		e.emitFailed(ctx, p, "transaction reverted on rail")
		return Receipt{}, sarderr.New(sarderr.CodeInternalError, "payment %s reverted on %s", p.Reference, p.Chain)
	}

	if _, err := e.entries.UpdateStatus(ctx, appended.EntryID, ledger.StatusUpdate{
		Status:      ledger.StatusConfirmed,
		BlockNumber: receipt.BlockNumber,
		GasUsed:     receipt.GasUsed,
	}); err != nil {
		log.Error().Err(err).Str("entry_id", appended.EntryID).Msg("settlement.ledger_update_failed")
	}
	if e.stats != nil {
		e.stats.ObserveLedgerEntry(string(ledger.StatusConfirmed))
	}

	// Spend is recorded only for confirmed settlements.
	if err := e.policies.RecordSpend(ctx, p.AgentID, p.MerchantID, p.AmountMinor+p.FeeMinor); err != nil {
		log.Error().Err(err).Str("agent_id", p.AgentID).Msg("settlement.record_spend_failed")
	}
	e.velocity.Record(ctx, p.AgentID)
	if err := e.balances.InvalidateWallet(ctx, p.WalletID); err != nil {
		log.Warn().Err(err).Str("wallet_id", p.WalletID).Msg("settlement.balance_invalidate_failed")
	}

	e.emit(ctx, webhook.EventPaymentSucceeded, map[string]any{
		"payment_id": p.Reference, "agent_id": p.AgentID, "amount_minor": p.AmountMinor,
		"chain": p.Chain, "tx_hash": submitted.TxHash, "ledger_entry_id": appended.EntryID,
	})
	log.Info().
		Str("payment_id", p.Reference).
		Str("tx_hash", submitted.TxHash).
		Str("chain", p.Chain).
		Int64("amount_minor", p.AmountMinor).
		Msg("settlement.settled")

	return Receipt{
		PaymentID:     p.Reference,
		Status:        StatusSettled,
		Chain:         p.Chain,
		TxHash:        submitted.TxHash,
		BlockNumber:   receipt.BlockNumber,
		GasUsed:       receipt.GasUsed,
		AmountMinor:   p.AmountMinor,
		LedgerEntryID: appended.EntryID,
	}, nil
}

func (e *Engine) awaitConfirmation(ctx context.Context, adapter rails.Adapter, txHash string) (*rails.Receipt, error) {
	for {
		receipt, err := adapter.GetReceipt(ctx, txHash)
		if err != nil {
			logger.FromContext(ctx).Warn().Err(err).Str("tx_hash", txHash).Msg("settlement.receipt_poll_failed")
		} else if receipt != nil && receipt.Status != rails.ReceiptPending {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, sarderr.Wrap(sarderr.CodeSettlementTimeout, ctx.Err())
		case <-time.After(e.cfg.ConfirmPoll):
		}
	}
}

// refreshBalance re-reads the rail balance when the cache has nothing for the
// wallet, writing under the wallet's current generation.
func (e *Engine) refreshBalance(ctx context.Context, p Payment) {
	log := logger.FromContext(ctx)
	if _, ok, err := e.balances.Get(ctx, p.WalletID, p.Token); err == nil && ok {
		return
	}

	adapter, ok := e.adapters[p.Chain]
	if !ok {
		return
	}
	reader, ok := adapter.(rails.BalanceReader)
	if !ok {
		return
	}
	wallet, err := e.agents.GetWallet(ctx, p.WalletID)
	if err != nil {
		return
	}
	address := wallet.AddressFor(p.Chain)
	if address == "" {
		return
	}

	amount, err := reader.Balance(ctx, address, p.Token)
	if err != nil {
		log.Warn().Err(err).Str("wallet_id", p.WalletID).Msg("settlement.balance_read_failed")
		return
	}
	generation, err := e.balances.Generation(ctx, p.WalletID)
	if err != nil {
		return
	}
	_ = e.balances.Set(ctx, lockcache.Balance{
		WalletID:    p.WalletID,
		Token:       p.Token,
		AmountMinor: amount,
		Generation:  generation,
		FetchedAt:   time.Now(),
	}, e.cfg.BalanceTTL)
}

// HandleApprovalDecision is the approval workflow's DecisionFunc. Approved
// requests re-enter dispatch with the same idempotency key; every other
// terminal status abandons the payment.
func (e *Engine) HandleApprovalDecision(ctx context.Context, r approval.Request) {
	e.mu.Lock()
	p, ok := e.suspended[r.IdempotencyKey]
	if ok {
		delete(e.suspended, r.IdempotencyKey)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	log := logger.FromContext(ctx)
	switch r.Status {
	case approval.StatusApproved:
		receipt, err := e.dispatch(ctx, p, true)
		if err != nil {
			log.Error().Err(err).
				Str("payment_id", p.Reference).
				Str("approval_id", r.ID).
				Msg("settlement.approved_dispatch_failed")
			return
		}
		log.Info().
			Str("payment_id", p.Reference).
			Str("approval_id", r.ID).
			Str("tx_hash", receipt.TxHash).
			Msg("settlement.approved_dispatch_settled")
	default:
		e.emitFailed(ctx, p, "approval "+string(r.Status))
	}
}

func (e *Engine) emit(ctx context.Context, eventType string, data map[string]any) {
	if e.hooks == nil {
		return
	}
	if err := e.hooks.Emit(ctx, eventType, data); err != nil {
		logger.FromContext(ctx).Warn().Err(err).Str("event_type", eventType).Msg("settlement.webhook_emit_failed")
	}
}

func (e *Engine) emitBlocked(ctx context.Context, p Payment, reason sarderr.Code) {
	if e.stats != nil {
		e.stats.ObservePaymentFailure(p.Source, p.Chain, string(reason))
	}
	e.emit(ctx, webhook.EventPolicyBlocked, map[string]any{
		"payment_id": p.Reference, "agent_id": p.AgentID,
		"amount_minor": p.AmountMinor, "reason": string(reason),
	})
}

func (e *Engine) emitFailed(ctx context.Context, p Payment, reason string) {
	if e.stats != nil {
		e.stats.ObservePaymentFailure(p.Source, p.Chain, "rail_failure")
	}
	e.emit(ctx, webhook.EventPaymentFailed, map[string]any{
		"payment_id": p.Reference, "agent_id": p.AgentID,
		"amount_minor": p.AmountMinor, "reason": reason,
	})
}

func (e *Engine) observeLockWait(acquired bool, wait time.Duration) {
	if e.stats != nil {
		e.stats.ObserveLockWait(acquired, wait)
	}
}
