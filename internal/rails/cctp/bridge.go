// Package cctp moves USDC across chains through Circle's CCTP: burn on the
// source chain, fetch the attestation, mint on the destination. Every
// transition is recorded so a crashed transfer can be resumed.
package cctp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sardislabs/sardis/internal/httputil"
	"github.com/sardislabs/sardis/internal/logger"
)

// Status is the bridge transfer state.
type Status string

const (
	StatusInitiated           Status = "initiated"
	StatusDepositSubmitted    Status = "deposit_submitted"
	StatusAwaitingAttestation Status = "awaiting_attestation"
	StatusAttestationReceived Status = "attestation_received"
	StatusCompleting          Status = "completing"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
)

// Transfer is one cross-chain USDC movement.
type Transfer struct {
	TransferID    string    `json:"transfer_id"`
	WalletID      string    `json:"wallet_id"`
	SourceChain   string    `json:"source_chain"`
	DestChain     string    `json:"dest_chain"`
	SenderAddress string    `json:"sender_address"`
	Recipient     string    `json:"recipient"`
	AmountMinor   int64     `json:"amount_minor"`
	Status        Status    `json:"status"`
	BurnTxHash    string    `json:"burn_tx_hash,omitempty"`
	MessageHash   string    `json:"message_hash,omitempty"`
	MessageBody   string    `json:"message_body,omitempty"`
	Attestation   string    `json:"attestation,omitempty"`
	MintTxHash    string    `json:"mint_tx_hash,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Terminal reports whether the transfer has finished.
func (t Transfer) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// BurnResult reports the source-chain leg: the burn transaction plus the
// emitted CCTP message and its hash, which key the attestation lookup.
type BurnResult struct {
	TxHash      string
	MessageHash string
	MessageBody string
}

// Burner executes the source-chain approve + depositForBurn pair.
type Burner interface {
	DepositForBurn(ctx context.Context, t Transfer) (BurnResult, error)
}

// Attester fetches Circle's attestation for a message hash. Empty attestation
// with nil error means not ready yet.
type Attester interface {
	Attestation(ctx context.Context, messageHash string) (string, error)
}

// Minter executes receiveMessage on the destination chain.
type Minter interface {
	ReceiveMessage(ctx context.Context, t Transfer) (mintTxHash string, err error)
}

// Store persists transfers across restarts.
type Store interface {
	Put(ctx context.Context, t Transfer) error
	Get(ctx context.Context, transferID string) (Transfer, error)
	// ListActive returns non-terminal transfers, oldest first.
	ListActive(ctx context.Context) ([]Transfer, error)
}

// Bridge drives transfers through the state machine.
type Bridge struct {
	burner   Burner
	attester Attester
	minter   Minter
	store    Store
	now      func() time.Time
}

// NewBridge wires the three chain surfaces and the store.
func NewBridge(burner Burner, attester Attester, minter Minter, store Store) *Bridge {
	return &Bridge{burner: burner, attester: attester, minter: minter, store: store, now: time.Now}
}

// Initiate records a new transfer in state initiated.
func (b *Bridge) Initiate(ctx context.Context, walletID, sourceChain, destChain, senderAddress, recipient string, amountMinor int64) (Transfer, error) {
	now := b.now()
	t := Transfer{
		TransferID:    uuid.New().String(),
		WalletID:      walletID,
		SourceChain:   sourceChain,
		DestChain:     destChain,
		SenderAddress: senderAddress,
		Recipient:     recipient,
		AmountMinor:   amountMinor,
		Status:        StatusInitiated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := b.store.Put(ctx, t); err != nil {
		return Transfer{}, err
	}
	return t, nil
}

// Advance moves the transfer one transition forward and persists the result.
// Callers loop Advance until Terminal or the attestation is still pending
// (status stays awaiting_attestation with nil error).
func (b *Bridge) Advance(ctx context.Context, transferID string) (Transfer, error) {
	t, err := b.store.Get(ctx, transferID)
	if err != nil {
		return Transfer{}, err
	}

	switch t.Status {
	case StatusInitiated:
		burn, err := b.burner.DepositForBurn(ctx, t)
		if err != nil {
			return b.fail(ctx, t, fmt.Sprintf("deposit_for_burn: %v", err))
		}
		t.BurnTxHash = burn.TxHash
		t.MessageHash = burn.MessageHash
		t.MessageBody = burn.MessageBody
		t.Status = StatusDepositSubmitted
		return b.save(ctx, t)

	case StatusDepositSubmitted:
		t.Status = StatusAwaitingAttestation
		return b.save(ctx, t)

	case StatusAwaitingAttestation:
		attestation, err := b.attester.Attestation(ctx, t.MessageHash)
		if err != nil {
			// Attestation polling errors are retried, not terminal.
			logger.FromContext(ctx).Warn().
				Err(err).
				Str("transfer_id", t.TransferID).
				Msg("cctp.attestation_poll_failed")
			return t, nil
		}
		if attestation == "" {
			return t, nil
		}
		t.Attestation = attestation
		t.Status = StatusAttestationReceived
		return b.save(ctx, t)

	case StatusAttestationReceived:
		t.Status = StatusCompleting
		if _, err := b.save(ctx, t); err != nil {
			return Transfer{}, err
		}
		mintTx, err := b.minter.ReceiveMessage(ctx, t)
		if err != nil {
			return b.fail(ctx, t, fmt.Sprintf("receive_message: %v", err))
		}
		t.MintTxHash = mintTx
		t.Status = StatusCompleted
		return b.save(ctx, t)

	case StatusCompleting:
		// Crashed mid-mint: re-drive receiveMessage, which must be
		// idempotent on the destination contract.
		mintTx, err := b.minter.ReceiveMessage(ctx, t)
		if err != nil {
			return b.fail(ctx, t, fmt.Sprintf("receive_message: %v", err))
		}
		t.MintTxHash = mintTx
		t.Status = StatusCompleted
		return b.save(ctx, t)

	default:
		return t, nil
	}
}

// Run drives a transfer to a terminal state, polling the attestation at the
// given interval.
func (b *Bridge) Run(ctx context.Context, transferID string, pollEvery time.Duration) (Transfer, error) {
	for {
		t, err := b.Advance(ctx, transferID)
		if err != nil {
			return Transfer{}, err
		}
		if t.Terminal() {
			return t, nil
		}
		if t.Status == StatusAwaitingAttestation {
			select {
			case <-ctx.Done():
				return t, ctx.Err()
			case <-time.After(pollEvery):
			}
		}
	}
}

func (b *Bridge) save(ctx context.Context, t Transfer) (Transfer, error) {
	t.UpdatedAt = b.now()
	if err := b.store.Put(ctx, t); err != nil {
		return Transfer{}, err
	}
	return t, nil
}

func (b *Bridge) fail(ctx context.Context, t Transfer, reason string) (Transfer, error) {
	t.Status = StatusFailed
	t.FailureReason = reason
	logger.FromContext(ctx).Error().
		Str("transfer_id", t.TransferID).
		Str("reason", reason).
		Msg("cctp.transfer_failed")
	return b.save(ctx, t)
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	transfers map[string]Transfer
	order     []string
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transfers: make(map[string]Transfer)}
}

func (s *MemoryStore) Put(_ context.Context, t Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transfers[t.TransferID]; !ok {
		s.order = append(s.order, t.TransferID)
	}
	s.transfers[t.TransferID] = t
	return nil
}

func (s *MemoryStore) Get(_ context.Context, transferID string) (Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[transferID]
	if !ok {
		return Transfer{}, fmt.Errorf("cctp: transfer %s not found", transferID)
	}
	return t, nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transfer
	for _, id := range s.order {
		if t := s.transfers[id]; !t.Terminal() {
			out = append(out, t)
		}
	}
	return out, nil
}

// CircleAttester polls Circle's public attestation API.
type CircleAttester struct {
	baseURL string
	client  *http.Client
}

// NewCircleAttester constructs a client with a pooled HTTP transport.
func NewCircleAttester(baseURL string, timeout time.Duration) *CircleAttester {
	return &CircleAttester{baseURL: baseURL, client: httputil.NewClient(timeout)}
}

func (c *CircleAttester) Attestation(ctx context.Context, messageHash string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/attestations/"+messageHash, nil)
	if err != nil {
		return "", fmt.Errorf("cctp: build attestation request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("cctp: fetch attestation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cctp: attestation status %d", resp.StatusCode)
	}

	var body struct {
		Status      string `json:"status"`
		Attestation string `json:"attestation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("cctp: decode attestation: %w", err)
	}
	if body.Status != "complete" {
		return "", nil
	}
	return body.Attestation, nil
}
