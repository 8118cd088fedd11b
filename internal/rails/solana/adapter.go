// Package solana submits SPL token transfers over JSON-RPC, with an optional
// gasless path through an external fee-payer service.
package solana

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/sardislabs/sardis/internal/logger"
	"github.com/sardislabs/sardis/internal/rails"
	"github.com/sardislabs/sardis/internal/sarderr"
	"github.com/sardislabs/sardis/internal/signer"
)

// Well-known mainnet mints.
var defaultMints = map[string]string{
	"USDC": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	"USDT": "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB",
}

// Client is the RPC surface the adapter needs; *rpc.Client satisfies it.
type Client interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey, conf *rpc.GetTokenAccountsConfig, opts *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
}

// FeePayer relays a partially signed transaction through an external service
// that covers the network fee.
type FeePayer interface {
	// Relay returns the transaction signature after the service co-signs and
	// submits it.
	Relay(ctx context.Context, tx *solana.Transaction) (string, error)
}

// Adapter submits SPL transfers on Solana.
type Adapter struct {
	client   Client
	signer   signer.Signer
	feePayer FeePayer // nil disables the gasless path
	mints    map[string]string
	retry    rails.RetryConfig
}

// NewAdapter dials the RPC endpoint. feePayer may be nil.
func NewAdapter(rpcURL string, sign signer.Signer, feePayer FeePayer) *Adapter {
	return NewAdapterWithClient(rpc.New(rpcURL), sign, feePayer)
}

// NewAdapterWithClient wires an existing client (tests, shared connections).
func NewAdapterWithClient(client Client, sign signer.Signer, feePayer FeePayer) *Adapter {
	return &Adapter{
		client:   client,
		signer:   sign,
		feePayer: feePayer,
		mints:    defaultMints,
		retry:    rails.DefaultRetry,
	}
}

func (a *Adapter) ProviderName() string { return "solana_rpc" }
func (a *Adapter) Rail() string         { return "solana" }

func (a *Adapter) mint(symbol string) (solana.PublicKey, error) {
	addr, ok := a.mints[strings.ToUpper(symbol)]
	if !ok {
		return solana.PublicKey{}, fmt.Errorf("solana: token %q has no known mint", symbol)
	}
	return solana.PublicKeyFromBase58(addr)
}

// tokenAccount resolves the owner's token account for the mint via
// getTokenAccountsByOwner, taking the first account returned.
func (a *Adapter) tokenAccount(ctx context.Context, owner, mint solana.PublicKey) (solana.PublicKey, error) {
	result, err := a.client.GetTokenAccountsByOwner(ctx, owner,
		&rpc.GetTokenAccountsConfig{Mint: &mint},
		&rpc.GetTokenAccountsOpts{Commitment: rpc.CommitmentConfirmed},
	)
	if err != nil {
		return solana.PublicKey{}, classifyRPCError(err)
	}
	if result == nil || len(result.Value) == 0 {
		// No account on record yet: fall back to the derived ATA.
		ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("solana: derive associated token address: %w", err)
		}
		return ata, nil
	}
	return result.Value[0].Pubkey, nil
}

// Submit builds, signs, and broadcasts the SPL transfer. The gasless path is
// tried first when a fee payer is configured; on its failure the adapter
// falls back to sender-pays.
func (a *Adapter) Submit(ctx context.Context, req rails.TransactionRequest) (rails.SubmittedTx, error) {
	mint, err := a.mint(req.Token)
	if err != nil {
		return rails.SubmittedTx{}, err
	}
	sender, err := solana.PublicKeyFromBase58(req.FromAddress)
	if err != nil {
		return rails.SubmittedTx{}, fmt.Errorf("solana: malformed sender address: %w", err)
	}
	recipient, err := solana.PublicKeyFromBase58(req.ToAddress)
	if err != nil {
		return rails.SubmittedTx{}, fmt.Errorf("solana: malformed recipient address: %w", err)
	}

	var submitted rails.SubmittedTx
	err = rails.WithRetry(ctx, a.retry, "solana.submit", func(ctx context.Context) error {
		sourceATA, err := a.tokenAccount(ctx, sender, mint)
		if err != nil {
			return err
		}
		destATA, err := a.tokenAccount(ctx, recipient, mint)
		if err != nil {
			return err
		}

		blockhash, err := a.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		if err != nil {
			return classifyRPCError(err)
		}

		tx, err := a.buildAndSign(ctx, req.WalletID, sender, sourceATA, destATA,
			uint64(req.AmountMinor), blockhash.Value.Blockhash)
		if err != nil {
			return err
		}

		if a.feePayer != nil {
			if sig, relayErr := a.feePayer.Relay(ctx, tx); relayErr == nil {
				submitted = rails.SubmittedTx{TxHash: sig, Chain: "solana"}
				return nil
			} else {
				logger.FromContext(ctx).Warn().
					Err(relayErr).
					Str("reference", req.Reference).
					Msg("solana.gasless_fallback")
			}
		}

		sig, err := a.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
		if err != nil {
			return classifyRPCError(err)
		}
		submitted = rails.SubmittedTx{TxHash: sig.String(), Chain: "solana"}
		return nil
	})
	if err != nil {
		return rails.SubmittedTx{}, err
	}

	logger.FromContext(ctx).Info().
		Str("tx_hash", submitted.TxHash).
		Str("reference", req.Reference).
		Msg("solana.submitted")
	return submitted, nil
}

func (a *Adapter) buildAndSign(ctx context.Context, walletID string, sender, sourceATA, destATA solana.PublicKey, amount uint64, blockhash solana.Hash) (*solana.Transaction, error) {
	transfer := token.NewTransferInstruction(amount, sourceATA, destATA, sender, nil).Build()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{transfer},
		blockhash,
		solana.TransactionPayer(sender),
	)
	if err != nil {
		return nil, fmt.Errorf("solana: build transaction: %w", err)
	}

	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("solana: marshal message: %w", err)
	}
	sig, err := a.signer.SignMessage(ctx, walletID, signer.SchemeEd25519, message)
	if err != nil {
		return nil, fmt.Errorf("solana: sign transaction: %w", err)
	}

	var solSig solana.Signature
	copy(solSig[:], sig)
	tx.Signatures = []solana.Signature{solSig}
	return tx, nil
}

// GetReceipt maps signature status to the uniform receipt. A missing
// signature returns nil.
func (a *Adapter) GetReceipt(ctx context.Context, txHash string) (*rails.Receipt, error) {
	sig, err := solana.SignatureFromBase58(txHash)
	if err != nil {
		return nil, fmt.Errorf("solana: malformed signature: %w", err)
	}
	result, err := a.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, classifyRPCError(err)
	}
	if result == nil || len(result.Value) == 0 || result.Value[0] == nil {
		return nil, nil
	}

	status := result.Value[0]
	receipt := &rails.Receipt{TxHash: txHash, Chain: "solana", Status: rails.ReceiptPending}
	if status.Slot > 0 {
		receipt.BlockNumber = status.Slot
	}
	if status.Err != nil {
		receipt.Status = rails.ReceiptFailed
		return receipt, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		receipt.Status = rails.ReceiptConfirmed
	}
	return receipt, nil
}

// Estimate prices the transfer at the flat signature fee; gasless submissions
// cost the sender nothing.
func (a *Adapter) Estimate(_ context.Context, _ rails.TransactionRequest) (rails.GasEstimate, error) {
	if a.feePayer != nil {
		return rails.GasEstimate{FeeSymbol: "lamports"}, nil
	}
	return rails.GasEstimate{FeeMinor: 5000, FeeSymbol: "lamports"}, nil
}

// Balance reads the owner's token account balance for the mint.
func (a *Adapter) Balance(ctx context.Context, address, tokenSymbol string) (int64, error) {
	owner, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, fmt.Errorf("solana: malformed address: %w", err)
	}
	mint, err := a.mint(tokenSymbol)
	if err != nil {
		return 0, err
	}
	account, err := a.tokenAccount(ctx, owner, mint)
	if err != nil {
		return 0, err
	}
	result, err := a.client.GetTokenAccountBalance(ctx, account, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, classifyRPCError(err)
	}
	var amount int64
	if _, err := fmt.Sscan(result.Value.Amount, &amount); err != nil {
		return 0, fmt.Errorf("solana: parse token balance %q: %w", result.Value.Amount, err)
	}
	return amount, nil
}

func classifyRPCError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return sarderr.Wrap(sarderr.CodeRPCTimeout, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline") {
		return sarderr.Wrap(sarderr.CodeRPCTimeout, err)
	}
	if strings.Contains(msg, "connection") || strings.Contains(msg, "no such host") {
		return sarderr.Wrap(sarderr.CodeNetworkError, err)
	}
	return sarderr.Wrap(sarderr.CodeRPCError, err)
}
