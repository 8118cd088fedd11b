package evm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/sardislabs/sardis/internal/logger"
	"github.com/sardislabs/sardis/internal/rails"
	"github.com/sardislabs/sardis/internal/sarderr"
	"github.com/sardislabs/sardis/internal/signer"
)

// transfer(address,uint256)
const transferSelector = "a9059cbb"

// balanceOf(address)
const balanceOfSelector = "70a08231"

const erc20TransferGasLimit = 90000

// Client is the JSON-RPC surface the adapter needs; *ethclient.Client
// satisfies it, and tests substitute a fake.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Adapter submits ERC-20 transfers on one EVM chain.
type Adapter struct {
	chain  ChainConfig
	client Client
	signer signer.Signer
	nonces *NonceTracker
	retry  rails.RetryConfig
}

// NewAdapter dials the chain's RPC endpoint.
func NewAdapter(chain ChainConfig, sign signer.Signer, nonces *NonceTracker) (*Adapter, error) {
	client, err := ethclient.Dial(chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", chain.Name, err)
	}
	return NewAdapterWithClient(chain, client, sign, nonces), nil
}

// NewAdapterWithClient wires an existing client (tests, shared connections).
func NewAdapterWithClient(chain ChainConfig, client Client, sign signer.Signer, nonces *NonceTracker) *Adapter {
	if nonces == nil {
		nonces = NewNonceTracker()
	}
	return &Adapter{chain: chain, client: client, signer: sign, nonces: nonces, retry: rails.DefaultRetry}
}

func (a *Adapter) ProviderName() string { return "evm_rpc" }
func (a *Adapter) Rail() string         { return a.chain.Name }

// EncodeTransferData builds the transfer(address,uint256) calldata: the
// 4-byte selector, the zero-padded recipient, and the zero-padded amount.
func EncodeTransferData(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	selector, _ := hex.DecodeString(transferSelector)
	data = append(data, selector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// Submit signs and broadcasts an ERC-20 transfer, retrying transient RPC
// failures and refreshing the nonce when the chain reports it stale.
func (a *Adapter) Submit(ctx context.Context, req rails.TransactionRequest) (rails.SubmittedTx, error) {
	tokenAddr, err := a.chain.TokenAddress(req.Token)
	if err != nil {
		return rails.SubmittedTx{}, err
	}
	if !common.IsHexAddress(req.ToAddress) || !common.IsHexAddress(req.FromAddress) {
		return rails.SubmittedTx{}, fmt.Errorf("evm: malformed address in request")
	}

	var submitted rails.SubmittedTx
	err = rails.WithRetry(ctx, a.retry, "evm.submit", func(ctx context.Context) error {
		tx, err := a.buildAndSign(ctx, req, common.HexToAddress(tokenAddr))
		if err != nil {
			return err
		}
		if err := a.client.SendTransaction(ctx, tx); err != nil {
			// The reserved nonce never landed; force a fresh chain read on
			// the next attempt.
			a.nonces.Invalidate(req.FromAddress, a.chain.ChainID)
			if isNonceError(err) {
				return sarderr.Wrap(sarderr.CodeNonceStale, err)
			}
			return classifyRPCError(err)
		}
		submitted = rails.SubmittedTx{TxHash: tx.Hash().Hex(), Chain: a.chain.Name}
		return nil
	})
	if err != nil {
		return rails.SubmittedTx{}, err
	}

	logger.FromContext(ctx).Info().
		Str("chain", a.chain.Name).
		Str("tx_hash", submitted.TxHash).
		Str("reference", req.Reference).
		Msg("evm.submitted")
	return submitted, nil
}

func (a *Adapter) buildAndSign(ctx context.Context, req rails.TransactionRequest, tokenAddr common.Address) (*types.Transaction, error) {
	data := EncodeTransferData(common.HexToAddress(req.ToAddress), big.NewInt(req.AmountMinor))
	return BuildSignedTx(ctx, a.client, a.chain.ChainID, a.signer, a.nonces,
		req.WalletID, req.FromAddress, tokenAddr, data, erc20TransferGasLimit)
}

// GetReceipt returns nil while the transaction is unknown or below the
// chain's confirmation depth.
func (a *Adapter) GetReceipt(ctx context.Context, txHash string) (*rails.Receipt, error) {
	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, classifyRPCError(err)
	}

	out := &rails.Receipt{
		TxHash:      txHash,
		Chain:       a.chain.Name,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
		Status:      rails.ReceiptPending,
	}
	if receipt.Status == types.ReceiptStatusFailed {
		out.Status = rails.ReceiptFailed
		return out, nil
	}

	tip, err := a.client.BlockNumber(ctx)
	if err != nil {
		return nil, classifyRPCError(err)
	}
	if tip >= receipt.BlockNumber.Uint64()+a.chain.Confirmations-1 {
		out.Status = rails.ReceiptConfirmed
	}
	return out, nil
}

// Estimate prices the transfer from the current base fee and tip.
func (a *Adapter) Estimate(ctx context.Context, req rails.TransactionRequest) (rails.GasEstimate, error) {
	head, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return rails.GasEstimate{}, classifyRPCError(err)
	}
	tip, err := a.client.SuggestGasTipCap(ctx)
	if err != nil {
		return rails.GasEstimate{}, classifyRPCError(err)
	}
	perGas := new(big.Int).Add(head.BaseFee, tip)
	fee := new(big.Int).Mul(perGas, big.NewInt(erc20TransferGasLimit))
	return rails.GasEstimate{
		GasLimit:  erc20TransferGasLimit,
		FeeMinor:  fee.Int64(),
		FeeSymbol: "wei",
	}, nil
}

// Balance reads the ERC-20 balance via eth_call balanceOf(address).
func (a *Adapter) Balance(ctx context.Context, address, token string) (int64, error) {
	tokenAddr, err := a.chain.TokenAddress(token)
	if err != nil {
		return 0, err
	}
	selector, _ := hex.DecodeString(balanceOfSelector)
	data := append(selector, common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32)...)

	contract := common.HexToAddress(tokenAddr)
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return 0, classifyRPCError(err)
	}
	return new(big.Int).SetBytes(out).Int64(), nil
}

func isNonceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "replacement transaction underpriced")
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
