package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/sardislabs/sardis/internal/signer"
)

// BuildSignedTx assembles an EIP-1559 contract call and signs it with the
// wallet's secp256k1 key. The nonce comes from the tracker seeded with the
// chain's pending count; callers must Invalidate on send failure so the next
// attempt re-reads the chain.
func BuildSignedTx(ctx context.Context, client Client, chainID int64, sign signer.Signer, nonces *NonceTracker, walletID, fromAddress string, to common.Address, data []byte, gasLimit uint64) (*types.Transaction, error) {
	from := common.HexToAddress(fromAddress)

	pending, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, classifyRPCError(err)
	}
	nonce := nonces.Reserve(fromAddress, chainID, pending)

	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, classifyRPCError(err)
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, classifyRPCError(err)
	}
	// maxFee = 2*baseFee + tip, the usual inclusion-safe bound.
	maxFee := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)

	unsigned := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(chainID),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       gasLimit,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})

	ethSigner := types.LatestSignerForChainID(big.NewInt(chainID))
	var digest [32]byte
	copy(digest[:], ethSigner.Hash(unsigned).Bytes())
	sig, err := sign.SignDigest(ctx, walletID, signer.SchemeSecp256k1, digest)
	if err != nil {
		return nil, fmt.Errorf("evm: sign tx: %w", err)
	}
	return unsigned.WithSignature(ethSigner, sig)
}
