package cctp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardislabs/sardis/internal/rails"
)

func TestRailAdapterDrivesTransferToConfirmed(t *testing.T) {
	ctx := context.Background()
	burner := &fakeBurner{result: BurnResult{TxHash: "0xburn", MessageHash: "0xmsg", MessageBody: "body"}}
	attester := &fakeAttester{attestation: "0xattested"}
	minter := &fakeMinter{txHash: "0xmint"}
	bridge, _ := newTestBridge(burner, attester, minter)
	adapter := NewRailAdapter(bridge, "base", "arbitrum")

	tx, err := adapter.Submit(ctx, rails.TransactionRequest{
		WalletID:    "wallet-1",
		FromAddress: "0xsender",
		ToAddress:   "0xrecipient",
		Token:       "USDC",
		AmountMinor: 250_000,
		Chain:       "cctp",
		Reference:   "pay-bridge-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, tx.TxHash)
	assert.Equal(t, "cctp", tx.Chain)

	// Each poll advances one transition: burn, awaiting, attested, minted.
	var receipt *rails.Receipt
	for i := 0; i < 6 && receipt == nil; i++ {
		receipt, err = adapter.GetReceipt(ctx, tx.TxHash)
		require.NoError(t, err)
	}
	require.NotNil(t, receipt)
	assert.Equal(t, rails.ReceiptConfirmed, receipt.Status)
	assert.Equal(t, 1, burner.calls)
	assert.Equal(t, 1, minter.calls)
}

func TestRailAdapterReportsFailedBurn(t *testing.T) {
	ctx := context.Background()
	bridge, _ := newTestBridge(&fakeBurner{err: errors.New("burn reverted")}, &fakeAttester{}, &fakeMinter{})
	adapter := NewRailAdapter(bridge, "base", "arbitrum")

	tx, err := adapter.Submit(ctx, rails.TransactionRequest{WalletID: "w", AmountMinor: 1})
	require.NoError(t, err)

	receipt, err := adapter.GetReceipt(ctx, tx.TxHash)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.Equal(t, rails.ReceiptFailed, receipt.Status)
}

func TestRailAdapterUnknownTransfer(t *testing.T) {
	bridge, _ := newTestBridge(&fakeBurner{}, &fakeAttester{}, &fakeMinter{})
	adapter := NewRailAdapter(bridge, "base", "arbitrum")

	_, err := adapter.GetReceipt(context.Background(), "missing")
	require.Error(t, err)
}
