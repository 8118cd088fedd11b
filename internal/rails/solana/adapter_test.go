package solana

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardislabs/sardis/internal/rails"
	"github.com/sardislabs/sardis/internal/signer"
)

type fakeClient struct {
	accounts   map[string]solana.PublicKey // owner base58 -> token account
	sent       []*solana.Transaction
	sendErr    error
	statuses   []*rpc.SignatureStatusesResult
	statusErr  error
	balanceStr string
}

func (f *fakeClient) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	var hash solana.Hash
	copy(hash[:], []byte("test-blockhash-0123456789abcdef"))
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: hash},
	}, nil
}

func (f *fakeClient) GetTokenAccountsByOwner(_ context.Context, owner solana.PublicKey, _ *rpc.GetTokenAccountsConfig, _ *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error) {
	account, ok := f.accounts[owner.String()]
	if !ok {
		return &rpc.GetTokenAccountsResult{}, nil
	}
	return &rpc.GetTokenAccountsResult{
		Value: []*rpc.TokenAccount{{Pubkey: account}},
	}, nil
}

func (f *fakeClient) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeClient) GetSignatureStatuses(context.Context, bool, ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &rpc.GetSignatureStatusesResult{Value: f.statuses}, nil
}

func (f *fakeClient) GetTokenAccountBalance(context.Context, solana.PublicKey, rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	return &rpc.GetTokenAccountBalanceResult{
		Value: &rpc.UiTokenAmount{Amount: f.balanceStr},
	}, nil
}

type fakeFeePayer struct {
	sig string
	err error
}

func (f fakeFeePayer) Relay(_ context.Context, tx *solana.Transaction) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.sig, nil
}

func testKeys(t *testing.T) (sender, recipient solana.PublicKey) {
	t.Helper()
	return solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
}

func newTestAdapter(t *testing.T, client *fakeClient, feePayer FeePayer) *Adapter {
	t.Helper()
	s, err := signer.NewLocalSigner([]byte("0123456789abcdef"))
	require.NoError(t, err)
	a := NewAdapterWithClient(client, s, feePayer)
	a.retry.BaseDelay = 1
	return a
}

func request(sender, recipient solana.PublicKey) rails.TransactionRequest {
	return rails.TransactionRequest{
		WalletID:    "wallet-1",
		FromAddress: sender.String(),
		ToAddress:   recipient.String(),
		Token:       "USDC",
		AmountMinor: 2500000,
		Chain:       "solana",
		Reference:   "pay-9f2c",
	}
}

func TestSubmitSenderPays(t *testing.T) {
	sender, recipient := testKeys(t)
	client := &fakeClient{accounts: map[string]solana.PublicKey{
		sender.String():    solana.NewWallet().PublicKey(),
		recipient.String(): solana.NewWallet().PublicKey(),
	}}
	a := newTestAdapter(t, client, nil)

	submitted, err := a.Submit(context.Background(), request(sender, recipient))
	require.NoError(t, err)
	assert.Equal(t, "solana", submitted.Chain)
	assert.NotEmpty(t, submitted.TxHash)
	require.Len(t, client.sent, 1)
	assert.Len(t, client.sent[0].Signatures, 1)
}

func TestSubmitGaslessPath(t *testing.T) {
	sender, recipient := testKeys(t)
	client := &fakeClient{accounts: map[string]solana.PublicKey{
		sender.String():    solana.NewWallet().PublicKey(),
		recipient.String(): solana.NewWallet().PublicKey(),
	}}
	a := newTestAdapter(t, client, fakeFeePayer{sig: "relayed-signature"})

	submitted, err := a.Submit(context.Background(), request(sender, recipient))
	require.NoError(t, err)
	assert.Equal(t, "relayed-signature", submitted.TxHash)
	// The relay handled broadcast; nothing went through our RPC.
	assert.Empty(t, client.sent)
}

func TestSubmitGaslessFallsBackToSenderPays(t *testing.T) {
	sender, recipient := testKeys(t)
	client := &fakeClient{accounts: map[string]solana.PublicKey{
		sender.String():    solana.NewWallet().PublicKey(),
		recipient.String(): solana.NewWallet().PublicKey(),
	}}
	a := newTestAdapter(t, client, fakeFeePayer{err: errors.New("relay unavailable")})

	submitted, err := a.Submit(context.Background(), request(sender, recipient))
	require.NoError(t, err)
	assert.NotEmpty(t, submitted.TxHash)
	assert.Len(t, client.sent, 1)
}

func TestSubmitDerivesATAWhenUnlisted(t *testing.T) {
	sender, recipient := testKeys(t)
	// Only the sender has a listed token account; the recipient ATA is derived.
	client := &fakeClient{accounts: map[string]solana.PublicKey{
		sender.String(): solana.NewWallet().PublicKey(),
	}}
	a := newTestAdapter(t, client, nil)

	_, err := a.Submit(context.Background(), request(sender, recipient))
	require.NoError(t, err)
	assert.Len(t, client.sent, 1)
}

func TestGetReceiptStatuses(t *testing.T) {
	sig := solana.Signature{}
	copy(sig[:], []byte("some-signature"))

	tests := []struct {
		name   string
		status *rpc.SignatureStatusesResult
		want   rails.ReceiptStatus
		nilOut bool
	}{
		{name: "unknown signature", status: nil, nilOut: true},
		{
			name:   "processed is pending",
			status: &rpc.SignatureStatusesResult{Slot: 10, ConfirmationStatus: rpc.ConfirmationStatusProcessed},
			want:   rails.ReceiptPending,
		},
		{
			name:   "confirmed",
			status: &rpc.SignatureStatusesResult{Slot: 10, ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
			want:   rails.ReceiptConfirmed,
		},
		{
			name:   "finalized",
			status: &rpc.SignatureStatusesResult{Slot: 10, ConfirmationStatus: rpc.ConfirmationStatusFinalized},
			want:   rails.ReceiptConfirmed,
		},
		{
			name:   "failed",
			status: &rpc.SignatureStatusesResult{Slot: 10, Err: map[string]any{"InstructionError": []any{}}},
			want:   rails.ReceiptFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{statuses: []*rpc.SignatureStatusesResult{tt.status}}
			a := newTestAdapter(t, client, nil)

			r, err := a.GetReceipt(context.Background(), sig.String())
			require.NoError(t, err)
			if tt.nilOut {
				assert.Nil(t, r)
				return
			}
			require.NotNil(t, r)
			assert.Equal(t, tt.want, r.Status)
		})
	}
}

func TestBalance(t *testing.T) {
	sender, _ := testKeys(t)
	client := &fakeClient{
		accounts:   map[string]solana.PublicKey{sender.String(): solana.NewWallet().PublicKey()},
		balanceStr: "2500000",
	}
	a := newTestAdapter(t, client, nil)

	bal, err := a.Balance(context.Background(), sender.String(), "USDC")
	require.NoError(t, err)
	assert.Equal(t, int64(2500000), bal)
}
