package mandate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardislabs/sardis/internal/replay"
	"github.com/sardislabs/sardis/internal/sarderr"
	"github.com/sardislabs/sardis/pkg/x402"
)

func x402Fixture() (x402.Challenge, x402.Payload) {
	challenge := x402.Challenge{
		Version:      "2.0",
		PaymentID:    "pay-9f2c",
		Amount:       "2500000",
		Token:        "USDC",
		Network:      "solana",
		PayeeAddress: "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		Nonce:        "nonce-77",
		ExpiresAt:    time.Now().Add(5 * time.Minute).Unix(),
	}
	payload := x402.Payload{
		Version:   "2.0",
		PaymentID: "pay-9f2c",
		Amount:    "2500000",
		Nonce:     "nonce-77",
		Payer:     "4Nd1mYyZkT7sPGmzVhnqsW3t1V1VX2yT4bXh5q9sVFaa",
		Signature: "c2ln",
	}
	return challenge, payload
}

func TestVerifyX402Accepts(t *testing.T) {
	cache := replay.NewMemoryCache(time.Minute)
	defer cache.Close()
	v := newVerifier(t, cache)

	challenge, payload := x402Fixture()

	var gotSigning string
	result := v.VerifyX402(context.Background(), challenge, payload,
		func(_ context.Context, signing string, _ x402.Payload) (bool, error) {
			gotSigning = signing
			return true, nil
		})
	require.True(t, result.Accepted, "reason: %s", result.Reason)
	assert.Equal(t,
		"pay-9f2c|"+payload.Payer+"|2500000|nonce-77|"+challenge.PayeeAddress+"|solana",
		gotSigning)
}

func TestVerifyX402Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *x402.Challenge, p *x402.Payload)
		want   sarderr.Code
	}{
		{
			name:   "unsupported version",
			mutate: func(_ *x402.Challenge, p *x402.Payload) { p.Version = "3.0" },
			want:   sarderr.CodeX402VersionUnsupported,
		},
		{
			name:   "expired challenge",
			mutate: func(c *x402.Challenge, _ *x402.Payload) { c.ExpiresAt = time.Now().Add(-time.Second).Unix() },
			want:   sarderr.CodeX402ChallengeExpired,
		},
		{
			name:   "payment id mismatch",
			mutate: func(_ *x402.Challenge, p *x402.Payload) { p.PaymentID = "pay-other" },
			want:   sarderr.CodeX402PaymentIDMismatch,
		},
		{
			name:   "nonce mismatch",
			mutate: func(_ *x402.Challenge, p *x402.Payload) { p.Nonce = "nonce-78" },
			want:   sarderr.CodeX402NonceMismatch,
		},
		{
			name:   "amount mismatch",
			mutate: func(_ *x402.Challenge, p *x402.Payload) { p.Amount = "2500001" },
			want:   sarderr.CodeX402AmountMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cache := replay.NewMemoryCache(time.Minute)
			defer cache.Close()
			v := newVerifier(t, cache)

			challenge, payload := x402Fixture()
			tt.mutate(&challenge, &payload)

			result := v.VerifyX402(context.Background(), challenge, payload, nil)
			assert.False(t, result.Accepted)
			assert.Equal(t, tt.want, result.Reason)
		})
	}
}

func TestVerifyX402SignatureRejected(t *testing.T) {
	cache := replay.NewMemoryCache(time.Minute)
	defer cache.Close()
	v := newVerifier(t, cache)

	challenge, payload := x402Fixture()
	result := v.VerifyX402(context.Background(), challenge, payload,
		func(context.Context, string, x402.Payload) (bool, error) { return false, nil })
	assert.False(t, result.Accepted)
	assert.Equal(t, sarderr.CodeX402SignatureInvalid, result.Reason)
}
