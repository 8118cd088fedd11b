package mandate

import (
	"context"

	"github.com/sardislabs/sardis/internal/sarderr"
	"github.com/sardislabs/sardis/pkg/x402"
)

// X402SignatureVerifier checks a payload signature over the canonical signing
// string. Implementations are scheme-specific (EVM personal_sign, Solana
// ed25519). A nil verifier skips the signature step.
type X402SignatureVerifier func(ctx context.Context, signingString string, payload x402.Payload) (bool, error)

// X402Result is the outcome of x402 verification.
type X402Result struct {
	Accepted bool
	Reason   sarderr.Code
}

// VerifyX402 checks a signed payload against the challenge it answers.
func (v *Verifier) VerifyX402(ctx context.Context, challenge x402.Challenge, payload x402.Payload, sigVerify X402SignatureVerifier) X402Result {
	if !x402.VersionSupported(payload.Version, v.settings.X402Versions) ||
		!x402.VersionSupported(challenge.Version, v.settings.X402Versions) {
		return X402Result{Reason: sarderr.CodeX402VersionUnsupported}
	}
	if challenge.Expired(v.settings.Now()) {
		return X402Result{Reason: sarderr.CodeX402ChallengeExpired}
	}
	if payload.PaymentID != challenge.PaymentID {
		return X402Result{Reason: sarderr.CodeX402PaymentIDMismatch}
	}
	if payload.Nonce != challenge.Nonce {
		return X402Result{Reason: sarderr.CodeX402NonceMismatch}
	}
	if payload.Amount != challenge.Amount {
		return X402Result{Reason: sarderr.CodeX402AmountMismatch}
	}

	if sigVerify != nil {
		signing := x402.SigningString(
			challenge.PaymentID,
			payload.Payer,
			challenge.Amount,
			challenge.Nonce,
			challenge.PayeeAddress,
			challenge.Network,
		)
		ok, err := sigVerify(ctx, signing, payload)
		if err != nil || !ok {
			return X402Result{Reason: sarderr.CodeX402SignatureInvalid}
		}
	}

	return X402Result{Accepted: true}
}
