// Package mandate validates AP2 mandate chains and x402 challenge/payload
// pairs. Verification is fail-closed: a chain is accepted only when every
// check passes, and a rejected bundle leaves no replay-cache entries behind.
package mandate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sardislabs/sardis/internal/canonical"
	"github.com/sardislabs/sardis/internal/identity"
	"github.com/sardislabs/sardis/internal/logger"
	"github.com/sardislabs/sardis/internal/replay"
	"github.com/sardislabs/sardis/internal/sarderr"
	"github.com/sardislabs/sardis/pkg/ap2"
)

// VerifiedChain is the parsed, fully-verified form of an AP2 bundle.
type VerifiedChain struct {
	Intent  ap2.IntentMandate
	Cart    ap2.CartMandate
	Payment ap2.PaymentMandate
}

// Result is the outcome of chain verification. Reason is set iff Accepted is false.
type Result struct {
	Accepted bool
	Reason   sarderr.Code
	Chain    *VerifiedChain
}

func reject(code sarderr.Code) Result {
	return Result{Accepted: false, Reason: code}
}

// Settings configure the verifier.
type Settings struct {
	AllowedDomains []string
	// Production requires every signing key to resolve through the identity
	// registry before the signature is checked.
	Production bool
	Registry   identity.Registry
	// ReplayTTLFloor is the minimum retention for replay-cache entries,
	// regardless of how soon the mandate expires. Zero means no floor.
	ReplayTTLFloor time.Duration
	// X402Versions overrides the x402 protocol versions the verifier
	// accepts; empty means the package defaults.
	X402Versions []string
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Verifier checks AP2 chains against the replay cache and identity registry.
type Verifier struct {
	settings Settings
	cache    replay.Cache
	domains  map[string]struct{}
}

// NewVerifier constructs a Verifier. A production verifier without an identity
// registry is a deployment fault, not a per-request rejection.
func NewVerifier(settings Settings, cache replay.Cache) (*Verifier, error) {
	if settings.Production && settings.Registry == nil {
		return nil, fmt.Errorf("mandate: production verifier requires an identity registry")
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	domains := make(map[string]struct{}, len(settings.AllowedDomains))
	for _, d := range settings.AllowedDomains {
		domains[d] = struct{}{}
	}
	return &Verifier{settings: settings, cache: cache, domains: domains}, nil
}

// VerifyChain validates an AP2 bundle. Checks run in a fixed order and the
// first failure wins; replay entries are rolled back if a later check fails so
// a rejected bundle never consumes mandate IDs.
func (v *Verifier) VerifyChain(ctx context.Context, bundle ap2.Bundle) Result {
	// Step 1: payload shape.
	var intent ap2.IntentMandate
	if err := unmarshalStrict(bundle.Intent, &intent); err != nil || intent.Validate() != nil {
		return reject(sarderr.CodeInvalidPayload)
	}
	var cart ap2.CartMandate
	if err := unmarshalStrict(bundle.Cart, &cart); err != nil || cart.Validate() != nil {
		return reject(sarderr.CodeInvalidPayload)
	}
	var payment ap2.PaymentMandate
	if err := unmarshalStrict(bundle.Payment, &payment); err != nil || payment.Validate() != nil {
		return reject(sarderr.CodeInvalidPayload)
	}

	// Step 2: type match.
	if intent.MandateType != ap2.MandateTypeIntent {
		return reject(sarderr.CodeIntentInvalidType)
	}
	if cart.MandateType != ap2.MandateTypeCart {
		return reject(sarderr.CodeCartInvalidType)
	}
	if payment.MandateType != ap2.MandateTypePayment || payment.Proof.ProofPurpose != ap2.ProofPurposeCheckout {
		return reject(sarderr.CodePaymentInvalidType)
	}

	// Step 3: expiration.
	now := v.settings.Now()
	for _, expiresAt := range []int64{intent.ExpiresAt, cart.ExpiresAt, payment.ExpiresAt} {
		if expiresAt <= now.Unix() {
			return reject(sarderr.CodeMandateExpired)
		}
	}

	// Step 4: domain authorization.
	for _, domain := range []string{intent.Domain, cart.Domain, payment.Domain} {
		if _, ok := v.domains[domain]; !ok {
			return reject(sarderr.CodeDomainNotAuthorized)
		}
	}

	// Step 5: signatures over the canonical form with proof_value cleared.
	for _, m := range []struct {
		mandate  any
		envelope ap2.Envelope
	}{
		{&intent, intent.Envelope},
		{&cart, cart.Envelope},
		{&payment, payment.Envelope},
	} {
		if code := v.verifySignature(ctx, m.mandate, m.envelope); code != "" {
			return reject(code)
		}
	}

	// Step 6: replay. Inserts happen all-or-nothing; if any mandate in the
	// bundle was seen before, inserts made for this bundle are rolled back.
	inserted := make([]string, 0, 3)
	rollback := func() {
		for _, id := range inserted {
			if err := v.cache.Remove(ctx, id); err != nil {
				logger.FromContext(ctx).Error().
					Err(err).
					Str("mandate_id", id).
					Msg("verify.replay_rollback_failed")
			}
		}
	}
	floor := now.Add(v.settings.ReplayTTLFloor)
	for _, env := range []ap2.Envelope{intent.Envelope, cart.Envelope, payment.Envelope} {
		keepUntil := time.Unix(env.ExpiresAt, 0)
		if keepUntil.Before(floor) {
			keepUntil = floor
		}
		fresh, err := v.cache.CheckAndInsert(ctx, env.MandateID, keepUntil)
		if err != nil {
			// Failing to record equals rejection: fail closed.
			rollback()
			return reject(sarderr.CodeReplayDetected)
		}
		if !fresh {
			rollback()
			return reject(sarderr.CodeReplayDetected)
		}
		inserted = append(inserted, env.MandateID)
	}

	// Steps 7-10 run after the replay claim; their failures release it so a
	// rejected bundle does not burn its mandate IDs.
	if code := checkBindings(intent, cart, payment); code != "" {
		rollback()
		return reject(code)
	}

	return Result{
		Accepted: true,
		Chain:    &VerifiedChain{Intent: intent, Cart: cart, Payment: payment},
	}
}

// checkBindings covers subject consistency, merchant binding, amount binding,
// and agent presence/modality.
func checkBindings(intent ap2.IntentMandate, cart ap2.CartMandate, payment ap2.PaymentMandate) sarderr.Code {
	// Step 7: subject consistency.
	if intent.Subject != cart.Subject || cart.Subject != payment.Subject {
		return sarderr.CodeSubjectMismatch
	}

	// Step 8: merchant binding.
	if payment.MerchantDomain == "" {
		return sarderr.CodePaymentMissingMerchantDomain
	}
	if payment.MerchantDomain != cart.MerchantDomain {
		return sarderr.CodeMerchantDomainMismatch
	}

	// Step 9: amount binding.
	if payment.AmountMinor > cart.SubtotalMinor+cart.TaxesMinor {
		return sarderr.CodePaymentExceedsCartTotal
	}

	// Step 10: agent presence and modality.
	if !payment.AIAgentPresence {
		return sarderr.CodePaymentAgentPresenceRequired
	}
	if !ap2.ValidModality(payment.TransactionModality) {
		return sarderr.CodePaymentInvalidModality
	}

	return ""
}

// verifySignature returns the rejection code for a failed signature check, or
// "" when the signature is valid.
func (v *Verifier) verifySignature(ctx context.Context, mandate any, env ap2.Envelope) sarderr.Code {
	vm, err := canonical.ParseVerificationMethod(env.Proof.VerificationMethod)
	if err != nil {
		return sarderr.CodeSignatureMalformed
	}

	pubKeyHex := vm.PubKeyHex
	if v.settings.Production {
		resolved, err := v.settings.Registry.ResolveKey(ctx, vm.DID, string(vm.Algorithm))
		if err != nil {
			if errors.Is(err, identity.ErrUnknownDID) {
				return sarderr.CodeSignatureInvalid
			}
			return sarderr.CodeSignatureInvalid
		}
		if resolved != pubKeyHex {
			return sarderr.CodeSignatureInvalid
		}
	}

	message, err := ap2.SigningBytes(mandate)
	if err != nil {
		return sarderr.CodeSignatureMalformed
	}
	sig, err := base64.StdEncoding.DecodeString(env.Proof.ProofValue)
	if err != nil {
		return sarderr.CodeSignatureMalformed
	}

	ok, err := canonical.Verify(vm.Algorithm, pubKeyHex, message, sig)
	if err != nil {
		return sarderr.CodeSignatureMalformed
	}
	if !ok {
		return sarderr.CodeSignatureInvalid
	}
	return ""
}

// unmarshalStrict decodes raw JSON, rejecting empty and null documents.
func unmarshalStrict(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("mandate: empty document")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	return nil
}
