// Package ap2 defines the wire types for the AP2 agent-payments protocol: the
// three-step mandate chain (intent, cart, payment) with verifiable proofs.
package ap2

import (
	"encoding/json"
	"fmt"
)

// MandateType enumerates the three stages of an AP2 chain.
type MandateType string

const (
	MandateTypeIntent  MandateType = "intent"
	MandateTypeCart    MandateType = "cart"
	MandateTypePayment MandateType = "payment"
)

// TransactionModality records whether a human was present for the payment.
type TransactionModality string

const (
	ModalityHumanPresent    TransactionModality = "human_present"
	ModalityHumanNotPresent TransactionModality = "human_not_present"
)

// ValidModality reports whether m is one of the enumerated modalities.
func ValidModality(m TransactionModality) bool {
	return m == ModalityHumanPresent || m == ModalityHumanNotPresent
}

// Proof carries the detached signature over a mandate's canonical form.
type Proof struct {
	VerificationMethod string `json:"verification_method"` // did#alg:pubkey_hex
	Created            string `json:"created"`
	ProofValue         string `json:"proof_value"` // base64 signature
	ProofPurpose       string `json:"proof_purpose"`
}

// Envelope is the shared portion of every mandate.
type Envelope struct {
	MandateID   string      `json:"mandate_id"`
	MandateType MandateType `json:"mandate_type"`
	Issuer      string      `json:"issuer"`
	Subject     string      `json:"subject"` // agent ID
	Domain      string      `json:"domain"`
	Nonce       string      `json:"nonce"`
	ExpiresAt   int64       `json:"expires_at"` // unix seconds
	Proof       *Proof      `json:"proof"`
}

// IntentMandate authorizes the agent to shop within a scope and budget.
type IntentMandate struct {
	Envelope
	RequestedAmount int64  `json:"requested_amount"`
	MerchantDomain  string `json:"merchant_domain"`
	Scope           string `json:"scope"`
}

// LineItem is a single cart entry. Amounts are integer minor units.
type LineItem struct {
	SKU         string `json:"sku"`
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitMinor   int64  `json:"unit_minor"`
}

// CartMandate binds the merchant's cart contents and totals.
type CartMandate struct {
	Envelope
	LineItems      []LineItem `json:"line_items"`
	SubtotalMinor  int64      `json:"subtotal_minor"`
	TaxesMinor     int64      `json:"taxes_minor"`
	Currency       string     `json:"currency"`
	MerchantDomain string     `json:"merchant_domain"`
}

// PaymentMandate authorizes the final settlement.
type PaymentMandate struct {
	Envelope
	AmountMinor         int64               `json:"amount_minor"`
	Token               string              `json:"token"`
	Chain               string              `json:"chain"`
	Destination         string              `json:"destination"`
	AuditHash           string              `json:"audit_hash"`
	AIAgentPresence     bool                `json:"ai_agent_presence"`
	TransactionModality TransactionModality `json:"transaction_modality"`
	MerchantDomain      string              `json:"merchant_domain"`
}

// ProofPurposeCheckout is the proof purpose a payment mandate must carry.
const ProofPurposeCheckout = "checkout"

// Bundle is the request body of POST /payments/execute.
type Bundle struct {
	Intent  json.RawMessage `json:"intent"`
	Cart    json.RawMessage `json:"cart"`
	Payment json.RawMessage `json:"payment"`
}

// validateEnvelope checks the fields every mandate must carry.
func validateEnvelope(e Envelope) error {
	switch {
	case e.MandateID == "":
		return fmt.Errorf("ap2: missing mandate_id")
	case e.Subject == "":
		return fmt.Errorf("ap2: missing subject")
	case e.Domain == "":
		return fmt.Errorf("ap2: missing domain")
	case e.ExpiresAt == 0:
		return fmt.Errorf("ap2: missing expires_at")
	case e.Proof == nil:
		return fmt.Errorf("ap2: missing proof")
	case e.Proof.VerificationMethod == "":
		return fmt.Errorf("ap2: proof missing verification_method")
	case e.Proof.ProofValue == "":
		return fmt.Errorf("ap2: proof missing proof_value")
	}
	return nil
}

// Validate checks required fields of an intent mandate.
func (m *IntentMandate) Validate() error {
	if err := validateEnvelope(m.Envelope); err != nil {
		return err
	}
	if m.RequestedAmount <= 0 {
		return fmt.Errorf("ap2: intent requested_amount must be positive")
	}
	return nil
}

// Validate checks required fields of a cart mandate.
func (m *CartMandate) Validate() error {
	if err := validateEnvelope(m.Envelope); err != nil {
		return err
	}
	if m.SubtotalMinor < 0 || m.TaxesMinor < 0 {
		return fmt.Errorf("ap2: cart totals must be non-negative")
	}
	if m.Currency == "" {
		return fmt.Errorf("ap2: cart missing currency")
	}
	if m.MerchantDomain == "" {
		return fmt.Errorf("ap2: cart missing merchant_domain")
	}
	return nil
}

// Validate checks required fields of a payment mandate.
func (m *PaymentMandate) Validate() error {
	if err := validateEnvelope(m.Envelope); err != nil {
		return err
	}
	if m.AmountMinor <= 0 {
		return fmt.Errorf("ap2: payment amount_minor must be positive")
	}
	if m.Token == "" {
		return fmt.Errorf("ap2: payment missing token")
	}
	if m.Destination == "" {
		return fmt.Errorf("ap2: payment missing destination")
	}
	return nil
}
