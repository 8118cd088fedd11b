// Package x402 defines the wire types for the HTTP-402 micropayment protocol:
// a server challenge paired with a signed client payload.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SupportedVersions lists the protocol versions this server accepts.
var SupportedVersions = []string{"1.0", "2.0"}

// Header names used by the protocol.
const (
	HeaderPaymentRequired  = "PaymentRequired"   // server -> client: base64(JSON Challenge)
	HeaderPaymentSignature = "PAYMENT-SIGNATURE" // client -> server: base64(JSON Payload)
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"  // server -> client: base64(JSON settlement data)
)

// Challenge is issued with a 402 response and describes the required payment.
type Challenge struct {
	Version      string `json:"version"`
	PaymentID    string `json:"payment_id"`
	Amount       string `json:"amount"` // integer minor units, decimal string
	Token        string `json:"token"`
	Network      string `json:"network"`
	PayerAddress string `json:"payer_address"`
	PayeeAddress string `json:"payee_address"`
	Nonce        string `json:"nonce"`
	ExpiresAt    int64  `json:"expires_at"` // unix seconds
}

// Expired reports whether the challenge is past its deadline.
func (c Challenge) Expired(now time.Time) bool {
	return now.Unix() >= c.ExpiresAt
}

// Payload is the client's signed answer to a challenge.
type Payload struct {
	Version   string `json:"version"`
	PaymentID string `json:"payment_id"`
	Amount    string `json:"amount"`
	Nonce     string `json:"nonce"`
	Payer     string `json:"payer"`
	Signature string `json:"signature"` // hex or base64, scheme-dependent
}

// SettlementData is returned in the PAYMENT-RESPONSE header on success.
type SettlementData struct {
	Success   bool    `json:"success"`
	TxHash    *string `json:"txHash"`
	NetworkID *string `json:"networkId"`
	Error     *string `json:"error"`
}

// SigningString builds the canonical string a payload signature covers:
// payment_id|payer|amount|nonce|payee|network.
func SigningString(paymentID, payer, amount, nonce, payee, network string) string {
	return strings.Join([]string{paymentID, payer, amount, nonce, payee, network}, "|")
}

// VersionSupported reports whether v is an accepted protocol version.
func VersionSupported(v string, supported []string) bool {
	if len(supported) == 0 {
		supported = SupportedVersions
	}
	for _, s := range supported {
		if s == v {
			return true
		}
	}
	return false
}

// EncodeHeader renders v as base64(JSON) for an x402 header value.
func EncodeHeader(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("x402: marshal header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeChallenge parses a PaymentRequired header value.
func DecodeChallenge(header string) (Challenge, error) {
	var c Challenge
	if err := decodeHeader(header, &c); err != nil {
		return Challenge{}, err
	}
	return c, nil
}

// DecodePayload parses a PAYMENT-SIGNATURE header value.
func DecodePayload(header string) (Payload, error) {
	var p Payload
	if err := decodeHeader(header, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}

func decodeHeader(header string, dst any) error {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return fmt.Errorf("x402: empty header")
	}

	// Accept raw JSON for test harnesses, base64 otherwise.
	var data []byte
	if strings.HasPrefix(raw, "{") {
		data = []byte(raw)
	} else {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(raw)
			if err != nil {
				return fmt.Errorf("x402: decode base64: %w", err)
			}
		}
		data = decoded
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("x402: parse header: %w", err)
	}
	return nil
}
