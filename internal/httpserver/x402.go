package httpserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sardislabs/sardis/internal/logger"
	"github.com/sardislabs/sardis/internal/sarderr"
	"github.com/sardislabs/sardis/internal/settlement"
	"github.com/sardislabs/sardis/pkg/x402"
)

// AgentResolver maps an x402 payer address onto the agent and wallet that
// settle the payment.
type AgentResolver func(ctx context.Context, payerAddress string) (agentID, walletID string, err error)

// ChallengeSource issues and recalls paywall challenges.
type ChallengeSource interface {
	Issue(ctx context.Context, r *http.Request) (x402.Challenge, error)
	Lookup(ctx context.Context, paymentID string) (x402.Challenge, bool, error)
}

// StaticChallengeSource prices every request identically and keeps issued
// challenges in memory until they expire.
type StaticChallengeSource struct {
	Amount  string
	Token   string
	Network string
	Payee   string
	TTL     time.Duration

	mu     sync.Mutex
	issued map[string]x402.Challenge
	now    func() time.Time
}

// NewStaticChallengeSource builds a source with a fixed price.
func NewStaticChallengeSource(amount, token, network, payee string, ttl time.Duration) *StaticChallengeSource {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StaticChallengeSource{
		Amount:  amount,
		Token:   token,
		Network: network,
		Payee:   payee,
		TTL:     ttl,
		issued:  make(map[string]x402.Challenge),
		now:     time.Now,
	}
}

func (s *StaticChallengeSource) Issue(_ context.Context, _ *http.Request) (x402.Challenge, error) {
	now := s.now()
	c := x402.Challenge{
		Version:      "2.0",
		PaymentID:    "x402-" + uuid.New().String(),
		Amount:       s.Amount,
		Token:        s.Token,
		Network:      s.Network,
		PayeeAddress: s.Payee,
		Nonce:        uuid.New().String(),
		ExpiresAt:    now.Add(s.TTL).Unix(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, old := range s.issued {
		if old.Expired(now) {
			delete(s.issued, id)
		}
	}
	s.issued[c.PaymentID] = c
	return c, nil
}

func (s *StaticChallengeSource) Lookup(_ context.Context, paymentID string) (x402.Challenge, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.issued[paymentID]
	return c, ok, nil
}

// paywall gates a route behind an x402 payment. Requests without a payment
// header receive a 402 challenge; requests answering a challenge are settled
// before the resource is served.
func (s *handlers) paywall(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		header := r.Header.Get(x402.HeaderPaymentSignature)
		if header == "" {
			s.issueChallenge(w, r)
			return
		}

		payload, err := x402.DecodePayload(header)
		if err != nil {
			writeError(w, r, sarderr.Wrap(sarderr.CodeInvalidPayload, err))
			return
		}
		challenge, ok, err := s.deps.Challenges.Lookup(ctx, payload.PaymentID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !ok {
			writeReject(w, sarderr.CodeX402ChallengeExpired)
			return
		}

		result := s.deps.Verifier.VerifyX402(ctx, challenge, payload, s.deps.VerifyX402Signature)
		if !result.Accepted {
			s.setSettlementResponse(w, r, failedSettlement(string(result.Reason)))
			writeReject(w, result.Reason)
			return
		}

		agentID, walletID, err := s.deps.ResolveX402Agent(ctx, payload.Payer)
		if err != nil {
			s.setSettlementResponse(w, r, failedSettlement("unknown payer"))
			writeError(w, r, sarderr.Wrap(sarderr.CodeDomainNotAuthorized, err))
			return
		}

		payment, err := settlement.PaymentFromX402(challenge, agentID, walletID)
		if err != nil {
			writeError(w, r, sarderr.Wrap(sarderr.CodeInvalidPayload, err))
			return
		}
		receipt, err := s.deps.Engine.DispatchPayment(ctx, payment)
		if err != nil {
			s.setSettlementResponse(w, r, failedSettlement(string(sarderr.CodeOf(err))))
			writeError(w, r, err)
			return
		}
		if receipt.Status == settlement.StatusPendingApproval {
			// The payment needs review; the resource is not served yet.
			writeJSON(w, http.StatusAccepted, receipt)
			return
		}

		network := challenge.Network
		s.setSettlementResponse(w, r, x402.SettlementData{
			Success:   true,
			TxHash:    &receipt.TxHash,
			NetworkID: &network,
		})
		next.ServeHTTP(w, r)
	})
}

func (s *handlers) issueChallenge(w http.ResponseWriter, r *http.Request) {
	challenge, err := s.deps.Challenges.Issue(r.Context(), r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	encoded, err := x402.EncodeHeader(challenge)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set(x402.HeaderPaymentRequired, encoded)
	writeJSON(w, http.StatusPaymentRequired, map[string]any{
		"payment_id": challenge.PaymentID,
		"amount":     challenge.Amount,
		"token":      challenge.Token,
		"network":    challenge.Network,
		"expires_at": challenge.ExpiresAt,
	})
}

func (s *handlers) setSettlementResponse(w http.ResponseWriter, r *http.Request, data x402.SettlementData) {
	encoded, err := x402.EncodeHeader(data)
	if err != nil {
		logger.FromContext(r.Context()).Warn().Err(err).Msg("x402.settlement_header_encode_failed")
		return
	}
	w.Header().Set(x402.HeaderPaymentResponse, encoded)
}

func failedSettlement(reason string) x402.SettlementData {
	return x402.SettlementData{Success: false, Error: &reason}
}
