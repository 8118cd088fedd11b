package httpserver

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sardislabs/sardis/internal/agent"
	"github.com/sardislabs/sardis/internal/approval"
	"github.com/sardislabs/sardis/internal/behavior"
	"github.com/sardislabs/sardis/internal/compliance"
	"github.com/sardislabs/sardis/internal/confidence"
	"github.com/sardislabs/sardis/internal/config"
	"github.com/sardislabs/sardis/internal/idempotency"
	"github.com/sardislabs/sardis/internal/ledger"
	"github.com/sardislabs/sardis/internal/lockcache"
	"github.com/sardislabs/sardis/internal/mandate"
	"github.com/sardislabs/sardis/internal/policy"
	"github.com/sardislabs/sardis/internal/rails"
	"github.com/sardislabs/sardis/internal/replay"
	"github.com/sardislabs/sardis/internal/settlement"
	"github.com/sardislabs/sardis/internal/velocity"
	"github.com/sardislabs/sardis/internal/webhook"
	"github.com/sardislabs/sardis/pkg/ap2"
	"github.com/sardislabs/sardis/pkg/x402"
)

type allowAllSanctions struct{}

func (allowAllSanctions) ProviderName() string                         { return "elliptic" }
func (allowAllSanctions) Screen(context.Context, string) (bool, error) { return false, nil }

type allowAllKYC struct{}

func (allowAllKYC) ProviderName() string                           { return "persona" }
func (allowAllKYC) Verified(context.Context, string) (bool, error) { return true, nil }

const (
	testAgentID  = "agent-001"
	testWalletID = "wallet-7"
	testPayer    = "0x4fc9aab2e3a8d91c5be2f4e7d6a1b0c3d4e5f607"
	testPayee    = "0x000000000000000000000000000000000000dEaD"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.Load("")
	require.NoError(t, err)

	agents := agent.NewMemoryRepository()
	require.NoError(t, agents.PutAgent(ctx, agent.Agent{
		AgentID:   testAgentID,
		KYALevel:  agent.KYAVerified,
		WalletIDs: []string{testWalletID},
	}))
	require.NoError(t, agents.PutWallet(ctx, agent.Wallet{
		WalletID:       testWalletID,
		AgentID:        testAgentID,
		ChainAddresses: map[string]string{"base": testPayer},
	}))

	policies := policy.NewMemoryStore()
	require.NoError(t, policies.PutPolicy(ctx, policy.Policy{
		PolicyID: "pol-1", AgentID: testAgentID, LimitTotal: 1_000_000,
	}))

	adapter := rails.NewSimulatedAdapter("base", map[string]int64{
		testPayer + ":USDC": 1_000_000,
	})
	entries := ledger.NewMemoryStore()

	idemStore := idempotency.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = idemStore.Close() })

	engine := settlement.NewEngine(settlement.Config{
		ConfirmPoll: 5 * time.Millisecond,
		Approvers:   []string{"ops-lead"},
	}, settlement.Deps{
		Idempotency: idempotency.NewRunner(idemStore),
		Locks:       lockcache.NewMemoryLocker(),
		Balances:    lockcache.NewMemoryBalanceCache(),
		Compliance: compliance.NewGate(
			compliance.NewStaticRuleProvider([]string{"USDC"}, []string{"base"}, nil),
			allowAllSanctions{}, allowAllKYC{}, compliance.NewMemoryAuditStore(), nil,
		),
		Policies:    policy.NewEvaluator(policies, agents, nil),
		PolicyStore: policies,
		Velocity:    velocity.NewLimiter(velocity.DefaultLimits, nil),
		Behavior:    behavior.NewMonitor(behavior.SensitivityNormal),
		Confidence: confidence.NewScorer(
			confidence.Thresholds{AutoApprove: 0.01, ManagerApproval: 0.005, MultiSig: 0.001},
			confidence.Weights{},
		),
		Agents:   agents,
		Adapters: map[string]rails.Adapter{"base": adapter},
		Ledger:   entries,
	})
	workflow := approval.NewWorkflow(approval.NewMemoryRepository(), engine.HandleApprovalDecision, 0)
	engine.BindApprovals(workflow)

	cache := replay.NewMemoryCache(time.Minute)
	t.Cleanup(func() { _ = cache.Close() })
	verifier, err := mandate.NewVerifier(mandate.Settings{AllowedDomains: []string{"example.com"}}, cache)
	require.NoError(t, err)

	server := New(cfg, Deps{
		Verifier:      verifier,
		Engine:        engine,
		Approvals:     workflow,
		Agents:        agents,
		Policies:      policies,
		Subscriptions: webhook.NewMemorySubscriptions(),
		Ledger:        entries,
		Challenges:    NewStaticChallengeSource("5500", "USDC", "base", testPayee, time.Minute),
		ResolveX402Agent: func(_ context.Context, payer string) (string, string, error) {
			return testAgentID, testWalletID, nil
		},
	}, zerologTestLogger())

	ts := httptest.NewServer(server.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

// signedBundle builds a self-consistent AP2 chain signed with a fresh ed25519
// key. Non-production verification extracts the key from the proof's
// verification method.
func signedBundle(t *testing.T, paymentID string) map[string]json.RawMessage {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	expires := time.Now().Add(time.Hour).Unix()
	vm := "did:sardis:" + testAgentID + "#ed25519:" + hex.EncodeToString(pub)
	proof := func() *ap2.Proof {
		return &ap2.Proof{VerificationMethod: vm, Created: time.Now().Format(time.RFC3339), ProofPurpose: "authorization"}
	}

	intent := ap2.IntentMandate{
		Envelope: ap2.Envelope{
			MandateID: "intent-" + paymentID, MandateType: ap2.MandateTypeIntent,
			Issuer: testAgentID, Subject: testAgentID, Domain: "example.com",
			Nonce: "n1", ExpiresAt: expires, Proof: proof(),
		},
		RequestedAmount: 10000,
		MerchantDomain:  "shop.example.com",
		Scope:           "retail",
	}
	cart := ap2.CartMandate{
		Envelope: ap2.Envelope{
			MandateID: "cart-" + paymentID, MandateType: ap2.MandateTypeCart,
			Issuer: "shop.example.com", Subject: testAgentID, Domain: "example.com",
			Nonce: "n2", ExpiresAt: expires, Proof: proof(),
		},
		LineItems:      []ap2.LineItem{{SKU: "sku-1", Description: "widget", Quantity: 1, UnitMinor: 5000}},
		SubtotalMinor:  5000,
		TaxesMinor:     500,
		Currency:       "USDC",
		MerchantDomain: "shop.example.com",
	}
	payment := ap2.PaymentMandate{
		Envelope: ap2.Envelope{
			MandateID: paymentID, MandateType: ap2.MandateTypePayment,
			Issuer: testAgentID, Subject: testAgentID, Domain: "example.com",
			Nonce: "n3", ExpiresAt: expires, Proof: proof(),
		},
		AmountMinor:         5500,
		Token:               "USDC",
		Chain:               "base",
		Destination:         testPayee,
		AuditHash:           "aa",
		AIAgentPresence:     true,
		TransactionModality: ap2.ModalityHumanNotPresent,
		MerchantDomain:      "shop.example.com",
	}
	payment.Proof.ProofPurpose = ap2.ProofPurposeCheckout

	sign := func(m any, p *ap2.Proof) {
		message, err := ap2.SigningBytes(m)
		require.NoError(t, err)
		p.ProofValue = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, message))
	}
	sign(&intent, intent.Proof)
	sign(&cart, cart.Proof)
	sign(&payment, payment.Proof)

	marshal := func(v any) json.RawMessage {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		return raw
	}
	return map[string]json.RawMessage{
		"intent":  marshal(intent),
		"cart":    marshal(cart),
		"payment": marshal(payment),
	}
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestExecutePaymentSettles(t *testing.T) {
	ts := newTestServer(t)
	bundle := signedBundle(t, "payment-http-1")

	resp := postJSON(t, ts.URL+"/v1/payments/execute", bundle, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var receipt settlement.Receipt
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&receipt))
	assert.Equal(t, settlement.StatusSettled, receipt.Status)
	assert.Equal(t, "payment-http-1", receipt.PaymentID)
	assert.NotEmpty(t, receipt.TxHash)
}

func TestExecutePaymentIdempotencyKeyMismatch(t *testing.T) {
	ts := newTestServer(t)
	bundle := signedBundle(t, "payment-http-2")

	resp := postJSON(t, ts.URL+"/v1/payments/execute", bundle, map[string]string{
		"Idempotency-Key": "some-other-key",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecutePaymentRetryReturnsStoredReceipt(t *testing.T) {
	ts := newTestServer(t)
	bundle := signedBundle(t, "payment-http-retry")

	first := postJSON(t, ts.URL+"/v1/payments/execute", bundle, map[string]string{
		"Idempotency-Key": "payment-http-retry",
	})
	defer first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)
	var original settlement.Receipt
	require.NoError(t, json.NewDecoder(first.Body).Decode(&original))
	require.Equal(t, settlement.StatusSettled, original.Status)

	// Resending the same bundle (say, after a dropped response) must replay
	// the stored receipt instead of tripping mandate replay detection.
	second := postJSON(t, ts.URL+"/v1/payments/execute", bundle, map[string]string{
		"Idempotency-Key": "payment-http-retry",
	})
	defer second.Body.Close()
	require.Equal(t, http.StatusOK, second.StatusCode)
	var replayed settlement.Receipt
	require.NoError(t, json.NewDecoder(second.Body).Decode(&replayed))
	assert.Equal(t, original.TxHash, replayed.TxHash)
	assert.Equal(t, original.PaymentID, replayed.PaymentID)

	// The header is optional: the payment mandate ID identifies the retry.
	third := postJSON(t, ts.URL+"/v1/payments/execute", bundle, nil)
	defer third.Body.Close()
	require.Equal(t, http.StatusOK, third.StatusCode)
}

func TestExecutePaymentRejectsUnsignedBundle(t *testing.T) {
	ts := newTestServer(t)
	bundle := signedBundle(t, "payment-http-3")
	var payment map[string]any
	require.NoError(t, json.Unmarshal(bundle["payment"], &payment))
	payment["amount_minor"] = int64(9999) // breaks the signature
	raw, err := json.Marshal(payment)
	require.NoError(t, err)
	bundle["payment"] = raw

	resp := postJSON(t, ts.URL+"/v1/payments/execute", bundle, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestPaywallIssuesChallengeAndSettles(t *testing.T) {
	ts := newTestServer(t)
	url := ts.URL + "/v1/paid/resource"

	// First request: no payment header, expect a 402 challenge.
	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	challenge, err := x402.DecodeChallenge(resp.Header.Get(x402.HeaderPaymentRequired))
	require.NoError(t, err)
	assert.Equal(t, "5500", challenge.Amount)

	// Second request: answer the challenge.
	payload, err := x402.EncodeHeader(x402.Payload{
		Version:   challenge.Version,
		PaymentID: challenge.PaymentID,
		Amount:    challenge.Amount,
		Nonce:     challenge.Nonce,
		Payer:     testPayer,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set(x402.HeaderPaymentSignature, payload)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var data x402.SettlementData
	raw, err := base64JSON(resp2.Header.Get(x402.HeaderPaymentResponse))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &data))
	assert.True(t, data.Success)
	require.NotNil(t, data.TxHash)
	assert.NotEmpty(t, *data.TxHash)
}

func TestPaywallRejectsUnknownChallenge(t *testing.T) {
	ts := newTestServer(t)

	payload, err := x402.EncodeHeader(x402.Payload{
		Version: "2.0", PaymentID: "x402-forged", Amount: "5500", Nonce: "n", Payer: testPayer,
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/paid/resource", nil)
	require.NoError(t, err)
	req.Header.Set(x402.HeaderPaymentSignature, payload)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestApprovalNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/approvals/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPutSubscriptionValidation(t *testing.T) {
	ts := newTestServer(t)

	raw, err := json.Marshal(webhook.Subscription{EndpointID: "ep-1"})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/webhooks/subscriptions", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminAgentLifecycle(t *testing.T) {
	ts := newTestServer(t)

	body, err := json.Marshal(agent.Agent{
		AgentID:   "agent-new",
		OwnerID:   "org-1",
		Name:      "procurement bot",
		KYALevel:  agent.KYAVerified,
		WalletIDs: []string{"wallet-new"},
	})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/admin/agents", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created agent.Agent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, int64(1), created.Version)
	assert.True(t, created.Active)

	getResp, err := http.Get(ts.URL + "/v1/admin/agents/agent-new")
	require.NoError(t, err)
	getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	deactivate, err := http.Post(ts.URL+"/v1/admin/agents/agent-new/deactivate", "application/json", nil)
	require.NoError(t, err)
	deactivate.Body.Close()
	assert.Equal(t, http.StatusOK, deactivate.StatusCode)

	var after agent.Agent
	afterResp, err := http.Get(ts.URL + "/v1/admin/agents/agent-new")
	require.NoError(t, err)
	defer afterResp.Body.Close()
	require.NoError(t, json.NewDecoder(afterResp.Body).Decode(&after))
	assert.False(t, after.Active)
}

func TestAdminPutAgentRequiresID(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/admin/agents", bytes.NewReader([]byte(`{"name":"x"}`)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func base64JSON(header string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(header)
}

func zerologTestLogger() zerolog.Logger {
	return zerolog.Nop()
}
