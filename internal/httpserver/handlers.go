package httpserver

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sardislabs/sardis/internal/anchor"
	"github.com/sardislabs/sardis/internal/approval"
	"github.com/sardislabs/sardis/internal/circuitbreaker"
	"github.com/sardislabs/sardis/internal/ledger"
	"github.com/sardislabs/sardis/internal/sarderr"
	"github.com/sardislabs/sardis/internal/settlement"
	"github.com/sardislabs/sardis/internal/webhook"
	"github.com/sardislabs/sardis/pkg/ap2"
)

func (s *handlers) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(serverStartTime).Seconds()),
		"chain_mode":     s.cfg.ChainMode,
	}
	if s.deps.Breakers != nil {
		body["breakers"] = map[string]string{
			"evm_rpc":       s.deps.Breakers.State(circuitbreaker.ServiceEVMRPC),
			"solana_rpc":    s.deps.Breakers.State(circuitbreaker.ServiceSolanaRPC),
			"card_api":      s.deps.Breakers.State(circuitbreaker.ServiceCard),
			"funding_api":   s.deps.Breakers.State(circuitbreaker.ServiceFunding),
			"sanctions_api": s.deps.Breakers.State(circuitbreaker.ServiceSanctions),
			"webhook":       s.deps.Breakers.State(circuitbreaker.ServiceWebhook),
		}
	}
	writeJSON(w, http.StatusOK, body)
}

type executeRequest struct {
	Intent  json.RawMessage `json:"intent"`
	Cart    json.RawMessage `json:"cart"`
	Payment json.RawMessage `json:"payment"`
	// WalletID selects the paying wallet; empty falls back to the agent's
	// first registered wallet.
	WalletID string `json:"wallet_id"`
}

// executePayment verifies an AP2 bundle and drives it through settlement.
func (s *handlers) executePayment(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, sarderr.Wrap(sarderr.CodeInvalidPayload, err))
		return
	}

	// Retries of an already-settled payment are answered from the idempotency
	// store before verification; the resent bundle would otherwise trip the
	// replay check.
	reference := r.Header.Get("Idempotency-Key")
	if reference == "" {
		var peek struct {
			MandateID string `json:"mandate_id"`
		}
		_ = json.Unmarshal(req.Payment, &peek)
		reference = peek.MandateID
	}
	if reference != "" {
		if receipt, ok, err := s.deps.Engine.SettledReceipt(r.Context(), reference); err == nil && ok {
			writeJSON(w, http.StatusOK, receipt)
			return
		}
	}

	result := s.deps.Verifier.VerifyChain(r.Context(), ap2.Bundle{
		Intent:  req.Intent,
		Cart:    req.Cart,
		Payment: req.Payment,
	})
	if !result.Accepted {
		writeReject(w, result.Reason)
		return
	}

	// The idempotency key is always the payment mandate ID; a mismatched
	// header means the caller is replaying the wrong request.
	if key := r.Header.Get("Idempotency-Key"); key != "" && key != result.Chain.Payment.MandateID {
		writeError(w, r, sarderr.New(sarderr.CodeInvalidPayload,
			"Idempotency-Key %q does not match payment mandate %s", key, result.Chain.Payment.MandateID))
		return
	}

	walletID := req.WalletID
	if walletID == "" {
		a, err := s.deps.Agents.GetAgent(r.Context(), result.Chain.Payment.Subject)
		if err != nil || len(a.WalletIDs) == 0 {
			writeError(w, r, sarderr.New(sarderr.CodeInvalidPayload,
				"no wallet for agent %s", result.Chain.Payment.Subject))
			return
		}
		walletID = a.WalletIDs[0]
	}

	receipt, err := s.deps.Engine.DispatchPayment(r.Context(), settlement.PaymentFromChain(result.Chain, walletID))
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if receipt.Status == settlement.StatusPendingApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, receipt)
}

type decisionRequest struct {
	Approver string `json:"approver"`
	Reason   string `json:"reason,omitempty"`
}

func (s *handlers) getApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Approvals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *handlers) approveRequest(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if err := decodeBody(r, &body); err != nil || body.Approver == "" {
		writeError(w, r, sarderr.New(sarderr.CodeInvalidPayload, "approver is required"))
		return
	}
	req, quorumReached, err := s.deps.Approvals.Approve(r.Context(), chi.URLParam(r, "id"), body.Approver)
	if err != nil {
		writeApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request":        req,
		"quorum_reached": quorumReached,
	})
}

func (s *handlers) rejectRequest(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if err := decodeBody(r, &body); err != nil || body.Approver == "" {
		writeError(w, r, sarderr.New(sarderr.CodeInvalidPayload, "approver is required"))
		return
	}
	req, err := s.deps.Approvals.Reject(r.Context(), chi.URLParam(r, "id"), body.Approver, body.Reason)
	if err != nil {
		writeApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *handlers) cancelRequest(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, sarderr.New(sarderr.CodeInvalidPayload, "invalid body"))
		return
	}
	req, err := s.deps.Approvals.Cancel(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		writeApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func writeApprovalError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Code: "not_found", Message: err.Error()}})
	case errors.Is(err, approval.ErrNotPending),
		errors.Is(err, approval.ErrExpired),
		errors.Is(err, approval.ErrAlreadyVoted):
		writeJSON(w, http.StatusConflict, errorBody{Error: errorDetail{Code: "conflict", Message: err.Error()}})
	case errors.Is(err, approval.ErrNotApprover):
		writeJSON(w, http.StatusForbidden, errorBody{Error: errorDetail{Code: "forbidden", Message: err.Error()}})
	default:
		writeError(w, r, err)
	}
}

func (s *handlers) putSubscription(w http.ResponseWriter, r *http.Request) {
	var sub webhook.Subscription
	if err := decodeBody(r, &sub); err != nil {
		writeError(w, r, sarderr.Wrap(sarderr.CodeInvalidPayload, err))
		return
	}
	if sub.EndpointID == "" || sub.URL == "" || sub.Secret == "" {
		writeError(w, r, sarderr.New(sarderr.CodeInvalidPayload, "endpoint_id, url, and secret are required"))
		return
	}
	if err := s.deps.Subscriptions.Put(r.Context(), sub); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *handlers) listLedgerEntries(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := s.deps.Ledger.ListForAgent(r.Context(), chi.URLParam(r, "agentID"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// entryProof returns the Merkle inclusion proof for an anchored entry.
func (s *handlers) entryProof(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryID")
	entry, err := s.deps.Ledger.Get(r.Context(), entryID)
	if err != nil {
		if errors.Is(err, ledger.ErrEntryNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Code: "not_found", Message: err.Error()}})
			return
		}
		writeError(w, r, err)
		return
	}
	if s.deps.Anchors == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Code: "not_anchored", Message: "anchoring is disabled"}})
		return
	}
	proof, anchored, err := s.deps.Anchors.ProofForEntry(r.Context(), entryID)
	if err != nil {
		if errors.Is(err, anchor.ErrAnchorNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Code: "not_anchored", Message: "entry is not yet anchored"}})
			return
		}
		writeError(w, r, err)
		return
	}
	hash, err := entry.Hash()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entry_id":    entryID,
		"entry_hash":  hex.EncodeToString(hash[:]),
		"anchor_id":   anchored.AnchorID,
		"merkle_root": anchored.MerkleRoot,
		"tx_hash":     anchored.TxHash,
		"proof":       proof,
	})
}

// paidResource is the demonstration endpoint behind the x402 paywall.
func (s *handlers) paidResource(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": "premium resource"})
}
