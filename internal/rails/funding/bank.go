package funding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sardislabs/sardis/internal/httputil"
)

// BankAdapter submits top-ups to the treasury's bank transfer gateway.
type BankAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewBankAdapter builds a client against the gateway's REST API.
func NewBankAdapter(baseURL, apiKey string, timeout time.Duration) *BankAdapter {
	return &BankAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  httputil.NewClient(timeout),
	}
}

func (a *BankAdapter) Name() string { return "bank" }
func (a *BankAdapter) Rail() string { return "ach" }

type bankTransfer struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	AmountMinor int64  `json:"amount_minor"`
}

func (a *BankAdapter) Fund(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(map[string]any{
		"wallet_id":    req.WalletID,
		"agent_id":     req.AgentID,
		"amount_minor": req.AmountMinor,
		"currency":     req.Currency,
		"reference":    req.Reference,
	})
	if err != nil {
		return Result{}, fmt.Errorf("bank: encode transfer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("bank: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("bank: submit transfer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("bank: transfer rejected: status %d: %s", resp.StatusCode, msg)
	}

	var out bankTransfer
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("bank: decode transfer: %w", err)
	}
	if out.Status == "rejected" {
		return Result{}, fmt.Errorf("bank: transfer %s rejected", out.ID)
	}
	return Result{
		Provider:    a.Name(),
		Rail:        a.Rail(),
		ExternalID:  out.ID,
		AmountMinor: req.AmountMinor,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
