package card

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sardislabs/sardis/internal/httputil"
)

const lithicDefaultBaseURL = "https://api.lithic.com/v1"

// LithicProvider issues virtual cards through Lithic's REST API.
type LithicProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewLithicProvider builds a client against the production API; pass a
// non-empty baseURL to target the sandbox or a test server.
func NewLithicProvider(apiKey, baseURL string, timeout time.Duration) *LithicProvider {
	if baseURL == "" {
		baseURL = lithicDefaultBaseURL
	}
	return &LithicProvider{baseURL: baseURL, apiKey: apiKey, client: httputil.NewClient(timeout)}
}

func (p *LithicProvider) Name() string { return "lithic" }

type lithicCard struct {
	Token      string `json:"token"`
	Last4      string `json:"last_four"`
	State      string `json:"state"`
	SpendLimit int64  `json:"spend_limit"`
	Duration   string `json:"spend_limit_duration"`
	Created    string `json:"created"`
}

func (p *LithicProvider) CreateCard(ctx context.Context, req CreateRequest) (Card, error) {
	body := map[string]any{
		"type":                 "VIRTUAL",
		"memo":                 req.AgentID,
		"spend_limit":          req.SpendLimit,
		"spend_limit_duration": lithicDuration(req.LimitInterval),
	}
	var out lithicCard
	if err := p.do(ctx, http.MethodPost, "/cards", body, &out); err != nil {
		return Card{}, err
	}
	created, _ := time.Parse(time.RFC3339, out.Created)
	return Card{
		ProviderCardID: out.Token,
		Provider:       p.Name(),
		AgentID:        req.AgentID,
		WalletID:       req.WalletID,
		Last4:          out.Last4,
		Status:         lithicStatus(out.State),
		SpendLimit:     out.SpendLimit,
		LimitInterval:  req.LimitInterval,
		CreatedAt:      created,
	}, nil
}

func (p *LithicProvider) ActivateCard(ctx context.Context, id string) error {
	return p.setState(ctx, id, "OPEN")
}

func (p *LithicProvider) FreezeCard(ctx context.Context, id string) error {
	return p.setState(ctx, id, "PAUSED")
}

func (p *LithicProvider) UnfreezeCard(ctx context.Context, id string) error {
	return p.setState(ctx, id, "OPEN")
}

func (p *LithicProvider) CancelCard(ctx context.Context, id string) error {
	return p.setState(ctx, id, "CLOSED")
}

func (p *LithicProvider) setState(ctx context.Context, id, state string) error {
	return p.do(ctx, http.MethodPatch, "/cards/"+id, map[string]any{"state": state}, nil)
}

func (p *LithicProvider) UpdateLimits(ctx context.Context, id string, limits Limits) error {
	body := map[string]any{
		"spend_limit":          limits.SpendLimit,
		"spend_limit_duration": lithicDuration(limits.LimitInterval),
	}
	return p.do(ctx, http.MethodPatch, "/cards/"+id, body, nil)
}

func (p *LithicProvider) FundCard(ctx context.Context, id string, amountMinor int64) error {
	body := map[string]any{"card_token": id, "amount": amountMinor}
	return p.do(ctx, http.MethodPost, "/fund", body, nil)
}

func (p *LithicProvider) ListTransactions(ctx context.Context, id string) ([]Transaction, error) {
	var out struct {
		Data []struct {
			Token    string `json:"token"`
			Amount   int64  `json:"amount"`
			Status   string `json:"status"`
			Merchant struct {
				Descriptor string `json:"descriptor"`
			} `json:"merchant"`
			Created string `json:"created"`
		} `json:"data"`
	}
	path := "/transactions?card_token=" + url.QueryEscape(id)
	if err := p.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	txs := make([]Transaction, 0, len(out.Data))
	for _, tx := range out.Data {
		created, _ := time.Parse(time.RFC3339, tx.Created)
		txs = append(txs, Transaction{
			TransactionID: tx.Token,
			MerchantName:  tx.Merchant.Descriptor,
			AmountMinor:   tx.Amount,
			Status:        tx.Status,
			CreatedAt:     created,
		})
	}
	return txs, nil
}

func (p *LithicProvider) OwnsCard(ctx context.Context, id string) (bool, error) {
	err := p.do(ctx, http.MethodGet, "/cards/"+id, nil, nil)
	if err == nil {
		return true, nil
	}
	var apiErr *lithicError
	if errors.As(err, &apiErr) && apiErr.status == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

type lithicError struct {
	status int
	body   string
}

func (e *lithicError) Error() string {
	return fmt.Sprintf("lithic: status %d: %s", e.status, e.body)
}

func (p *LithicProvider) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("lithic: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("lithic: build request: %w", err)
	}
	req.Header.Set("Authorization", p.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("lithic: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &lithicError{status: resp.StatusCode, body: string(raw)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("lithic: decode response: %w", err)
		}
	}
	return nil
}

func lithicDuration(interval string) string {
	switch interval {
	case "daily":
		return "DAILY"
	case "monthly":
		return "MONTHLY"
	case "per_authorization":
		return "TRANSACTION"
	default:
		return "FOREVER"
	}
}

func lithicStatus(state string) Status {
	switch state {
	case "OPEN":
		return StatusActive
	case "PAUSED":
		return StatusFrozen
	case "CLOSED":
		return StatusCancelled
	default:
		return StatusPending
	}
}
