package compliance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sardislabs/sardis/internal/httputil"
)

// StaticRuleProvider applies an in-config rule set: permitted tokens and
// chains, plus explicitly blocked destinations.
type StaticRuleProvider struct {
	AllowedTokens       map[string]bool
	AllowedChains       map[string]bool
	BlockedDestinations map[string]bool
}

// NewStaticRuleProvider builds the provider from config slices. Empty slices
// permit everything for that dimension.
func NewStaticRuleProvider(tokens, chains, blockedDestinations []string) *StaticRuleProvider {
	toSet := func(vals []string) map[string]bool {
		if len(vals) == 0 {
			return nil
		}
		m := make(map[string]bool, len(vals))
		for _, v := range vals {
			m[v] = true
		}
		return m
	}
	return &StaticRuleProvider{
		AllowedTokens:       toSet(tokens),
		AllowedChains:       toSet(chains),
		BlockedDestinations: toSet(blockedDestinations),
	}
}

func (p *StaticRuleProvider) CheckBaseRules(_ context.Context, check PaymentCheck) (string, error) {
	if p.AllowedTokens != nil && !p.AllowedTokens[check.Token] {
		return "token_not_permitted", nil
	}
	if p.AllowedChains != nil && !p.AllowedChains[check.Chain] {
		return "chain_not_permitted", nil
	}
	if p.BlockedDestinations[check.Destination] {
		return "destination_blocked", nil
	}
	return "", nil
}

// EllipticClient screens addresses through the Elliptic wallet screening API.
type EllipticClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	// RiskThreshold blocks addresses at or above this score.
	RiskThreshold float64
}

// NewEllipticClient constructs a client with a pooled HTTP transport.
func NewEllipticClient(baseURL, apiKey string, timeout time.Duration) *EllipticClient {
	return &EllipticClient{
		baseURL:       baseURL,
		apiKey:        apiKey,
		client:        httputil.NewClient(timeout),
		RiskThreshold: 7.0,
	}
}

func (c *EllipticClient) ProviderName() string { return "elliptic" }

func (c *EllipticClient) Screen(ctx context.Context, address string) (bool, error) {
	body, err := json.Marshal(map[string]any{
		"subject": map[string]string{"asset": "holistic", "type": "address", "hash": address},
		"type":    "wallet_exposure",
	})
	if err != nil {
		return false, fmt.Errorf("marshal screen request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/analyses", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build screen request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-access-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("screen address: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return false, fmt.Errorf("screen address: unexpected status %d", resp.StatusCode)
	}

	var result struct {
		RiskScore *float64 `json:"risk_score"`
		Sanctions bool     `json:"sanctions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decode screen response: %w", err)
	}
	if result.Sanctions {
		return true, nil
	}
	return result.RiskScore != nil && *result.RiskScore >= c.RiskThreshold, nil
}

// PersonaClient verifies subject KYC through the Persona inquiries API.
type PersonaClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewPersonaClient constructs a client with a pooled HTTP transport.
func NewPersonaClient(baseURL, apiKey string, timeout time.Duration) *PersonaClient {
	return &PersonaClient{baseURL: baseURL, apiKey: apiKey, client: httputil.NewClient(timeout)}
}

func (c *PersonaClient) ProviderName() string { return "persona" }

func (c *PersonaClient) Verified(ctx context.Context, subject string) (bool, error) {
	url := fmt.Sprintf("%s/api/v1/inquiries?filter[reference-id]=%s", c.baseURL, subject)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("build kyc request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("kyc lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("kyc lookup: unexpected status %d", resp.StatusCode)
	}

	var result struct {
		Data []struct {
			Attributes struct {
				Status string `json:"status"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decode kyc response: %w", err)
	}
	for _, inquiry := range result.Data {
		if inquiry.Attributes.Status == "completed" || inquiry.Attributes.Status == "approved" {
			return true, nil
		}
	}
	return false, nil
}

// LocalSanctionsList screens against a fixed in-process address set. It backs
// simulated deployments where no screening provider is configured.
type LocalSanctionsList struct {
	blocked map[string]bool
}

func NewLocalSanctionsList(addresses []string) *LocalSanctionsList {
	blocked := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		blocked[a] = true
	}
	return &LocalSanctionsList{blocked: blocked}
}

func (l *LocalSanctionsList) ProviderName() string { return "local" }

func (l *LocalSanctionsList) Screen(_ context.Context, address string) (bool, error) {
	return l.blocked[address], nil
}

// KYCFunc adapts a function to KYCClient, letting the agent registry back the
// verification check when no external provider is configured.
type KYCFunc func(ctx context.Context, subject string) (bool, error)

func (f KYCFunc) ProviderName() string { return "registry" }

func (f KYCFunc) Verified(ctx context.Context, subject string) (bool, error) {
	return f(ctx, subject)
}
