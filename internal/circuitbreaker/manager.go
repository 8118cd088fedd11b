// Package circuitbreaker isolates external dependencies behind per-service
// breakers so one failing provider cannot cascade into the rest.
package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/sardislabs/sardis/internal/config"
)

// ServiceType names an external dependency with its own breaker.
type ServiceType string

const (
	ServiceEVMRPC    ServiceType = "evm_rpc"
	ServiceSolanaRPC ServiceType = "solana_rpc"
	ServiceCard      ServiceType = "card_api"
	ServiceFunding   ServiceType = "funding_api"
	ServiceSanctions ServiceType = "sanctions_api"
	ServiceWebhook   ServiceType = "webhook"
)

// BreakerConfig configures a single breaker.
type BreakerConfig struct {
	// MaxRequests passes through in half-open state.
	MaxRequests uint32
	// Interval clears closed-state counts; 0 never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// Trip on ConsecutiveFailures, or on FailureRatio once MinRequests
	// have been observed.
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// Config holds per-service breaker settings.
type Config struct {
	Enabled      bool
	EVMRPC       BreakerConfig
	SolanaRPC    BreakerConfig
	CardAPI      BreakerConfig
	FundingAPI   BreakerConfig
	SanctionsAPI BreakerConfig
	Webhook      BreakerConfig
}

// Manager holds one breaker per external service. A disabled manager passes
// every call through.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	enabled  bool
}

// NewManagerFromConfig maps the application config onto a Manager.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig) *Manager {
	return NewManager(Config{
		Enabled:      cfg.Enabled,
		EVMRPC:       fromService(cfg.EVMRPC),
		SolanaRPC:    fromService(cfg.SolanaRPC),
		CardAPI:      fromService(cfg.CardAPI),
		FundingAPI:   fromService(cfg.FundingAPI),
		SanctionsAPI: fromService(cfg.SanctionsAPI),
		Webhook:      fromService(cfg.Webhook),
	})
}

func fromService(s config.BreakerServiceConfig) BreakerConfig {
	return BreakerConfig{
		MaxRequests:         s.MaxRequests,
		Interval:            s.Interval.Duration,
		Timeout:             s.Timeout.Duration,
		ConsecutiveFailures: s.ConsecutiveFailures,
		FailureRatio:        s.FailureRatio,
		MinRequests:         s.MinRequests,
	}
}

// NewManager builds breakers for every service.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		enabled:  cfg.Enabled,
	}
	if !cfg.Enabled {
		return m
	}
	for service, bc := range map[ServiceType]BreakerConfig{
		ServiceEVMRPC:    cfg.EVMRPC,
		ServiceSolanaRPC: cfg.SolanaRPC,
		ServiceCard:      cfg.CardAPI,
		ServiceFunding:   cfg.FundingAPI,
		ServiceSanctions: cfg.SanctionsAPI,
		ServiceWebhook:   cfg.Webhook,
	} {
		m.breakers[service] = gobreaker.NewCircuitBreaker(settings(string(service), bc))
	}
	return m
}

// Execute runs fn under the service's breaker, or directly when breakers are
// disabled or the service has none.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if !m.enabled {
		return fn()
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return breaker.Execute(fn)
}

// State reports the breaker state for health endpoints.
func (m *Manager) State(service ServiceType) string {
	if !m.enabled {
		return "disabled"
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

// Counts mirrors gobreaker's statistics without exposing the dependency.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Counts returns the service's current statistics.
func (m *Manager) Counts(service ServiceType) Counts {
	breaker, ok := m.breakers[service]
	if !m.enabled || !ok {
		return Counts{}
	}
	c := breaker.Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

func settings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= cfg.FailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("breaker.state_change")
		},
	}
}
