// Package webhook delivers signed event notifications to subscriber
// endpoints with bounded retries and a dead-letter queue.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Event types emitted by settlement.
const (
	EventPaymentInitiated = "payment.initiated"
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventPolicyBlocked    = "policy.blocked"
	EventRiskAlert        = "risk.alert"
)

// Subscription registers an endpoint for a set of event types. An empty
// Events list subscribes to everything.
type Subscription struct {
	EndpointID string   `json:"endpoint_id"`
	URL        string   `json:"url"`
	Secret     string   `json:"secret"`
	Events     []string `json:"events"`
	Enabled    bool     `json:"enabled"`
}

// Wants reports whether the subscription covers the event type.
func (s Subscription) Wants(eventType string) bool {
	if !s.Enabled {
		return false
	}
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Event is the payload wrapper delivered to endpoints.
type Event struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// DeliveryStatus is the lifecycle of one queued delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryDead      DeliveryStatus = "dead"
)

// Attempt records one delivery try.
type Attempt struct {
	StatusCode   int       `json:"status_code,omitempty"`
	ResponseBody string    `json:"response_body,omitempty"`
	Error        string    `json:"error,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	At           time.Time `json:"at"`
}

// Delivery is one event bound for one endpoint.
type Delivery struct {
	DeliveryID  string         `json:"delivery_id"`
	EndpointID  string         `json:"endpoint_id"`
	URL         string         `json:"url"`
	Secret      string         `json:"secret"`
	Event       Event          `json:"event"`
	Body        []byte         `json:"body"`
	Status      DeliveryStatus `json:"status"`
	Attempts    []Attempt      `json:"attempts"`
	NextRetryAt time.Time      `json:"next_retry_at"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Sign computes the hex HMAC-SHA256 of the raw body with the subscription
// secret, as carried in X-Sardis-Signature.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against the body.
func VerifySignature(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
