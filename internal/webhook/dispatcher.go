package webhook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sardislabs/sardis/internal/canonical"
	"github.com/sardislabs/sardis/internal/httputil"
	"github.com/sardislabs/sardis/internal/logger"
)

const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = 30 * time.Second
)

// SubscriptionStore lists the registered endpoints.
type SubscriptionStore interface {
	List(ctx context.Context) ([]Subscription, error)
	Put(ctx context.Context, s Subscription) error
}

// MemorySubscriptions is the in-process subscription store.
type MemorySubscriptions struct {
	mu   sync.RWMutex
	subs map[string]Subscription
}

func NewMemorySubscriptions() *MemorySubscriptions {
	return &MemorySubscriptions{subs: make(map[string]Subscription)}
}

func (m *MemorySubscriptions) Put(_ context.Context, s Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[s.EndpointID] = s
	return nil
}

func (m *MemorySubscriptions) List(_ context.Context) ([]Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out, nil
}

// Dispatcher queues and delivers webhooks. Failed deliveries retry with
// exponential backoff until maxAttempts, then land in the dead-letter queue.
type Dispatcher struct {
	subs        SubscriptionStore
	client      *http.Client
	maxAttempts int
	baseBackoff time.Duration
	now         func() time.Time

	mu         sync.Mutex
	queue      map[string]*Delivery
	deadLetter []Delivery

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewDispatcher builds a dispatcher with a pooled HTTP client.
func NewDispatcher(subs SubscriptionStore, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		subs:        subs,
		client:      httputil.NewClient(timeout),
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		now:         time.Now,
		queue:       make(map[string]*Delivery),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// SetRetryPolicy overrides the retry schedule. Zero values keep the defaults.
// Call before Start.
func (d *Dispatcher) SetRetryPolicy(maxAttempts int, baseBackoff time.Duration) {
	if maxAttempts > 0 {
		d.maxAttempts = maxAttempts
	}
	if baseBackoff > 0 {
		d.baseBackoff = baseBackoff
	}
}

// Emit enqueues the event for every subscription that wants it. The body is
// canonical JSON so the signature is stable across redeliveries.
func (d *Dispatcher) Emit(ctx context.Context, eventType string, data map[string]any) error {
	event := Event{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: d.now().UTC(),
		Data:      data,
	}
	body, err := canonical.Canonicalize(event)
	if err != nil {
		return err
	}

	subs, err := d.subs.List(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	for _, sub := range subs {
		if !sub.Wants(eventType) {
			continue
		}
		delivery := &Delivery{
			DeliveryID:  uuid.New().String(),
			EndpointID:  sub.EndpointID,
			URL:         sub.URL,
			Secret:      sub.Secret,
			Event:       event,
			Body:        body,
			Status:      DeliveryPending,
			NextRetryAt: d.now(),
			CreatedAt:   d.now().UTC(),
		}
		d.queue[delivery.DeliveryID] = delivery
	}
	d.mu.Unlock()
	return nil
}

// ProcessDue attempts every pending delivery whose retry time has passed.
// Returns the number of deliveries attempted.
func (d *Dispatcher) ProcessDue(ctx context.Context) int {
	now := d.now()
	d.mu.Lock()
	var due []*Delivery
	for _, delivery := range d.queue {
		if delivery.Status == DeliveryPending && !delivery.NextRetryAt.After(now) {
			due = append(due, delivery)
		}
	}
	d.mu.Unlock()

	for _, delivery := range due {
		d.attempt(ctx, delivery)
	}
	return len(due)
}

func (d *Dispatcher) attempt(ctx context.Context, delivery *Delivery) {
	start := d.now()
	attempt := Attempt{At: start.UTC()}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.URL, bytes.NewReader(delivery.Body))
	if err != nil {
		attempt.Error = err.Error()
	} else {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Sardis-Signature", Sign(delivery.Body, delivery.Secret))
		req.Header.Set("X-Sardis-Event", delivery.Event.EventType)

		resp, err := d.client.Do(req)
		if err != nil {
			attempt.Error = err.Error()
		} else {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			attempt.StatusCode = resp.StatusCode
			attempt.ResponseBody = string(raw)
		}
	}
	attempt.DurationMS = d.now().Sub(start).Milliseconds()

	d.mu.Lock()
	defer d.mu.Unlock()
	delivery.Attempts = append(delivery.Attempts, attempt)

	if attempt.StatusCode >= 200 && attempt.StatusCode < 300 {
		delivery.Status = DeliveryDelivered
		delete(d.queue, delivery.DeliveryID)
		return
	}

	if len(delivery.Attempts) >= d.maxAttempts {
		delivery.Status = DeliveryDead
		d.deadLetter = append(d.deadLetter, *delivery)
		delete(d.queue, delivery.DeliveryID)
		logger.FromContext(ctx).Error().
			Str("delivery_id", delivery.DeliveryID).
			Str("endpoint_id", delivery.EndpointID).
			Str("event_type", delivery.Event.EventType).
			Int("attempts", len(delivery.Attempts)).
			Msg("webhook.dead_lettered")
		return
	}

	// Exponential backoff: base, 2x, 4x, ...
	backoff := d.baseBackoff << (len(delivery.Attempts) - 1)
	delivery.NextRetryAt = d.now().Add(backoff)
	logger.FromContext(ctx).Warn().
		Str("delivery_id", delivery.DeliveryID).
		Str("endpoint_id", delivery.EndpointID).
		Int("attempt", len(delivery.Attempts)).
		Dur("retry_in", backoff).
		Msg("webhook.delivery_retry")
}

// DeadLetters returns a copy of the dead-letter queue.
func (d *Dispatcher) DeadLetters() []Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Delivery, len(d.deadLetter))
	copy(out, d.deadLetter)
	return out
}

// Pending returns the number of queued deliveries.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Start launches the background delivery loop.
func (d *Dispatcher) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	d.startOnce.Do(func() {
		go func() {
			defer close(d.doneCh)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-d.stopCh:
					return
				case <-ticker.C:
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					d.ProcessDue(ctx)
					cancel()
				}
			}
		}()
	})
}

// Stop halts the loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.doneCh
	})
}
