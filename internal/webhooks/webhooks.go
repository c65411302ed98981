// Package webhooks delivers broker event notifications to external services.
//
// Identities register webhook URLs to receive notifications about offer
// lifecycle transitions, disputes, and deposits.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fairbroker/fairbroker/internal/metrics"
	"github.com/fairbroker/fairbroker/internal/retry"
	"github.com/fairbroker/fairbroker/internal/security"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventOfferCreated     EventType = "offer.created"
	EventOfferAccepted    EventType = "offer.accepted"
	EventCompletionMarked EventType = "offer.completion_marked"
	EventFundsReleased    EventType = "offer.funds_released"
	EventOfferCancelled   EventType = "offer.cancelled"
	EventDisputeOpened    EventType = "dispute.opened"
	EventDisputeResolved  EventType = "dispute.resolved"
	EventBalanceDeposit   EventType = "balance.deposit"
)

// KnownEvent reports whether t is a deliverable event type.
func KnownEvent(t EventType) bool {
	switch t {
	case EventOfferCreated, EventOfferAccepted, EventCompletionMarked,
		EventFundsReleased, EventOfferCancelled,
		EventDisputeOpened, EventDisputeResolved, EventBalanceDeposit:
		return true
	}
	return false
}

// Event represents a webhook event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	Identity            string      `json:"identity"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByIdentity(ctx context.Context, identity string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// maxConsecutiveFailures disables a subscription that keeps failing.
const maxConsecutiveFailures = 10

// Delivery retry policy. Attempts beyond the first only happen for network
// errors and 5xx responses.
const (
	deliveryAttempts  = 3
	deliveryBaseDelay = time.Second
)

// Dispatcher sends webhook events
type Dispatcher struct {
	store         Store
	client        *http.Client
	urlValidator  func(string) error
	defaultSecret string
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		urlValidator: security.ValidateEndpointURL,
	}
}

// WithDefaultSecret sets the signing secret used for subscriptions that
// were created without one.
func (d *Dispatcher) WithDefaultSecret(secret string) *Dispatcher {
	d.defaultSecret = secret
	return d
}

// Store returns the subscription store backing this dispatcher.
func (d *Dispatcher) Store() Store {
	return d.store
}

// Dispatch sends an event to all subscribers of its type
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		// Send async to avoid blocking
		go d.send(ctx, sub, event)
	}

	return nil
}

// DispatchToIdentity sends an event to a specific identity's webhooks
func (d *Dispatcher) DispatchToIdentity(ctx context.Context, identity string, event *Event) error {
	subs, err := d.store.GetByIdentity(ctx, identity)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		// Check if subscribed to this event type
		for _, et := range sub.Events {
			if et == event.Type {
				go d.send(ctx, sub, event)
				break
			}
		}
	}

	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	// DNS can change between registration and delivery
	if err := d.urlValidator(sub.URL); err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("unsafe url: %v", err))
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	// Detached from the caller's cancellation: delivery is fire-and-forget
	// and the client timeout bounds each attempt.
	deliverCtx := context.WithoutCancel(ctx)

	// Sign the payload if a secret is available
	secret := sub.Secret
	if secret == "" {
		secret = d.defaultSecret
	}

	// Network errors and 5xx responses get retried with backoff; a 4xx
	// response means the endpoint rejected the event and will keep doing so.
	err = retry.Do(deliverCtx, deliveryAttempts, deliveryBaseDelay, func() error {
		req, err := http.NewRequestWithContext(deliverCtx, "POST", sub.URL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Fairbroker-Event", string(event.Type))
		req.Header.Set("X-Fairbroker-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
		if secret != "" {
			req.Header.Set("X-Fairbroker-Signature", sign(payload, secret))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		default:
			return fmt.Errorf("status %d", resp.StatusCode)
		}
	})

	if err != nil {
		d.updateError(ctx, sub, err.Error())
		return
	}
	d.updateSuccess(ctx, sub)
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
	}
	d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("subscription not found")
}

func (m *MemoryStore) GetByIdentity(ctx context.Context, identity string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Identity == identity {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				result = append(result, sub)
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
