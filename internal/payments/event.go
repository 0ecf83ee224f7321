// Package payments models the payment provider's webhook surface: the
// signed event envelope, the payload shapes this system consumes, and the
// metadata bag checkout flows round-trip through the provider.
package payments

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventCheckoutExpired     = "checkout.session.expired"
	EventPaymentFailed       = "payment_intent.payment_failed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// Event is the provider's envelope. Delivery is at-least-once and not
// guaranteed in order; ID is stable across redeliveries.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
	CreatedAt int64 `json:"created"`
}

func ParseEvent(payload []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("invalid event payload: %w", err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("event missing id or type")
	}
	return &event, nil
}

// CheckoutSession is the object carried by checkout.session.* events.
type CheckoutSession struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	PaymentStatus string            `json:"payment_status"`
	AmountTotal   int64             `json:"amount_total"`
	CustomerEmail string            `json:"customer_email"`
	CustomerName  string            `json:"customer_name"`
	Metadata      map[string]string `json:"metadata"`
}

func (e *Event) CheckoutSession() (*CheckoutSession, error) {
	var session CheckoutSession
	if err := json.Unmarshal(e.Data.Object, &session); err != nil {
		return nil, fmt.Errorf("invalid checkout session object: %w", err)
	}
	if session.ID == "" {
		return nil, fmt.Errorf("checkout session missing id")
	}
	return &session, nil
}

// PaymentIntent is the object carried by payment_intent.* events.
type PaymentIntent struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

func (e *Event) PaymentIntent() (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := json.Unmarshal(e.Data.Object, &intent); err != nil {
		return nil, fmt.Errorf("invalid payment intent object: %w", err)
	}
	if intent.ID == "" {
		return nil, fmt.Errorf("payment intent missing id")
	}
	return &intent, nil
}

// Subscription is the object carried by customer.subscription.* events.
// Period bounds are unix seconds and may be zero when the event does not
// refresh them.
type Subscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
}

func (e *Event) Subscription() (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(e.Data.Object, &sub); err != nil {
		return nil, fmt.Errorf("invalid subscription object: %w", err)
	}
	if sub.ID == "" {
		return nil, fmt.Errorf("subscription missing id")
	}
	return &sub, nil
}

func (s *Subscription) PeriodStart() *time.Time {
	return unixTime(s.CurrentPeriodStart)
}

func (s *Subscription) PeriodEnd() *time.Time {
	return unixTime(s.CurrentPeriodEnd)
}

func unixTime(seconds int64) *time.Time {
	if seconds <= 0 {
		return nil
	}
	t := time.Unix(seconds, 0).UTC()
	return &t
}

// Metadata keys this system writes into checkout sessions and reads back
// out of events.
const (
	MetaBookingReference = "booking_reference"
	MetaOrganizationID   = "organization_id"
	MetaTemplateID       = "template_id"
	MetaStartTime        = "start_time"
	MetaSpots            = "spots"
	MetaUserID           = "user_id"
	MetaMembershipID     = "membership_id"
)

func MetadataInt64(metadata map[string]string, key string) (int64, bool) {
	raw, ok := metadata[key]
	if !ok || raw == "" {
		return 0, false
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

func MetadataTime(metadata map[string]string, key string) (time.Time, bool) {
	raw, ok := metadata[key]
	if !ok || raw == "" {
		return time.Time{}, false
	}
	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return value.UTC(), true
}
