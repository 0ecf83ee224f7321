package models

import "time"

// ReconciliationFailure records a payment event that was received but could
// not be fully processed. The webhook endpoint still answers 200 to stop
// provider retry storms, so this row is where the failure stays visible.
type ReconciliationFailure struct {
	ID               int64     `json:"id"`
	OrganizationID   *int64    `json:"organization_id"`
	EventID          string    `json:"event_id"`
	EventType        string    `json:"event_type"`
	BookingReference *string   `json:"booking_reference"`
	Reason           string    `json:"reason"`
	Details          *string   `json:"details"`
	CreatedAt        time.Time `json:"created_at"`
}
