package models

import "time"

const (
	InstanceStatusScheduled = "scheduled"
	InstanceStatusCancelled = "cancelled"
)

// SessionInstance is one concrete occurrence of a template. Identity is
// (template_id, start_at); the unique constraint on that pair is what makes
// lazy creation safe under concurrent first bookings.
type SessionInstance struct {
	ID                 int64      `json:"id"`
	TemplateID         int64      `json:"template_id"`
	OrganizationID     int64      `json:"organization_id"`
	StartAt            time.Time  `json:"start_at"`
	EndAt              time.Time  `json:"end_at"`
	Status             string     `json:"status"`
	CancellationReason *string    `json:"cancellation_reason"`
	CancelledAt        *time.Time `json:"cancelled_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// InstanceDetail is the read model handed to the catalog and booking views.
type InstanceDetail struct {
	SessionInstance
	TemplateName   string `json:"template_name"`
	Capacity       int    `json:"capacity"`
	SpotsRemaining int    `json:"spots_remaining"`
}

// CancelInstanceResult summarizes an instance cancellation for admin-facing
// confirmation messaging.
type CancelInstanceResult struct {
	CancelledBookings int `json:"cancelled_bookings"`
	RefundedBookings  int `json:"refunded_bookings"`
}
