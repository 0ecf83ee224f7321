package models

import "time"

const (
	BookingStatusPendingPayment = "pending_payment"
	BookingStatusConfirmed      = "confirmed"
	BookingStatusCancelled      = "cancelled"
	BookingStatusCompleted      = "completed"

	PaymentStatusUnpaid    = "unpaid"
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
)

// Booking reserves spots on one instance for one user. A booking holds its
// spots against capacity from the moment it exists, including while still
// pending_payment, until it is cancelled or expired.
type Booking struct {
	ID                int64     `json:"id"`
	OrganizationID    int64     `json:"organization_id"`
	SessionInstanceID int64     `json:"session_instance_id"`
	UserID            int64     `json:"user_id"`
	Reference         string    `json:"reference"`
	NumberOfSpots     int       `json:"number_of_spots"`
	Status            string    `json:"status"`
	PaymentStatus     string    `json:"payment_status"`
	UnitPrice         int64     `json:"unit_price"`
	DiscountAmount    int64     `json:"discount_amount"`
	AmountPaid        int64     `json:"amount_paid"`
	CheckoutSessionID *string   `json:"checkout_session_id"`
	PaymentIntentID   *string   `json:"payment_intent_id"`
	BookedAt          time.Time `json:"booked_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// HoldsSpots reports whether the booking counts against instance capacity.
func (b *Booking) HoldsSpots() bool {
	switch b.Status {
	case BookingStatusPendingPayment, BookingStatusConfirmed, BookingStatusCompleted:
		return true
	default:
		return false
	}
}

// BookingDetail is the booking read model exposed to the UI and emails.
type BookingDetail struct {
	Booking
	Instance *InstanceDetail `json:"instance,omitempty"`
	User     *UserSummary    `json:"user,omitempty"`
}
