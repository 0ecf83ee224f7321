package models

import "time"

const (
	DiscountTypePercentage = "percentage"
	DiscountTypeFixed      = "fixed"

	BillingPeriodMonth = "month"
	BillingPeriodYear  = "year"
)

const (
	MembershipStatusNone      = "none"
	MembershipStatusActive    = "active"
	MembershipStatusCancelled = "cancelled"
	MembershipStatusExpired   = "expired"
)

// Membership is an organization-defined tier: what it costs and what
// discount an active subscriber receives on paid sessions.
type Membership struct {
	ID                int64     `json:"id"`
	OrganizationID    int64     `json:"organization_id"`
	Name              string    `json:"name"`
	Price             int64     `json:"price"`
	BillingPeriod     string    `json:"billing_period"`
	DiscountType      string    `json:"discount_type"`
	DiscountPercent   int       `json:"discount_percent"`
	FixedSessionPrice *int64    `json:"fixed_session_price"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// UserMembership is the (user, organization) subscription record. At most
// one row exists per pair; writes go through an upsert on that key.
type UserMembership struct {
	ID                     int64      `json:"id"`
	UserID                 int64      `json:"user_id"`
	OrganizationID         int64      `json:"organization_id"`
	MembershipID           *int64     `json:"membership_id"`
	Status                 string     `json:"status"`
	CurrentPeriodStart     *time.Time `json:"current_period_start"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end"`
	ExternalSubscriptionID *string    `json:"external_subscription_id"`
	CancelledAt            *time.Time `json:"cancelled_at"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// IsActiveForBenefits reports whether the membership still grants member
// pricing at the given instant. A cancelled membership keeps its benefits
// until the paid period runs out.
func (m *UserMembership) IsActiveForBenefits(now time.Time) bool {
	if m == nil {
		return false
	}
	switch m.Status {
	case MembershipStatusActive:
		return true
	case MembershipStatusCancelled:
		return m.CurrentPeriodEnd != nil && now.Before(*m.CurrentPeriodEnd)
	default:
		return false
	}
}
