package models

import "time"

const (
	PricingTypeFree = "free"
	PricingTypePaid = "paid"

	VisibilityOpen   = "open"
	VisibilityHidden = "hidden"
	VisibilityClosed = "closed"
)

// SessionTemplate is the reusable definition of a bookable activity.
// Concrete occurrences are SessionInstances, either expanded ahead of time
// from the template's schedules or created lazily on first booking.
type SessionTemplate struct {
	ID              int64      `json:"id"`
	OrganizationID  int64      `json:"organization_id"`
	Name            string     `json:"name"`
	Description     *string    `json:"description"`
	Capacity        int        `json:"capacity"`
	DurationMinutes int        `json:"duration_minutes"`
	PricingType     string     `json:"pricing_type"`
	DropInPrice     int64      `json:"drop_in_price"`
	MemberPrice     *int64     `json:"member_price"`
	Visibility      string     `json:"visibility"`
	OneOffStartAt   *time.Time `json:"one_off_start_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (t *SessionTemplate) IsFree() bool {
	return t.PricingType == PricingTypeFree
}

// TemplateSchedule is one recurring weekly slot: weekday 0 (Sunday) through
// 6, start as minutes after midnight UTC.
type TemplateSchedule struct {
	ID           int64     `json:"id"`
	TemplateID   int64     `json:"template_id"`
	Weekday      int       `json:"weekday"`
	StartMinutes int       `json:"start_minutes"`
	CreatedAt    time.Time `json:"created_at"`
}
