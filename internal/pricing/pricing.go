// Package pricing computes session prices in integer minor currency units.
// No floating point is used anywhere in this path.
package pricing

import "github.com/wilgrace/session-sub001/internal/models"

// ResolveMemberPrice returns the per-person price an active member pays for
// one spot. Resolution order, first match wins:
//  1. template-level member price override
//  2. tier-level fixed session price
//  3. tier-level percentage discount off the drop-in price
//  4. the drop-in price unchanged
func ResolveMemberPrice(dropInPrice int64, templateOverride *int64, tier *models.Membership) int64 {
	if templateOverride != nil {
		return *templateOverride
	}
	if tier == nil {
		return dropInPrice
	}
	switch tier.DiscountType {
	case models.DiscountTypeFixed:
		if tier.FixedSessionPrice != nil {
			return *tier.FixedSessionPrice
		}
	case models.DiscountTypePercentage:
		if tier.DiscountPercent > 0 {
			return applyPercentDiscount(dropInPrice, tier.DiscountPercent)
		}
	}
	return dropInPrice
}

// applyPercentDiscount rounds to the nearest minor unit, half away from zero.
func applyPercentDiscount(price int64, percent int) int64 {
	if percent <= 0 {
		return price
	}
	if percent >= 100 {
		return 0
	}
	return (price*int64(100-percent) + 50) / 100
}

// Total is the line-item breakdown for one booking.
type Total struct {
	FirstPersonPrice      int64 `json:"first_person_price"`
	AdditionalPersonPrice int64 `json:"additional_person_price"`
	Subtotal              int64 `json:"subtotal"`
	MembershipFee         int64 `json:"membership_fee"`
	Total                 int64 `json:"total"`
	DiscountAmount        int64 `json:"discount_amount"`
}

// ComputeBookingTotal prices a booking of spots for one payer. Only the
// first person receives the member rate; every additional spot is charged
// at the drop-in price. When the payer is signing up for a membership in
// the same checkout, the recurring fee is added once.
func ComputeBookingTotal(
	spots int,
	isMember bool,
	isNewMembershipPurchase bool,
	dropInPrice int64,
	memberPrice int64,
	membershipFee int64,
) Total {
	if spots < 1 {
		spots = 1
	}

	firstPerson := dropInPrice
	if isMember || isNewMembershipPurchase {
		firstPerson = memberPrice
	}

	subtotal := firstPerson + int64(spots-1)*dropInPrice

	total := Total{
		FirstPersonPrice:      firstPerson,
		AdditionalPersonPrice: dropInPrice,
		Subtotal:              subtotal,
		Total:                 subtotal,
		DiscountAmount:        dropInPrice - firstPerson,
	}
	if isNewMembershipPurchase {
		total.MembershipFee = membershipFee
		total.Total += membershipFee
	}
	return total
}
