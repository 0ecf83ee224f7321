// Package capacity computes how many spots remain on a session instance.
// It is pure: safe to call from pre-transaction validation, from inside a
// transaction against freshly-read rows, or from read-only display paths.
// The reservation path must still reject before inserting; the clamp here
// only protects display code from negative numbers.
package capacity

import "github.com/wilgrace/session-sub001/internal/models"

// SpotsHeld sums the spots of every booking that counts against capacity
// (pending_payment, confirmed, completed).
func SpotsHeld(bookings []models.Booking) int {
	held := 0
	for i := range bookings {
		if bookings[i].HoldsSpots() {
			held += bookings[i].NumberOfSpots
		}
	}
	return held
}

// Fits reports whether requested spots still fit the template capacity
// given the spots already held.
func Fits(templateCapacity, held, requested int) bool {
	return held+requested <= templateCapacity
}

// SpotsRemaining returns template capacity minus held spots, clamped to 0.
func SpotsRemaining(templateCapacity int, bookings []models.Booking) int {
	remaining := templateCapacity - SpotsHeld(bookings)
	if remaining < 0 {
		return 0
	}
	return remaining
}
