package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/wilgrace/session-sub001/internal/models"
)

const bookingColumns = `id, organization_id, session_instance_id, user_id, reference,
		number_of_spots, status, payment_status, unit_price, discount_amount, amount_paid,
		checkout_session_id, payment_intent_id, booked_at, updated_at`

type CreateBookingInput struct {
	OrganizationID    int64
	SessionInstanceID int64
	UserID            int64
	Reference         string
	NumberOfSpots     int
	Status            string
	PaymentStatus     string
	UnitPrice         int64
	DiscountAmount    int64
	AmountPaid        int64
	CheckoutSessionID *string
	PaymentIntentID   *string
}

type BookingListFilter struct {
	OrganizationID    int64
	UserID            int64
	SessionInstanceID int64
	Status            string
	Timeframe         string
}

type BookingRepository struct {
	db DBTX
}

func NewBookingRepository(db DBTX) *BookingRepository {
	return &BookingRepository{db: db}
}

func scanBooking(row interface{ Scan(dest ...any) error }, b *models.Booking) error {
	return row.Scan(
		&b.ID,
		&b.OrganizationID,
		&b.SessionInstanceID,
		&b.UserID,
		&b.Reference,
		&b.NumberOfSpots,
		&b.Status,
		&b.PaymentStatus,
		&b.UnitPrice,
		&b.DiscountAmount,
		&b.AmountPaid,
		&b.CheckoutSessionID,
		&b.PaymentIntentID,
		&b.BookedAt,
		&b.UpdatedAt,
	)
}

// CreateIfCapacity inserts the booking only while held spots plus the new
// spots still fit the template capacity, reading and inserting in one
// statement. Callers must hold the per-instance advisory lock: under read
// committed, two concurrent inserts can each pass the subquery against a
// snapshot that excludes the other. A full instance surfaces as
// pgx.ErrNoRows.
func (r *BookingRepository) CreateIfCapacity(ctx context.Context, input CreateBookingInput) (*models.Booking, error) {
	query := `
		INSERT INTO bookings
			(organization_id, session_instance_id, user_id, reference, number_of_spots,
			 status, payment_status, unit_price, discount_amount, amount_paid,
			 checkout_session_id, payment_intent_id)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		WHERE (
			SELECT t.capacity - COALESCE(SUM(b.number_of_spots) FILTER (
				WHERE b.status IN ('pending_payment', 'confirmed', 'completed')
			), 0)
			FROM session_instances si
			JOIN session_templates t ON t.id = si.template_id
			LEFT JOIN bookings b ON b.session_instance_id = si.id
			WHERE si.id = $2
			GROUP BY t.capacity
		) >= $5
		RETURNING ` + bookingColumns + `
	`
	var booking models.Booking
	err := scanBooking(r.db.QueryRow(
		ctx,
		query,
		input.OrganizationID,
		input.SessionInstanceID,
		input.UserID,
		input.Reference,
		input.NumberOfSpots,
		input.Status,
		input.PaymentStatus,
		input.UnitPrice,
		input.DiscountAmount,
		input.AmountPaid,
		input.CheckoutSessionID,
		input.PaymentIntentID,
	), &booking)
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

func (r *BookingRepository) GetByID(ctx context.Context, bookingID int64) (*models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE id = $1
	`
	var booking models.Booking
	if err := scanBooking(r.db.QueryRow(ctx, query, bookingID), &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

func (r *BookingRepository) GetByIDForUpdate(ctx context.Context, bookingID int64) (*models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE id = $1
		FOR UPDATE
	`
	var booking models.Booking
	if err := scanBooking(r.db.QueryRow(ctx, query, bookingID), &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

func (r *BookingRepository) GetByReference(ctx context.Context, reference string) (*models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE reference = $1
	`
	var booking models.Booking
	if err := scanBooking(r.db.QueryRow(ctx, query, reference), &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

// GetByCheckoutSessionID resolves the booking minted for a checkout
// session. A unique partial index keeps one booking per session id.
func (r *BookingRepository) GetByCheckoutSessionID(ctx context.Context, checkoutSessionID string) (*models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE checkout_session_id = $1
	`
	var booking models.Booking
	if err := scanBooking(r.db.QueryRow(ctx, query, checkoutSessionID), &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

func (r *BookingRepository) List(ctx context.Context, filter BookingListFilter) ([]models.Booking, error) {
	args := []any{filter.OrganizationID}
	whereParts := []string{"bk.organization_id = $1"}

	if filter.UserID > 0 {
		args = append(args, filter.UserID)
		whereParts = append(whereParts, fmt.Sprintf("bk.user_id = $%d", len(args)))
	}
	if filter.SessionInstanceID > 0 {
		args = append(args, filter.SessionInstanceID)
		whereParts = append(whereParts, fmt.Sprintf("bk.session_instance_id = $%d", len(args)))
	}
	if status := strings.TrimSpace(filter.Status); status != "" {
		args = append(args, status)
		whereParts = append(whereParts, fmt.Sprintf("bk.status = $%d", len(args)))
	}

	switch strings.TrimSpace(filter.Timeframe) {
	case "upcoming":
		whereParts = append(whereParts, "si.end_at > NOW()")
	case "past":
		whereParts = append(whereParts, "si.end_at <= NOW()")
	}

	query := fmt.Sprintf(`
		SELECT bk.id, bk.organization_id, bk.session_instance_id, bk.user_id, bk.reference,
			bk.number_of_spots, bk.status, bk.payment_status, bk.unit_price, bk.discount_amount,
			bk.amount_paid, bk.checkout_session_id, bk.payment_intent_id, bk.booked_at, bk.updated_at
		FROM bookings bk
		JOIN session_instances si ON si.id = bk.session_instance_id
		WHERE %s
		ORDER BY si.start_at ASC, bk.id ASC
	`, strings.Join(whereParts, " AND "))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bookings := make([]models.Booking, 0)
	for rows.Next() {
		var booking models.Booking
		if err := scanBooking(rows, &booking); err != nil {
			return nil, err
		}
		bookings = append(bookings, booking)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return bookings, nil
}

func (r *BookingRepository) SumHeldSpots(ctx context.Context, instanceID int64) (int, error) {
	query := `
		SELECT COALESCE(SUM(number_of_spots), 0)
		FROM bookings
		WHERE session_instance_id = $1
		  AND status IN ('pending_payment', 'confirmed', 'completed')
	`
	var held int
	if err := r.db.QueryRow(ctx, query, instanceID).Scan(&held); err != nil {
		return 0, err
	}
	return held, nil
}

// ConfirmIfPending is the payment-gated transition: pending_payment becomes
// confirmed and the payment axis lands on completed, in one CAS. Zero rows
// matched means the booking was not pending anymore.
func (r *BookingRepository) ConfirmIfPending(
	ctx context.Context,
	bookingID int64,
	checkoutSessionID *string,
	paymentIntentID *string,
	amountPaid int64,
) (*models.Booking, error) {
	query := `
		UPDATE bookings
		SET status = 'confirmed', payment_status = 'completed',
			checkout_session_id = $2, payment_intent_id = $3, amount_paid = $4,
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending_payment'
		RETURNING ` + bookingColumns + `
	`
	var booking models.Booking
	err := scanBooking(
		r.db.QueryRow(ctx, query, bookingID, checkoutSessionID, paymentIntentID, amountPaid),
		&booking,
	)
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

// CancelIfPending releases a hold that never got paid. It refuses to touch
// a booking that has moved on, which is what makes a late expiry event
// after a confirmation a safe no-op.
func (r *BookingRepository) CancelIfPending(ctx context.Context, bookingID int64) (*models.Booking, error) {
	query := `
		UPDATE bookings
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'pending_payment'
		RETURNING ` + bookingColumns + `
	`
	var booking models.Booking
	if err := scanBooking(r.db.QueryRow(ctx, query, bookingID), &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

// CancelIfHeld cancels from any spot-holding state.
func (r *BookingRepository) CancelIfHeld(ctx context.Context, bookingID int64) (*models.Booking, error) {
	query := `
		UPDATE bookings
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending_payment', 'confirmed', 'completed')
		RETURNING ` + bookingColumns + `
	`
	var booking models.Booking
	if err := scanBooking(r.db.QueryRow(ctx, query, bookingID), &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

func (r *BookingRepository) UpdateStatusIfCurrent(
	ctx context.Context,
	bookingID int64,
	currentStatus string,
	nextStatus string,
) (*models.Booking, error) {
	query := `
		UPDATE bookings
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING ` + bookingColumns + `
	`
	var booking models.Booking
	if err := scanBooking(r.db.QueryRow(ctx, query, bookingID, currentStatus, nextStatus), &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

// SetPaymentPending moves the payment axis forward to pending once checkout
// is initiated. Forward-only: a completed or failed payment is never pulled
// back.
func (r *BookingRepository) SetPaymentPending(ctx context.Context, bookingID int64, checkoutSessionID string) (*models.Booking, error) {
	query := `
		UPDATE bookings
		SET payment_status = 'pending', checkout_session_id = $2, updated_at = NOW()
		WHERE id = $1 AND payment_status = 'unpaid'
		RETURNING ` + bookingColumns + `
	`
	var booking models.Booking
	if err := scanBooking(r.db.QueryRow(ctx, query, bookingID, checkoutSessionID), &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

// SetPaymentFailed marks the payment axis failed without touching the
// booking status or releasing the hold; the payment may still be retried.
func (r *BookingRepository) SetPaymentFailed(ctx context.Context, bookingID int64, paymentIntentID *string) (*models.Booking, error) {
	query := `
		UPDATE bookings
		SET payment_status = 'failed', payment_intent_id = COALESCE($2, payment_intent_id), updated_at = NOW()
		WHERE id = $1 AND payment_status IN ('unpaid', 'pending')
		RETURNING ` + bookingColumns + `
	`
	var booking models.Booking
	if err := scanBooking(r.db.QueryRow(ctx, query, bookingID, paymentIntentID), &booking); err != nil {
		return nil, err
	}
	return &booking, nil
}

// CancelHeldByInstance cancels every spot-holding booking on an instance
// and reports how many were cancelled and how many of those had already
// been paid and so need a refund.
func (r *BookingRepository) CancelHeldByInstance(ctx context.Context, instanceID int64) (cancelled int, refunded int, err error) {
	query := `
		UPDATE bookings
		SET status = 'cancelled', updated_at = NOW()
		WHERE session_instance_id = $1
		  AND status IN ('pending_payment', 'confirmed', 'completed')
		RETURNING payment_status
	`
	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var paymentStatus string
		if err := rows.Scan(&paymentStatus); err != nil {
			return 0, 0, err
		}
		cancelled++
		if paymentStatus == models.PaymentStatusCompleted {
			refunded++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	return cancelled, refunded, nil
}
