package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wilgrace/session-sub001/internal/capacity"
	"github.com/wilgrace/session-sub001/internal/events"
	"github.com/wilgrace/session-sub001/internal/models"
	"github.com/wilgrace/session-sub001/internal/pricing"
	"github.com/wilgrace/session-sub001/internal/repository"
)

var (
	ErrForbidden                    = errors.New("forbidden")
	ErrInvalidInput                 = errors.New("invalid input")
	ErrInvalidStatus                = errors.New("invalid status")
	ErrCapacityExceeded             = errors.New("capacity exceeded")
	ErrInvalidStateTransition       = errors.New("invalid state transition")
	ErrInconsistentPaymentReference = errors.New("inconsistent payment reference")
	ErrUpstreamLookupFailed         = errors.New("upstream lookup failed")
	ErrOverbookOnPayment            = errors.New("capacity exceeded for a paid booking")
)

type bookingStore interface {
	GetByID(ctx context.Context, bookingID int64) (*models.Booking, error)
	GetByReference(ctx context.Context, reference string) (*models.Booking, error)
	List(ctx context.Context, filter repository.BookingListFilter) ([]models.Booking, error)
	ConfirmIfPending(ctx context.Context, bookingID int64, checkoutSessionID *string, paymentIntentID *string, amountPaid int64) (*models.Booking, error)
	CancelIfPending(ctx context.Context, bookingID int64) (*models.Booking, error)
	CancelIfHeld(ctx context.Context, bookingID int64) (*models.Booking, error)
	UpdateStatusIfCurrent(ctx context.Context, bookingID int64, currentStatus string, nextStatus string) (*models.Booking, error)
	SetPaymentPending(ctx context.Context, bookingID int64, checkoutSessionID string) (*models.Booking, error)
	SetPaymentFailed(ctx context.Context, bookingID int64, paymentIntentID *string) (*models.Booking, error)
}

type instanceDetailReader interface {
	GetDetail(ctx context.Context, instanceID int64) (*models.InstanceDetail, error)
}

type sessionTemplateReader interface {
	GetByID(ctx context.Context, templateID int64) (*models.SessionTemplate, error)
}

type membershipReader interface {
	GetByUserAndOrganization(ctx context.Context, userID int64, organizationID int64) (*models.UserMembership, error)
	GetTierByID(ctx context.Context, tierID int64) (*models.Membership, error)
}

type userReader interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

type BookingService struct {
	db             *pgxpool.Pool
	bookingRepo    bookingStore
	instanceRepo   instanceDetailReader
	templateRepo   sessionTemplateReader
	membershipRepo membershipReader
	userRepo       userReader
	publisher      events.Publisher
}

func NewBookingService(
	db *pgxpool.Pool,
	bookingRepo bookingStore,
	instanceRepo instanceDetailReader,
	templateRepo sessionTemplateReader,
	membershipRepo membershipReader,
	userRepo userReader,
	publisher events.Publisher,
) *BookingService {
	return &BookingService{
		db:             db,
		bookingRepo:    bookingRepo,
		instanceRepo:   instanceRepo,
		templateRepo:   templateRepo,
		membershipRepo: membershipRepo,
		userRepo:       userRepo,
		publisher:      publisher,
	}
}

type CreateBookingInput struct {
	OrganizationID    int64
	SessionInstanceID int64
	UserID            int64
	Spots             int
	// JoinMembershipID marks a simultaneous new-membership signup; the
	// tier's recurring fee is added to the checkout total once.
	JoinMembershipID *int64
}

// CreateBooking reserves spots on an instance. The capacity check and the
// insert happen inside one transaction under a per-instance advisory lock,
// so concurrent requests for the last spots serialize and exactly the ones
// that fit succeed. Free sessions confirm immediately; paid sessions come
// back pending_payment with a reference the caller uses to start checkout.
func (s *BookingService) CreateBooking(ctx context.Context, input CreateBookingInput) (*models.BookingDetail, error) {
	if input.SessionInstanceID <= 0 || input.UserID <= 0 || input.Spots < 1 {
		return nil, ErrInvalidInput
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txInstanceRepo := repository.NewInstanceRepository(tx)
	txBookingRepo := repository.NewBookingRepository(tx)

	// Serializes concurrent bookings per instance. The guarded insert
	// below is the hard backstop either way.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", input.SessionInstanceID); err != nil {
		return nil, err
	}

	instance, err := txInstanceRepo.GetByID(ctx, input.SessionInstanceID)
	if err != nil {
		return nil, err
	}
	if instance.OrganizationID != input.OrganizationID {
		return nil, ErrForbidden
	}
	if instance.Status != models.InstanceStatusScheduled {
		return nil, ErrInvalidStateTransition
	}

	template, err := s.templateRepo.GetByID(ctx, instance.TemplateID)
	if err != nil {
		return nil, err
	}

	held, err := txBookingRepo.SumHeldSpots(ctx, input.SessionInstanceID)
	if err != nil {
		return nil, err
	}
	if !capacity.Fits(template.Capacity, held, input.Spots) {
		return nil, ErrCapacityExceeded
	}

	quote, err := s.quoteForUser(ctx, template, input.Spots, input.UserID, input.JoinMembershipID)
	if err != nil {
		return nil, err
	}

	status := models.BookingStatusPendingPayment
	if template.IsFree() {
		status = models.BookingStatusConfirmed
	}

	booking, err := txBookingRepo.CreateIfCapacity(ctx, repository.CreateBookingInput{
		OrganizationID:    input.OrganizationID,
		SessionInstanceID: input.SessionInstanceID,
		UserID:            input.UserID,
		Reference:         uuid.NewString(),
		NumberOfSpots:     input.Spots,
		Status:            status,
		PaymentStatus:     models.PaymentStatusUnpaid,
		UnitPrice:         quote.FirstPersonPrice,
		DiscountAmount:    quote.DiscountAmount,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCapacityExceeded
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if booking.Status == models.BookingStatusConfirmed {
		s.publishBookingEvent(ctx, events.RoutingBookingConfirmed, booking)
	}

	return s.detail(ctx, booking)
}

type CreatePaidBookingInput struct {
	OrganizationID    int64
	SessionInstanceID int64
	UserID            int64
	Spots             int
	UnitPrice         int64
	DiscountAmount    int64
	AmountPaid        int64
	CheckoutSessionID string
	PaymentIntentID   string
}

// CreatePaidBooking is the reconciler's path for checkout flows that defer
// booking creation until payment succeeds. The checkout session id is the
// idempotency key: a redelivered event finds the booking it already minted
// and returns it unchanged. Capacity is re-validated on first creation;
// the caller owns turning a full instance into an overbook report, because
// by now real money has moved.
func (s *BookingService) CreatePaidBooking(ctx context.Context, input CreatePaidBookingInput) (*models.Booking, error) {
	if input.SessionInstanceID <= 0 || input.UserID <= 0 || input.Spots < 1 || input.CheckoutSessionID == "" {
		return nil, ErrInvalidInput
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txInstanceRepo := repository.NewInstanceRepository(tx)
	txBookingRepo := repository.NewBookingRepository(tx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", input.SessionInstanceID); err != nil {
		return nil, err
	}

	existing, err := txBookingRepo.GetByCheckoutSessionID(ctx, input.CheckoutSessionID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	instance, err := txInstanceRepo.GetByID(ctx, input.SessionInstanceID)
	if err != nil {
		return nil, err
	}
	if instance.OrganizationID != input.OrganizationID {
		return nil, ErrForbidden
	}

	booking, err := txBookingRepo.CreateIfCapacity(ctx, repository.CreateBookingInput{
		OrganizationID:    input.OrganizationID,
		SessionInstanceID: input.SessionInstanceID,
		UserID:            input.UserID,
		Reference:         uuid.NewString(),
		NumberOfSpots:     input.Spots,
		Status:            models.BookingStatusConfirmed,
		PaymentStatus:     models.PaymentStatusCompleted,
		UnitPrice:         input.UnitPrice,
		DiscountAmount:    input.DiscountAmount,
		AmountPaid:        input.AmountPaid,
		CheckoutSessionID: &input.CheckoutSessionID,
		PaymentIntentID:   &input.PaymentIntentID,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCapacityExceeded
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.publishBookingEvent(ctx, events.RoutingBookingConfirmed, booking)
	return booking, nil
}

// ConfirmBooking advances pending_payment to confirmed on payment success.
// Re-confirming with the same checkout session is a no-op, which is what
// makes duplicate event delivery safe. A different reference on an already
// confirmed booking is never overwritten; it is surfaced for manual review.
func (s *BookingService) ConfirmBooking(
	ctx context.Context,
	bookingID int64,
	checkoutSessionID string,
	paymentIntentID *string,
	amountPaid int64,
) (*models.Booking, error) {
	booking, err := s.bookingRepo.ConfirmIfPending(ctx, bookingID, &checkoutSessionID, paymentIntentID, amountPaid)
	if err == nil {
		s.publishBookingEvent(ctx, events.RoutingBookingConfirmed, booking)
		return booking, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// The CAS matched nothing: the booking either moved on or is gone.
	current, err := s.bookingRepo.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	switch current.Status {
	case models.BookingStatusConfirmed, models.BookingStatusCompleted:
		if current.CheckoutSessionID != nil && *current.CheckoutSessionID == checkoutSessionID {
			return current, nil
		}
		return nil, ErrInconsistentPaymentReference
	default:
		return nil, ErrInvalidStateTransition
	}
}

// ExpireOrCancelPendingBooking releases the hold of an abandoned checkout.
// A booking that has since been confirmed is left alone: a late expiry
// event must never claw back a paid reservation.
func (s *BookingService) ExpireOrCancelPendingBooking(ctx context.Context, bookingID int64) error {
	booking, err := s.bookingRepo.CancelIfPending(ctx, bookingID)
	if err == nil {
		s.publishBookingEvent(ctx, events.RoutingBookingCancelled, booking)
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	current, err := s.bookingRepo.GetByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if current.HoldsSpots() && current.Status != models.BookingStatusPendingPayment {
		// Confirmed in the meantime; the expiry is stale.
		return nil
	}
	if current.Status == models.BookingStatusCancelled {
		return nil
	}
	return ErrInvalidStateTransition
}

// MarkPaymentFailed records the failure on the payment axis only. The
// booking keeps holding its spots so the payment can be retried; releasing
// the hold is a separate, explicit decision.
func (s *BookingService) MarkPaymentFailed(ctx context.Context, bookingID int64, paymentIntentID *string) error {
	_, err := s.bookingRepo.SetPaymentFailed(ctx, bookingID, paymentIntentID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Payment already completed or failed; forward-only axis.
		return nil
	}
	return err
}

// BeginCheckout moves the payment axis to pending once the checkout
// session exists upstream.
func (s *BookingService) BeginCheckout(ctx context.Context, bookingID int64, checkoutSessionID string) (*models.Booking, error) {
	booking, err := s.bookingRepo.SetPaymentPending(ctx, bookingID, checkoutSessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidStateTransition
		}
		return nil, err
	}
	return booking, nil
}

// CheckIn toggles between confirmed and completed, the operational
// at-the-venue flow. Any other starting state is illegal.
func (s *BookingService) CheckIn(ctx context.Context, organizationID int64, bookingID int64) (*models.Booking, error) {
	booking, err := s.bookingRepo.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if booking.OrganizationID != organizationID {
		return nil, ErrForbidden
	}

	var next string
	switch booking.Status {
	case models.BookingStatusConfirmed:
		next = models.BookingStatusCompleted
	case models.BookingStatusCompleted:
		next = models.BookingStatusConfirmed
	default:
		return nil, ErrInvalidStateTransition
	}

	updated, err := s.bookingRepo.UpdateStatusIfCurrent(ctx, bookingID, booking.Status, next)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidStateTransition
		}
		return nil, err
	}
	return updated, nil
}

// CancelBooking cancels a held booking on behalf of its owner or an admin,
// releasing the spots. An already-paid booking additionally produces a
// refund-due event.
func (s *BookingService) CancelBooking(ctx context.Context, actorID int64, role string, bookingID int64) (*models.Booking, error) {
	booking, err := s.bookingRepo.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if role != models.RoleAdmin && booking.UserID != actorID {
		return nil, ErrForbidden
	}

	cancelled, err := s.bookingRepo.CancelIfHeld(ctx, bookingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidStateTransition
		}
		return nil, err
	}

	s.publishBookingEvent(ctx, events.RoutingBookingCancelled, cancelled)
	if cancelled.PaymentStatus == models.PaymentStatusCompleted {
		_ = s.publisher.Publish(ctx, events.RoutingBookingRefundDue, map[string]any{
			"booking_id":      cancelled.ID,
			"reference":       cancelled.Reference,
			"organization_id": cancelled.OrganizationID,
			"amount":          cancelled.AmountPaid,
		})
	}
	return cancelled, nil
}

func (s *BookingService) GetBooking(ctx context.Context, actorID int64, role string, bookingID int64) (*models.BookingDetail, error) {
	booking, err := s.bookingRepo.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if role != models.RoleAdmin && booking.UserID != actorID {
		return nil, ErrForbidden
	}
	return s.detail(ctx, booking)
}

// GetBookingByReference is the polling target while a client waits out
// asynchronous payment confirmation.
func (s *BookingService) GetBookingByReference(ctx context.Context, reference string) (*models.BookingDetail, error) {
	booking, err := s.bookingRepo.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, booking)
}

func (s *BookingService) ListBookings(ctx context.Context, filter repository.BookingListFilter) ([]models.BookingDetail, error) {
	bookings, err := s.bookingRepo.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	details := make([]models.BookingDetail, 0, len(bookings))
	for i := range bookings {
		detail, err := s.detail(ctx, &bookings[i])
		if err != nil {
			return nil, err
		}
		details = append(details, *detail)
	}
	return details, nil
}

// SpotsRemaining is the display read path; the reservation path never
// trusts it and re-checks inside the transaction.
func (s *BookingService) SpotsRemaining(ctx context.Context, instanceID int64) (int, error) {
	detail, err := s.instanceRepo.GetDetail(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	return detail.SpotsRemaining, nil
}

// PriceQuote prices a prospective booking for display before commit.
// Membership is re-evaluated here, never cached: a membership that lapsed
// between page load and checkout quotes at drop-in.
func (s *BookingService) PriceQuote(
	ctx context.Context,
	organizationID int64,
	templateID int64,
	spots int,
	userID *int64,
) (*pricing.Total, error) {
	if spots < 1 {
		return nil, ErrInvalidInput
	}

	template, err := s.templateRepo.GetByID(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if template.OrganizationID != organizationID {
		return nil, ErrForbidden
	}
	if template.IsFree() {
		return &pricing.Total{}, nil
	}

	resolvedUserID := int64(0)
	if userID != nil {
		resolvedUserID = *userID
	}
	quote, err := s.quoteForUser(ctx, template, spots, resolvedUserID, nil)
	if err != nil {
		return nil, err
	}
	return quote, nil
}

// quoteForUser resolves membership state at call time and prices the
// booking.
func (s *BookingService) quoteForUser(
	ctx context.Context,
	template *models.SessionTemplate,
	spots int,
	userID int64,
	joinMembershipID *int64,
) (*pricing.Total, error) {
	if template.IsFree() {
		return &pricing.Total{}, nil
	}

	var tier *models.Membership
	isMember := false

	if userID > 0 {
		membership, err := s.membershipRepo.GetByUserAndOrganization(ctx, userID, template.OrganizationID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		if membership.IsActiveForBenefits(time.Now()) {
			isMember = true
			if membership.MembershipID != nil {
				tier, err = s.membershipRepo.GetTierByID(ctx, *membership.MembershipID)
				if err != nil && !errors.Is(err, pgx.ErrNoRows) {
					return nil, err
				}
			}
		}
	}

	membershipFee := int64(0)
	isNewSignup := false
	if !isMember && joinMembershipID != nil {
		joinTier, err := s.membershipRepo.GetTierByID(ctx, *joinMembershipID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrInvalidInput
			}
			return nil, err
		}
		if joinTier.OrganizationID != template.OrganizationID {
			return nil, ErrInvalidInput
		}
		tier = joinTier
		membershipFee = joinTier.Price
		isNewSignup = true
	}

	memberPrice := pricing.ResolveMemberPrice(template.DropInPrice, template.MemberPrice, tier)
	total := pricing.ComputeBookingTotal(spots, isMember, isNewSignup, template.DropInPrice, memberPrice, membershipFee)
	return &total, nil
}

func (s *BookingService) detail(ctx context.Context, booking *models.Booking) (*models.BookingDetail, error) {
	detail := &models.BookingDetail{Booking: *booking}

	instance, err := s.instanceRepo.GetDetail(ctx, booking.SessionInstanceID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err == nil {
		detail.Instance = instance
	}

	user, err := s.userRepo.GetByID(ctx, booking.UserID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err == nil {
		summary := user.Summary()
		detail.User = &summary
	}
	return detail, nil
}

func (s *BookingService) publishBookingEvent(ctx context.Context, routingKey string, booking *models.Booking) {
	_ = s.publisher.Publish(ctx, routingKey, map[string]any{
		"booking_id":      booking.ID,
		"reference":       booking.Reference,
		"organization_id": booking.OrganizationID,
		"instance_id":     booking.SessionInstanceID,
		"user_id":         booking.UserID,
		"spots":           booking.NumberOfSpots,
		"status":          booking.Status,
		"payment_status":  booking.PaymentStatus,
	})
}
