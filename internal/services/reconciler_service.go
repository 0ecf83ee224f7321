package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/wilgrace/session-sub001/internal/events"
	"github.com/wilgrace/session-sub001/internal/models"
	"github.com/wilgrace/session-sub001/internal/payments"
	"github.com/wilgrace/session-sub001/internal/repository"
)

type bookingLedger interface {
	ConfirmBooking(ctx context.Context, bookingID int64, checkoutSessionID string, paymentIntentID *string, amountPaid int64) (*models.Booking, error)
	ExpireOrCancelPendingBooking(ctx context.Context, bookingID int64) error
	MarkPaymentFailed(ctx context.Context, bookingID int64, paymentIntentID *string) error
	CreatePaidBooking(ctx context.Context, input CreatePaidBookingInput) (*models.Booking, error)
}

type bookingReferenceReader interface {
	GetByReference(ctx context.Context, reference string) (*models.Booking, error)
}

type membershipLifecycle interface {
	ApplySubscriptionCreated(ctx context.Context, userID int64, organizationID int64, membershipID *int64, sub *payments.Subscription) (*models.UserMembership, error)
	ApplySubscriptionUpdated(ctx context.Context, sub *payments.Subscription) (*models.UserMembership, error)
	ApplySubscriptionDeleted(ctx context.Context, sub *payments.Subscription) (*models.UserMembership, error)
}

type reconcilerUserStore interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetOrCreateGuest(ctx context.Context, email string, name *string) (*models.User, error)
}

type instanceResolver interface {
	GetOrCreateInstance(ctx context.Context, templateID int64, startAt time.Time) (*models.SessionInstance, error)
}

type failureStore interface {
	Create(ctx context.Context, input repository.CreateReconciliationFailureInput) (*models.ReconciliationFailure, error)
}

// ReconcilerService maps externally delivered payment events onto ledger
// and membership transitions. Events arrive at least once and out of
// order; idempotency comes from the transitions themselves, each of which
// is a guarded compare-and-set, so no processed-event table is kept.
// Handling failures are recorded, never swallowed, even when the webhook
// endpoint still answers success to stop provider retries.
type ReconcilerService struct {
	bookings    bookingLedger
	bookingRefs bookingReferenceReader
	memberships membershipLifecycle
	users       reconcilerUserStore
	instances   instanceResolver
	failures    failureStore
	publisher   events.Publisher
	logger      *slog.Logger
}

func NewReconcilerService(
	bookings bookingLedger,
	bookingRefs bookingReferenceReader,
	memberships membershipLifecycle,
	users reconcilerUserStore,
	instances instanceResolver,
	failures failureStore,
	publisher events.Publisher,
	logger *slog.Logger,
) *ReconcilerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcilerService{
		bookings:    bookings,
		bookingRefs: bookingRefs,
		memberships: memberships,
		users:       users,
		instances:   instances,
		failures:    failures,
		publisher:   publisher,
		logger:      logger,
	}
}

// ProcessEvent dispatches one verified event. The returned error reports
// what went wrong for logging; by the time it returns, any failure has
// already been written to the reconciliation record.
func (s *ReconcilerService) ProcessEvent(ctx context.Context, event *payments.Event) error {
	switch event.Type {
	case payments.EventCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, event)
	case payments.EventCheckoutExpired:
		return s.handleCheckoutExpired(ctx, event)
	case payments.EventPaymentFailed:
		return s.handlePaymentFailed(ctx, event)
	case payments.EventSubscriptionCreated:
		return s.handleSubscriptionCreated(ctx, event)
	case payments.EventSubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, event)
	case payments.EventSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, event)
	default:
		s.logger.Info("ignoring unhandled payment event", "event_id", event.ID, "type", event.Type)
		return nil
	}
}

func (s *ReconcilerService) handleCheckoutCompleted(ctx context.Context, event *payments.Event) error {
	session, err := event.CheckoutSession()
	if err != nil {
		return s.recordFailure(ctx, event, nil, nil, "malformed checkout session", err)
	}

	if reference, ok := session.Metadata[payments.MetaBookingReference]; ok && reference != "" {
		return s.confirmByReference(ctx, event, session, reference)
	}
	return s.createFromMetadata(ctx, event, session)
}

// confirmByReference is the held-booking flow: a pending_payment row was
// created up front and payment success now confirms it.
func (s *ReconcilerService) confirmByReference(
	ctx context.Context,
	event *payments.Event,
	session *payments.CheckoutSession,
	reference string,
) error {
	booking, err := s.bookingRefs.GetByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Money moved for a booking this system does not know.
			return s.recordFailure(ctx, event, nil, &reference, "payment completed for unknown booking", err)
		}
		return err
	}

	var intentID *string
	if session.PaymentIntent != "" {
		intentID = &session.PaymentIntent
	}

	_, err = s.bookings.ConfirmBooking(ctx, booking.ID, session.ID, intentID, session.AmountTotal)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInconsistentPaymentReference):
		return s.recordFailure(ctx, event, &booking.OrganizationID, &reference, "payment reference mismatch on confirmed booking", err)
	case errors.Is(err, ErrInvalidStateTransition):
		// The hold expired or was cancelled before the payment landed.
		return s.recordFailure(ctx, event, &booking.OrganizationID, &reference, "payment completed for cancelled booking", err)
	default:
		return err
	}
}

// createFromMetadata is the deferred-creation flow: no row was held during
// checkout, the slot is encoded in metadata and the booking is created
// directly confirmed now that payment succeeded. Capacity gets re-checked
// here, and a full instance is an overbook with money already taken, which
// goes straight to the operator channel.
func (s *ReconcilerService) createFromMetadata(ctx context.Context, event *payments.Event, session *payments.CheckoutSession) error {
	organizationID, okOrg := payments.MetadataInt64(session.Metadata, payments.MetaOrganizationID)
	templateID, okTemplate := payments.MetadataInt64(session.Metadata, payments.MetaTemplateID)
	startAt, okStart := payments.MetadataTime(session.Metadata, payments.MetaStartTime)
	spots, okSpots := payments.MetadataInt64(session.Metadata, payments.MetaSpots)
	if !okOrg || !okTemplate || !okStart || !okSpots || spots < 1 {
		return s.recordFailure(ctx, event, orgIDIfPresent(okOrg, organizationID), nil, "checkout metadata incomplete", nil)
	}

	user, err := s.resolveUser(ctx, session)
	if err != nil {
		wrapped := fmt.Errorf("%w: %w", ErrUpstreamLookupFailed, err)
		return s.recordFailure(ctx, event, &organizationID, nil, "user resolution failed", wrapped)
	}

	instance, err := s.instances.GetOrCreateInstance(ctx, templateID, startAt)
	if err != nil {
		return s.recordFailure(ctx, event, &organizationID, nil, "instance resolution failed", err)
	}

	unitPrice := session.AmountTotal / spots
	var intentID string
	if session.PaymentIntent != "" {
		intentID = session.PaymentIntent
	}

	booking, err := s.bookings.CreatePaidBooking(ctx, CreatePaidBookingInput{
		OrganizationID:    organizationID,
		SessionInstanceID: instance.ID,
		UserID:            user.ID,
		Spots:             int(spots),
		UnitPrice:         unitPrice,
		AmountPaid:        session.AmountTotal,
		CheckoutSessionID: session.ID,
		PaymentIntentID:   intentID,
	})
	if err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			overbook := fmt.Errorf("%w: instance %d", ErrOverbookOnPayment, instance.ID)
			recordErr := s.recordFailure(ctx, event, &organizationID, nil, "overbook on completed payment", overbook)
			_ = s.publisher.Publish(ctx, events.RoutingReconciliationFailed, map[string]any{
				"event_id":        event.ID,
				"organization_id": organizationID,
				"instance_id":     instance.ID,
				"user_id":         user.ID,
				"spots":           spots,
				"amount":          session.AmountTotal,
				"reason":          "overbook_on_payment",
			})
			return recordErr
		}
		if errors.Is(err, ErrForbidden) {
			return s.recordFailure(ctx, event, &organizationID, nil, "organization mismatch in checkout metadata", err)
		}
		return s.recordFailure(ctx, event, &organizationID, nil, "paid booking creation failed", err)
	}

	s.logger.Info("created booking from checkout metadata",
		"event_id", event.ID, "booking_id", booking.ID, "reference", booking.Reference)
	return nil
}

func (s *ReconcilerService) handleCheckoutExpired(ctx context.Context, event *payments.Event) error {
	session, err := event.CheckoutSession()
	if err != nil {
		return s.recordFailure(ctx, event, nil, nil, "malformed checkout session", err)
	}

	reference, ok := session.Metadata[payments.MetaBookingReference]
	if !ok || reference == "" {
		// Deferred-creation checkouts hold no row; nothing to release.
		return nil
	}

	booking, err := s.bookingRefs.GetByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}
	if err := s.bookings.ExpireOrCancelPendingBooking(ctx, booking.ID); err != nil {
		return s.recordFailure(ctx, event, &booking.OrganizationID, &reference, "expiry handling failed", err)
	}
	return nil
}

func (s *ReconcilerService) handlePaymentFailed(ctx context.Context, event *payments.Event) error {
	intent, err := event.PaymentIntent()
	if err != nil {
		return s.recordFailure(ctx, event, nil, nil, "malformed payment intent", err)
	}

	reference, ok := intent.Metadata[payments.MetaBookingReference]
	if !ok || reference == "" {
		return nil
	}

	booking, err := s.bookingRefs.GetByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}
	if err := s.bookings.MarkPaymentFailed(ctx, booking.ID, &intent.ID); err != nil {
		return s.recordFailure(ctx, event, &booking.OrganizationID, &reference, "payment failure handling failed", err)
	}
	return nil
}

func (s *ReconcilerService) handleSubscriptionCreated(ctx context.Context, event *payments.Event) error {
	sub, err := event.Subscription()
	if err != nil {
		return s.recordFailure(ctx, event, nil, nil, "malformed subscription", err)
	}

	userID, okUser := payments.MetadataInt64(sub.Metadata, payments.MetaUserID)
	organizationID, okOrg := payments.MetadataInt64(sub.Metadata, payments.MetaOrganizationID)
	if !okUser || !okOrg {
		return s.recordFailure(ctx, event, orgIDIfPresent(okOrg, organizationID), nil, "subscription metadata incomplete", nil)
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		wrapped := fmt.Errorf("%w: %w", ErrUpstreamLookupFailed, err)
		return s.recordFailure(ctx, event, &organizationID, nil, "subscription user lookup failed", wrapped)
	}

	var membershipID *int64
	if tierID, ok := payments.MetadataInt64(sub.Metadata, payments.MetaMembershipID); ok {
		membershipID = &tierID
	}

	if _, err := s.memberships.ApplySubscriptionCreated(ctx, user.ID, organizationID, membershipID, sub); err != nil {
		return s.recordFailure(ctx, event, &organizationID, nil, "subscription activation failed", err)
	}
	return nil
}

func (s *ReconcilerService) handleSubscriptionUpdated(ctx context.Context, event *payments.Event) error {
	sub, err := event.Subscription()
	if err != nil {
		return s.recordFailure(ctx, event, nil, nil, "malformed subscription", err)
	}

	_, err = s.memberships.ApplySubscriptionUpdated(ctx, sub)
	if err != nil {
		if errors.Is(err, ErrInvalidStateTransition) {
			// Update for a subscription never seen; out-of-order delivery
			// against a created event that has not arrived yet.
			return s.recordFailure(ctx, event, nil, nil, "subscription update for unknown subscription", err)
		}
		return s.recordFailure(ctx, event, nil, nil, "subscription update failed", err)
	}
	return nil
}

func (s *ReconcilerService) handleSubscriptionDeleted(ctx context.Context, event *payments.Event) error {
	sub, err := event.Subscription()
	if err != nil {
		return s.recordFailure(ctx, event, nil, nil, "malformed subscription", err)
	}

	if _, err := s.memberships.ApplySubscriptionDeleted(ctx, sub); err != nil {
		return s.recordFailure(ctx, event, nil, nil, "subscription deletion failed", err)
	}
	return nil
}

// resolveUser prefers the internal user id round-tripped through metadata;
// without one it falls back to guest lookup-or-create by the checkout
// email.
func (s *ReconcilerService) resolveUser(ctx context.Context, session *payments.CheckoutSession) (*models.User, error) {
	if userID, ok := payments.MetadataInt64(session.Metadata, payments.MetaUserID); ok {
		user, err := s.users.GetByID(ctx, userID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
	}

	if session.CustomerEmail == "" {
		return nil, fmt.Errorf("checkout has no user id or customer email")
	}
	var name *string
	if session.CustomerName != "" {
		name = &session.CustomerName
	}
	return s.users.GetOrCreateGuest(ctx, session.CustomerEmail, name)
}

// recordFailure persists the failure and echoes the cause back to the
// caller. Recording must not fail silently either, so a write error wins
// over the original cause in the return.
func (s *ReconcilerService) recordFailure(
	ctx context.Context,
	event *payments.Event,
	organizationID *int64,
	bookingReference *string,
	reason string,
	cause error,
) error {
	var details *string
	if cause != nil {
		text := cause.Error()
		details = &text
	}

	if _, err := s.failures.Create(ctx, repository.CreateReconciliationFailureInput{
		OrganizationID:   organizationID,
		EventID:          event.ID,
		EventType:        event.Type,
		BookingReference: bookingReference,
		Reason:           reason,
		Details:          details,
	}); err != nil {
		s.logger.Error("failed to record reconciliation failure",
			"event_id", event.ID, "reason", reason, "error", err)
		return err
	}

	s.logger.Warn("reconciliation failure recorded",
		"event_id", event.ID, "type", event.Type, "reason", reason, "error", cause)
	if cause != nil {
		return cause
	}
	return fmt.Errorf("%s", reason)
}

func orgIDIfPresent(ok bool, id int64) *int64 {
	if !ok {
		return nil
	}
	return &id
}
