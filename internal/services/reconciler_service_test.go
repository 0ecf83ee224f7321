package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/wilgrace/session-sub001/internal/events"
	"github.com/wilgrace/session-sub001/internal/models"
	"github.com/wilgrace/session-sub001/internal/payments"
	"github.com/wilgrace/session-sub001/internal/repository"
)

type stubLedger struct {
	store      *stubBookingStore
	svc        *BookingService
	capacity   int
	heldSpots  int
	createdIDs []int64
}

func newStubLedger(store *stubBookingStore, capacity int) *stubLedger {
	svc, _ := newTestBookingService(store, nil, nil)
	return &stubLedger{store: store, svc: svc, capacity: capacity}
}

func (l *stubLedger) ConfirmBooking(ctx context.Context, bookingID int64, checkoutSessionID string, paymentIntentID *string, amountPaid int64) (*models.Booking, error) {
	return l.svc.ConfirmBooking(ctx, bookingID, checkoutSessionID, paymentIntentID, amountPaid)
}

func (l *stubLedger) ExpireOrCancelPendingBooking(ctx context.Context, bookingID int64) error {
	return l.svc.ExpireOrCancelPendingBooking(ctx, bookingID)
}

func (l *stubLedger) MarkPaymentFailed(ctx context.Context, bookingID int64, paymentIntentID *string) error {
	return l.svc.MarkPaymentFailed(ctx, bookingID, paymentIntentID)
}

func (l *stubLedger) CreatePaidBooking(_ context.Context, input CreatePaidBookingInput) (*models.Booking, error) {
	for _, booking := range l.store.bookings {
		if booking.CheckoutSessionID != nil && *booking.CheckoutSessionID == input.CheckoutSessionID {
			return booking, nil
		}
	}
	if l.heldSpots+input.Spots > l.capacity {
		return nil, ErrCapacityExceeded
	}
	l.heldSpots += input.Spots
	id := int64(len(l.store.bookings) + 100)
	checkoutSessionID := input.CheckoutSessionID
	booking := &models.Booking{
		ID:                id,
		OrganizationID:    input.OrganizationID,
		SessionInstanceID: input.SessionInstanceID,
		UserID:            input.UserID,
		Reference:         fmt.Sprintf("ref-%d", id),
		NumberOfSpots:     input.Spots,
		Status:            models.BookingStatusConfirmed,
		PaymentStatus:     models.PaymentStatusCompleted,
		AmountPaid:        input.AmountPaid,
		CheckoutSessionID: &checkoutSessionID,
	}
	l.store.bookings[id] = booking
	l.createdIDs = append(l.createdIDs, id)
	return booking, nil
}

type stubMembershipLifecycle struct {
	created []string
	updated []string
	deleted []string
}

func (s *stubMembershipLifecycle) ApplySubscriptionCreated(_ context.Context, _ int64, _ int64, _ *int64, sub *payments.Subscription) (*models.UserMembership, error) {
	s.created = append(s.created, sub.ID)
	return &models.UserMembership{Status: models.MembershipStatusActive}, nil
}

func (s *stubMembershipLifecycle) ApplySubscriptionUpdated(_ context.Context, sub *payments.Subscription) (*models.UserMembership, error) {
	s.updated = append(s.updated, sub.ID)
	return &models.UserMembership{}, nil
}

func (s *stubMembershipLifecycle) ApplySubscriptionDeleted(_ context.Context, sub *payments.Subscription) (*models.UserMembership, error) {
	s.deleted = append(s.deleted, sub.ID)
	return &models.UserMembership{Status: models.MembershipStatusNone}, nil
}

type stubGuestUserStore struct {
	users  map[int64]*models.User
	nextID int64
}

func (s *stubGuestUserStore) GetByID(_ context.Context, id int64) (*models.User, error) {
	user, ok := s.users[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return user, nil
}

func (s *stubGuestUserStore) GetOrCreateGuest(_ context.Context, email string, _ *string) (*models.User, error) {
	for _, user := range s.users {
		if user.Email == email {
			return user, nil
		}
	}
	s.nextID++
	user := &models.User{ID: s.nextID + 1000, Email: email, IsGuest: true}
	s.users[user.ID] = user
	return user, nil
}

type stubInstanceResolver struct {
	instances map[string]*models.SessionInstance
	nextID    int64
}

func (s *stubInstanceResolver) GetOrCreateInstance(_ context.Context, templateID int64, startAt time.Time) (*models.SessionInstance, error) {
	key := fmt.Sprintf("%d/%s", templateID, startAt.UTC().Format(time.RFC3339))
	if instance, ok := s.instances[key]; ok {
		return instance, nil
	}
	s.nextID++
	instance := &models.SessionInstance{
		ID:         s.nextID,
		TemplateID: templateID,
		StartAt:    startAt.UTC(),
		Status:     models.InstanceStatusScheduled,
	}
	s.instances[key] = instance
	return instance, nil
}

type stubFailureStore struct {
	failures []repository.CreateReconciliationFailureInput
}

func (s *stubFailureStore) Create(_ context.Context, input repository.CreateReconciliationFailureInput) (*models.ReconciliationFailure, error) {
	s.failures = append(s.failures, input)
	return &models.ReconciliationFailure{ID: int64(len(s.failures)), EventID: input.EventID}, nil
}

type reconcilerFixture struct {
	svc         *ReconcilerService
	store       *stubBookingStore
	ledger      *stubLedger
	memberships *stubMembershipLifecycle
	failures    *stubFailureStore
	publisher   *stubPublisher
}

func newReconcilerFixture(capacity int, bookings ...*models.Booking) *reconcilerFixture {
	store := newStubBookingStore(bookings...)
	ledger := newStubLedger(store, capacity)
	memberships := &stubMembershipLifecycle{}
	failures := &stubFailureStore{}
	publisher := &stubPublisher{}
	svc := NewReconcilerService(
		ledger,
		store,
		memberships,
		&stubGuestUserStore{users: map[int64]*models.User{7: {ID: 7, Email: "member@example.com"}}},
		&stubInstanceResolver{instances: map[string]*models.SessionInstance{}},
		failures,
		publisher,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return &reconcilerFixture{svc: svc, store: store, ledger: ledger, memberships: memberships, failures: failures, publisher: publisher}
}

func paymentEvent(t *testing.T, id string, eventType string, object any) *payments.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal event object: %v", err)
	}
	payload, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": json.RawMessage(raw)},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	event, err := payments.ParseEvent(payload)
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	return event
}

func TestCheckoutCompletedConfirmsPendingBooking(t *testing.T) {
	f := newReconcilerFixture(10, &models.Booking{
		ID:        1,
		Reference: "ref-1",
		Status:    models.BookingStatusPendingPayment,
	})

	event := paymentEvent(t, "evt_1", payments.EventCheckoutCompleted, payments.CheckoutSession{
		ID:            "cs_1",
		PaymentIntent: "pi_1",
		AmountTotal:   1500,
		Metadata:      map[string]string{payments.MetaBookingReference: "ref-1"},
	})
	if err := f.svc.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessEvent returned error: %v", err)
	}
	if f.store.bookings[1].Status != models.BookingStatusConfirmed {
		t.Errorf("status = %q, want confirmed", f.store.bookings[1].Status)
	}
	if len(f.failures.failures) != 0 {
		t.Errorf("recorded %d failures, want 0", len(f.failures.failures))
	}
}

func TestCheckoutCompletedReplayConverges(t *testing.T) {
	f := newReconcilerFixture(10, &models.Booking{
		ID:        1,
		Reference: "ref-1",
		Status:    models.BookingStatusPendingPayment,
	})

	event := paymentEvent(t, "evt_1", payments.EventCheckoutCompleted, payments.CheckoutSession{
		ID:          "cs_1",
		AmountTotal: 1500,
		Metadata:    map[string]string{payments.MetaBookingReference: "ref-1"},
	})
	for i := 0; i < 3; i++ {
		if err := f.svc.ProcessEvent(context.Background(), event); err != nil {
			t.Fatalf("delivery %d returned error: %v", i, err)
		}
	}
	if f.store.bookings[1].Status != models.BookingStatusConfirmed {
		t.Errorf("status = %q, want confirmed after replays", f.store.bookings[1].Status)
	}
	if len(f.failures.failures) != 0 {
		t.Errorf("recorded %d failures, replays of the same event must be clean no-ops", len(f.failures.failures))
	}
}

func TestCheckoutCompletedForCancelledBookingIsRecorded(t *testing.T) {
	f := newReconcilerFixture(10, &models.Booking{
		ID:        1,
		Reference: "ref-1",
		Status:    models.BookingStatusCancelled,
	})

	event := paymentEvent(t, "evt_1", payments.EventCheckoutCompleted, payments.CheckoutSession{
		ID:          "cs_1",
		AmountTotal: 1500,
		Metadata:    map[string]string{payments.MetaBookingReference: "ref-1"},
	})
	if err := f.svc.ProcessEvent(context.Background(), event); err == nil {
		t.Fatal("expected the money-for-cancelled-hold inconsistency to surface")
	}
	if len(f.failures.failures) != 1 {
		t.Fatalf("recorded %d failures, want 1", len(f.failures.failures))
	}
	if f.failures.failures[0].BookingReference == nil || *f.failures.failures[0].BookingReference != "ref-1" {
		t.Error("failure record missing the booking reference")
	}
}

func TestCheckoutCompletedUnknownReferenceIsRecorded(t *testing.T) {
	f := newReconcilerFixture(10)

	event := paymentEvent(t, "evt_1", payments.EventCheckoutCompleted, payments.CheckoutSession{
		ID:       "cs_1",
		Metadata: map[string]string{payments.MetaBookingReference: "ref-missing"},
	})
	if err := f.svc.ProcessEvent(context.Background(), event); err == nil {
		t.Fatal("expected error for unknown booking reference")
	}
	if len(f.failures.failures) != 1 {
		t.Fatalf("recorded %d failures, want 1", len(f.failures.failures))
	}
}

func TestCheckoutExpiredAfterConfirmIsNoOp(t *testing.T) {
	f := newReconcilerFixture(10, &models.Booking{
		ID:            1,
		Reference:     "ref-1",
		Status:        models.BookingStatusConfirmed,
		PaymentStatus: models.PaymentStatusCompleted,
	})

	event := paymentEvent(t, "evt_2", payments.EventCheckoutExpired, payments.CheckoutSession{
		ID:       "cs_1",
		Metadata: map[string]string{payments.MetaBookingReference: "ref-1"},
	})
	if err := f.svc.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("stale expiry must be clean, got error: %v", err)
	}
	if f.store.bookings[1].Status != models.BookingStatusConfirmed {
		t.Errorf("status = %q, a paid booking must survive a late expiry event", f.store.bookings[1].Status)
	}
}

func TestCheckoutExpiredReleasesPendingBooking(t *testing.T) {
	f := newReconcilerFixture(10, &models.Booking{
		ID:        1,
		Reference: "ref-1",
		Status:    models.BookingStatusPendingPayment,
	})

	event := paymentEvent(t, "evt_2", payments.EventCheckoutExpired, payments.CheckoutSession{
		ID:       "cs_1",
		Metadata: map[string]string{payments.MetaBookingReference: "ref-1"},
	})
	if err := f.svc.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessEvent returned error: %v", err)
	}
	if f.store.bookings[1].Status != models.BookingStatusCancelled {
		t.Errorf("status = %q, want cancelled", f.store.bookings[1].Status)
	}
}

func TestMetadataPathCreatesConfirmedBooking(t *testing.T) {
	f := newReconcilerFixture(10)

	start := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	event := paymentEvent(t, "evt_3", payments.EventCheckoutCompleted, payments.CheckoutSession{
		ID:            "cs_meta",
		PaymentIntent: "pi_meta",
		AmountTotal:   2000,
		CustomerEmail: "guest@example.com",
		Metadata: map[string]string{
			payments.MetaOrganizationID: "10",
			payments.MetaTemplateID:     "5",
			payments.MetaStartTime:      start.Format(time.RFC3339),
			payments.MetaSpots:          "2",
		},
	})
	if err := f.svc.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessEvent returned error: %v", err)
	}
	if len(f.ledger.createdIDs) != 1 {
		t.Fatalf("created %d bookings, want 1", len(f.ledger.createdIDs))
	}
	booking := f.store.bookings[f.ledger.createdIDs[0]]
	if booking.Status != models.BookingStatusConfirmed || booking.PaymentStatus != models.PaymentStatusCompleted {
		t.Errorf("booking %q/%q, want confirmed/completed", booking.Status, booking.PaymentStatus)
	}
	if booking.NumberOfSpots != 2 {
		t.Errorf("spots = %d, want 2", booking.NumberOfSpots)
	}
}

func TestMetadataPathReplayCreatesOneBooking(t *testing.T) {
	f := newReconcilerFixture(10)

	start := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	event := paymentEvent(t, "evt_3", payments.EventCheckoutCompleted, payments.CheckoutSession{
		ID:            "cs_meta",
		PaymentIntent: "pi_meta",
		AmountTotal:   3000,
		CustomerEmail: "guest@example.com",
		Metadata: map[string]string{
			payments.MetaOrganizationID: "10",
			payments.MetaTemplateID:     "5",
			payments.MetaStartTime:      start.Format(time.RFC3339),
			payments.MetaSpots:          "3",
		},
	})
	for i := 0; i < 3; i++ {
		if err := f.svc.ProcessEvent(context.Background(), event); err != nil {
			t.Fatalf("delivery %d returned error: %v", i, err)
		}
	}
	if len(f.ledger.createdIDs) != 1 {
		t.Fatalf("created %d bookings across replays, want 1", len(f.ledger.createdIDs))
	}
	if f.ledger.heldSpots != 3 {
		t.Errorf("held spots = %d, replays must not accumulate holds", f.ledger.heldSpots)
	}
	if len(f.failures.failures) != 0 {
		t.Errorf("recorded %d failures, replays of the same checkout must be clean no-ops", len(f.failures.failures))
	}
}

func TestMetadataPathOverbookIsReported(t *testing.T) {
	f := newReconcilerFixture(1)

	start := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	event := paymentEvent(t, "evt_4", payments.EventCheckoutCompleted, payments.CheckoutSession{
		ID:            "cs_over",
		AmountTotal:   3000,
		CustomerEmail: "guest@example.com",
		Metadata: map[string]string{
			payments.MetaOrganizationID: "10",
			payments.MetaTemplateID:     "5",
			payments.MetaStartTime:      start.Format(time.RFC3339),
			payments.MetaSpots:          "3",
		},
	})
	if err := f.svc.ProcessEvent(context.Background(), event); err == nil {
		t.Fatal("overbook on payment must surface as an error")
	}
	if len(f.failures.failures) != 1 {
		t.Fatalf("recorded %d failures, want 1", len(f.failures.failures))
	}
	found := false
	for _, key := range f.publisher.published {
		if key == events.RoutingReconciliationFailed {
			found = true
		}
	}
	if !found {
		t.Error("overbook must be published to the operator routing key")
	}
}

func TestMetadataPathIncompleteMetadataIsRecorded(t *testing.T) {
	f := newReconcilerFixture(10)

	event := paymentEvent(t, "evt_5", payments.EventCheckoutCompleted, payments.CheckoutSession{
		ID:       "cs_bad",
		Metadata: map[string]string{payments.MetaOrganizationID: "10"},
	})
	if err := f.svc.ProcessEvent(context.Background(), event); err == nil {
		t.Fatal("expected error for incomplete metadata")
	}
	if len(f.failures.failures) != 1 {
		t.Fatalf("recorded %d failures, want 1", len(f.failures.failures))
	}
}

func TestPaymentFailedMarksAxisOnly(t *testing.T) {
	f := newReconcilerFixture(10, &models.Booking{
		ID:            1,
		Reference:     "ref-1",
		Status:        models.BookingStatusPendingPayment,
		PaymentStatus: models.PaymentStatusPending,
	})

	event := paymentEvent(t, "evt_6", payments.EventPaymentFailed, payments.PaymentIntent{
		ID:       "pi_1",
		Status:   "requires_payment_method",
		Metadata: map[string]string{payments.MetaBookingReference: "ref-1"},
	})
	if err := f.svc.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("ProcessEvent returned error: %v", err)
	}
	if f.store.bookings[1].PaymentStatus != models.PaymentStatusFailed {
		t.Errorf("payment_status = %q, want failed", f.store.bookings[1].PaymentStatus)
	}
	if f.store.bookings[1].Status != models.BookingStatusPendingPayment {
		t.Errorf("status = %q, the hold must not be released", f.store.bookings[1].Status)
	}
}

func TestSubscriptionEventsDispatch(t *testing.T) {
	f := newReconcilerFixture(10)

	created := paymentEvent(t, "evt_7", payments.EventSubscriptionCreated, payments.Subscription{
		ID:     "sub_1",
		Status: "active",
		Metadata: map[string]string{
			payments.MetaUserID:         "7",
			payments.MetaOrganizationID: "10",
		},
	})
	if err := f.svc.ProcessEvent(context.Background(), created); err != nil {
		t.Fatalf("created dispatch failed: %v", err)
	}
	updated := paymentEvent(t, "evt_8", payments.EventSubscriptionUpdated, payments.Subscription{ID: "sub_1", Status: "active"})
	if err := f.svc.ProcessEvent(context.Background(), updated); err != nil {
		t.Fatalf("updated dispatch failed: %v", err)
	}
	deleted := paymentEvent(t, "evt_9", payments.EventSubscriptionDeleted, payments.Subscription{ID: "sub_1", Status: "canceled"})
	if err := f.svc.ProcessEvent(context.Background(), deleted); err != nil {
		t.Fatalf("deleted dispatch failed: %v", err)
	}

	if len(f.memberships.created) != 1 || len(f.memberships.updated) != 1 || len(f.memberships.deleted) != 1 {
		t.Errorf("dispatch counts = %d/%d/%d, want 1/1/1",
			len(f.memberships.created), len(f.memberships.updated), len(f.memberships.deleted))
	}
}

func TestUnknownEventTypeIgnored(t *testing.T) {
	f := newReconcilerFixture(10)

	event := paymentEvent(t, "evt_10", "invoice.paid", map[string]string{"id": "in_1"})
	if err := f.svc.ProcessEvent(context.Background(), event); err != nil {
		t.Fatalf("unknown event types must be ignored, got error: %v", err)
	}
	if len(f.failures.failures) != 0 {
		t.Errorf("recorded %d failures, want 0", len(f.failures.failures))
	}
}
