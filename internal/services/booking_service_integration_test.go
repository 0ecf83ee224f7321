package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/wilgrace/session-sub001/internal/events"
	"github.com/wilgrace/session-sub001/internal/models"
	"github.com/wilgrace/session-sub001/internal/repository"
)

var (
	testDBOnce sync.Once
	testDBPool *pgxpool.Pool
	testDBErr  error
)

func TestBookingServiceBookAndConfirmFlow(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationBookingService(pool)

	orgID := createTestOrganization(t, ctx, pool)
	t.Cleanup(func() { cleanupTestOrganization(t, ctx, pool, orgID) })

	userID := createTestUser(t, ctx, pool, "flow")
	templateID := createTestTemplate(t, ctx, pool, orgID, 3, 2000)
	instanceID := createTestInstance(t, ctx, pool, templateID, orgID)

	detail, err := service.CreateBooking(ctx, CreateBookingInput{
		OrganizationID:    orgID,
		SessionInstanceID: instanceID,
		UserID:            userID,
		Spots:             2,
	})
	if err != nil {
		t.Fatalf("CreateBooking: %v", err)
	}
	if detail.Status != models.BookingStatusPendingPayment {
		t.Fatalf("expected pending_payment, got %q", detail.Status)
	}
	if detail.AmountPaid != 0 {
		t.Fatalf("expected unpaid hold, got amount %d", detail.AmountPaid)
	}

	if _, err := service.BeginCheckout(ctx, detail.ID, "cs_flow_1"); err != nil {
		t.Fatalf("BeginCheckout: %v", err)
	}

	intentID := "pi_flow_1"
	confirmed, err := service.ConfirmBooking(ctx, detail.ID, "cs_flow_1", &intentID, 4000)
	if err != nil {
		t.Fatalf("ConfirmBooking: %v", err)
	}
	if confirmed.Status != models.BookingStatusConfirmed {
		t.Fatalf("expected confirmed, got %q", confirmed.Status)
	}
	if confirmed.PaymentStatus != models.PaymentStatusCompleted {
		t.Fatalf("expected completed payment, got %q", confirmed.PaymentStatus)
	}

	// Provider retries deliver the same event again.
	replayed, err := service.ConfirmBooking(ctx, detail.ID, "cs_flow_1", &intentID, 4000)
	if err != nil {
		t.Fatalf("ConfirmBooking replay: %v", err)
	}
	if replayed.Status != models.BookingStatusConfirmed {
		t.Fatalf("expected replay to converge on confirmed, got %q", replayed.Status)
	}
}

func TestBookingServiceConcurrentBookingsNeverOversell(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationBookingService(pool)

	orgID := createTestOrganization(t, ctx, pool)
	t.Cleanup(func() { cleanupTestOrganization(t, ctx, pool, orgID) })

	templateID := createTestTemplate(t, ctx, pool, orgID, 3, 1500)
	instanceID := createTestInstance(t, ctx, pool, templateID, orgID)

	const attempts = 6
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		userID := createTestUser(t, ctx, pool, fmt.Sprintf("race-%d", i))
		wg.Add(1)
		go func(slot int, uid int64) {
			defer wg.Done()
			_, errs[slot] = service.CreateBooking(ctx, CreateBookingInput{
				OrganizationID:    orgID,
				SessionInstanceID: instanceID,
				UserID:            uid,
				Spots:             1,
			})
		}(i, userID)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrCapacityExceeded):
		default:
			t.Fatalf("unexpected booking error: %v", err)
		}
	}
	if succeeded != 3 {
		t.Fatalf("expected exactly 3 bookings to fit capacity 3, got %d", succeeded)
	}

	held, err := repository.NewBookingRepository(pool).SumHeldSpots(ctx, instanceID)
	if err != nil {
		t.Fatalf("SumHeldSpots: %v", err)
	}
	if held != 3 {
		t.Fatalf("expected 3 held spots, got %d", held)
	}
}

func TestBookingServiceExpireReleasesSpots(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationBookingService(pool)

	orgID := createTestOrganization(t, ctx, pool)
	t.Cleanup(func() { cleanupTestOrganization(t, ctx, pool, orgID) })

	firstUserID := createTestUser(t, ctx, pool, "expire-first")
	secondUserID := createTestUser(t, ctx, pool, "expire-second")
	templateID := createTestTemplate(t, ctx, pool, orgID, 1, 1200)
	instanceID := createTestInstance(t, ctx, pool, templateID, orgID)

	held, err := service.CreateBooking(ctx, CreateBookingInput{
		OrganizationID:    orgID,
		SessionInstanceID: instanceID,
		UserID:            firstUserID,
		Spots:             1,
	})
	if err != nil {
		t.Fatalf("CreateBooking first: %v", err)
	}

	if _, err := service.CreateBooking(ctx, CreateBookingInput{
		OrganizationID:    orgID,
		SessionInstanceID: instanceID,
		UserID:            secondUserID,
		Spots:             1,
	}); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded while the hold is live, got %v", err)
	}

	if err := service.ExpireOrCancelPendingBooking(ctx, held.ID); err != nil {
		t.Fatalf("ExpireOrCancelPendingBooking: %v", err)
	}

	rebooked, err := service.CreateBooking(ctx, CreateBookingInput{
		OrganizationID:    orgID,
		SessionInstanceID: instanceID,
		UserID:            secondUserID,
		Spots:             1,
	})
	if err != nil {
		t.Fatalf("CreateBooking after expiry: %v", err)
	}
	if rebooked.Status != models.BookingStatusPendingPayment {
		t.Fatalf("expected the released spot to be bookable, got %q", rebooked.Status)
	}
}

func TestBookingServicePaidBookingReplayCreatesOneBooking(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationBookingService(pool)

	orgID := createTestOrganization(t, ctx, pool)
	t.Cleanup(func() { cleanupTestOrganization(t, ctx, pool, orgID) })

	userID := createTestUser(t, ctx, pool, "paid-replay")
	templateID := createTestTemplate(t, ctx, pool, orgID, 3, 2000)
	instanceID := createTestInstance(t, ctx, pool, templateID, orgID)

	input := CreatePaidBookingInput{
		OrganizationID:    orgID,
		SessionInstanceID: instanceID,
		UserID:            userID,
		Spots:             2,
		UnitPrice:         2000,
		AmountPaid:        4000,
		CheckoutSessionID: "cs_paid_replay_1",
		PaymentIntentID:   "pi_paid_replay_1",
	}
	first, err := service.CreatePaidBooking(ctx, input)
	if err != nil {
		t.Fatalf("CreatePaidBooking: %v", err)
	}
	if first.Status != models.BookingStatusConfirmed || first.PaymentStatus != models.PaymentStatusCompleted {
		t.Fatalf("expected confirmed/completed, got %q/%q", first.Status, first.PaymentStatus)
	}

	// Provider retries redeliver the completed checkout.
	for i := 0; i < 2; i++ {
		replayed, err := service.CreatePaidBooking(ctx, input)
		if err != nil {
			t.Fatalf("CreatePaidBooking replay %d: %v", i, err)
		}
		if replayed.ID != first.ID {
			t.Fatalf("replay %d minted booking %d, want the original %d", i, replayed.ID, first.ID)
		}
	}

	held, err := repository.NewBookingRepository(pool).SumHeldSpots(ctx, instanceID)
	if err != nil {
		t.Fatalf("SumHeldSpots: %v", err)
	}
	if held != 2 {
		t.Fatalf("expected 2 held spots after replays, got %d", held)
	}
}

func TestBookingServicePaidBookingRejectsForeignOrganization(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service := newIntegrationBookingService(pool)

	orgID := createTestOrganization(t, ctx, pool)
	otherOrgID := createTestOrganization(t, ctx, pool)
	t.Cleanup(func() {
		cleanupTestOrganization(t, ctx, pool, orgID)
		cleanupTestOrganization(t, ctx, pool, otherOrgID)
	})

	userID := createTestUser(t, ctx, pool, "paid-foreign")
	templateID := createTestTemplate(t, ctx, pool, orgID, 3, 2000)
	instanceID := createTestInstance(t, ctx, pool, templateID, orgID)

	_, err := service.CreatePaidBooking(ctx, CreatePaidBookingInput{
		OrganizationID:    otherOrgID,
		SessionInstanceID: instanceID,
		UserID:            userID,
		Spots:             1,
		UnitPrice:         2000,
		AmountPaid:        2000,
		CheckoutSessionID: "cs_paid_foreign_1",
		PaymentIntentID:   "pi_paid_foreign_1",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for an instance outside the claimed organization, got %v", err)
	}
}

func integrationTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	testDBOnce.Do(func() {
		_ = godotenv.Load(".env")
		_ = godotenv.Load(filepath.Join("..", "..", ".env"))

		dbURL := os.Getenv("DB_URL")
		if dbURL == "" {
			testDBErr = fmt.Errorf("DB_URL is not set")
			return
		}

		cfg, err := pgxpool.ParseConfig(dbURL)
		if err != nil {
			testDBErr = err
			return
		}

		testDBPool, testDBErr = pgxpool.NewWithConfig(context.Background(), cfg)
		if testDBErr != nil {
			return
		}
		testDBErr = testDBPool.Ping(context.Background())
	})

	if testDBErr != nil {
		t.Skipf("skipping integration test: %v", testDBErr)
	}
	return testDBPool
}

func newIntegrationBookingService(pool *pgxpool.Pool) *BookingService {
	return NewBookingService(
		pool,
		repository.NewBookingRepository(pool),
		repository.NewInstanceRepository(pool),
		repository.NewTemplateRepository(pool),
		repository.NewMembershipRepository(pool),
		repository.NewUserRepository(pool),
		events.NewNoopPublisher(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func createTestOrganization(t *testing.T, ctx context.Context, pool *pgxpool.Pool) int64 {
	t.Helper()

	org := &models.Organization{
		Slug:     fmt.Sprintf("booking-test-%d", time.Now().UnixNano()),
		Name:     "Booking Test Org",
		Currency: "gbp",
	}
	if err := repository.NewOrganizationRepository(pool).Create(ctx, org); err != nil {
		t.Fatalf("Create organization: %v", err)
	}
	return org.ID
}

func createTestUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, tag string) int64 {
	t.Helper()

	hash := "test-hash"
	user := &models.User{
		Email:        fmt.Sprintf("booking-test-%s-%d@example.com", tag, time.Now().UnixNano()),
		PasswordHash: &hash,
		Role:         models.RoleMember,
	}
	if err := repository.NewUserRepository(pool).CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser(%s): %v", tag, err)
	}
	return user.ID
}

func createTestTemplate(t *testing.T, ctx context.Context, pool *pgxpool.Pool, orgID int64, capacity int, dropInPrice int64) int64 {
	t.Helper()

	template, err := repository.NewTemplateRepository(pool).Create(ctx, repository.CreateTemplateInput{
		OrganizationID:  orgID,
		Name:            "Test Session",
		Capacity:        capacity,
		DurationMinutes: 60,
		PricingType:     models.PricingTypePaid,
		DropInPrice:     dropInPrice,
		Visibility:      models.VisibilityOpen,
	})
	if err != nil {
		t.Fatalf("Create template: %v", err)
	}
	return template.ID
}

func createTestInstance(t *testing.T, ctx context.Context, pool *pgxpool.Pool, templateID int64, orgID int64) int64 {
	t.Helper()

	startAt := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Minute)
	instance, _, err := repository.NewInstanceRepository(pool).GetOrCreate(
		ctx, templateID, orgID, startAt, startAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetOrCreate instance: %v", err)
	}
	return instance.ID
}

func cleanupTestOrganization(t *testing.T, ctx context.Context, pool *pgxpool.Pool, orgID int64) {
	t.Helper()

	statements := []string{
		"DELETE FROM bookings WHERE organization_id = $1",
		"DELETE FROM session_instances WHERE organization_id = $1",
		"DELETE FROM template_schedules WHERE template_id IN (SELECT id FROM session_templates WHERE organization_id = $1)",
		"DELETE FROM session_templates WHERE organization_id = $1",
		"DELETE FROM user_memberships WHERE organization_id = $1",
		"DELETE FROM memberships WHERE organization_id = $1",
		"DELETE FROM users WHERE email LIKE 'booking-test-%'",
		"DELETE FROM organizations WHERE id = $1",
	}
	for _, statement := range statements {
		args := []any{orgID}
		if statement == "DELETE FROM users WHERE email LIKE 'booking-test-%'" {
			args = nil
		}
		if _, err := pool.Exec(ctx, statement, args...); err != nil {
			t.Fatalf("cleanup %q: %v", statement, err)
		}
	}
}
