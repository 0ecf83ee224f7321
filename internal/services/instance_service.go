package services

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wilgrace/session-sub001/internal/events"
	"github.com/wilgrace/session-sub001/internal/models"
	"github.com/wilgrace/session-sub001/internal/repository"
)

// DefaultExpansionHorizon is how far ahead schedule expansion materializes
// instances.
const DefaultExpansionHorizon = 28 * 24 * time.Hour

type templateReader interface {
	GetByID(ctx context.Context, templateID int64) (*models.SessionTemplate, error)
	ListSchedules(ctx context.Context, templateID int64) ([]models.TemplateSchedule, error)
}

type instanceStore interface {
	GetOrCreate(ctx context.Context, templateID int64, organizationID int64, startAt time.Time, endAt time.Time) (*models.SessionInstance, bool, error)
	GetDetail(ctx context.Context, instanceID int64) (*models.InstanceDetail, error)
	ListUpcomingByTemplate(ctx context.Context, templateID int64, until time.Time) ([]models.InstanceDetail, error)
}

type InstanceService struct {
	db           *pgxpool.Pool
	instanceRepo instanceStore
	templateRepo templateReader
	publisher    events.Publisher
}

func NewInstanceService(
	db *pgxpool.Pool,
	instanceRepo instanceStore,
	templateRepo templateReader,
	publisher events.Publisher,
) *InstanceService {
	return &InstanceService{
		db:           db,
		instanceRepo: instanceRepo,
		templateRepo: templateRepo,
		publisher:    publisher,
	}
}

// GetOrCreateInstance resolves the concrete occurrence of a template at a
// start time, creating it lazily on first use. Safe under concurrent first
// bookings: identity is the (template, start time) unique key, and creation
// is a single conflict-ignoring insert.
func (s *InstanceService) GetOrCreateInstance(
	ctx context.Context,
	templateID int64,
	startAt time.Time,
) (*models.SessionInstance, error) {
	template, err := s.templateRepo.GetByID(ctx, templateID)
	if err != nil {
		return nil, err
	}

	startAt = startAt.UTC()
	endAt := startAt.Add(time.Duration(template.DurationMinutes) * time.Minute)
	instance, _, err := s.instanceRepo.GetOrCreate(ctx, template.ID, template.OrganizationID, startAt, endAt)
	return instance, err
}

func (s *InstanceService) GetInstanceDetail(ctx context.Context, instanceID int64) (*models.InstanceDetail, error) {
	return s.instanceRepo.GetDetail(ctx, instanceID)
}

func (s *InstanceService) ListUpcoming(ctx context.Context, templateID int64, horizon time.Duration) ([]models.InstanceDetail, error) {
	if horizon <= 0 {
		horizon = DefaultExpansionHorizon
	}
	return s.instanceRepo.ListUpcomingByTemplate(ctx, templateID, time.Now().UTC().Add(horizon))
}

// CancelInstance marks the instance cancelled, releases every held booking
// on it, and reports how many of those need refunds. Cancelling an already
// cancelled instance is a no-op returning zero counts. The whole thing runs
// in one transaction; refund execution is an output event and happens after
// commit, fire-and-forget relative to this call.
func (s *InstanceService) CancelInstance(
	ctx context.Context,
	organizationID int64,
	instanceID int64,
	reason *string,
) (*models.CancelInstanceResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txInstanceRepo := repository.NewInstanceRepository(tx)
	txBookingRepo := repository.NewBookingRepository(tx)

	instance, err := txInstanceRepo.GetByIDForUpdate(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance.OrganizationID != organizationID {
		return nil, ErrForbidden
	}
	if instance.Status == models.InstanceStatusCancelled {
		return &models.CancelInstanceResult{}, nil
	}

	cancelledInstance, err := txInstanceRepo.CancelIfScheduled(ctx, instanceID, reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &models.CancelInstanceResult{}, nil
		}
		return nil, err
	}

	cancelled, refunded, err := txBookingRepo.CancelHeldByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.publishCancellation(ctx, cancelledInstance, cancelled, refunded)

	return &models.CancelInstanceResult{
		CancelledBookings: cancelled,
		RefundedBookings:  refunded,
	}, nil
}

func (s *InstanceService) publishCancellation(ctx context.Context, instance *models.SessionInstance, cancelled, refunded int) {
	_ = s.publisher.Publish(ctx, events.RoutingInstanceCancelled, map[string]any{
		"instance_id":        instance.ID,
		"template_id":        instance.TemplateID,
		"organization_id":    instance.OrganizationID,
		"start_at":           instance.StartAt,
		"cancelled_bookings": cancelled,
		"refunded_bookings":  refunded,
	})
	if refunded > 0 {
		_ = s.publisher.Publish(ctx, events.RoutingBookingRefundDue, map[string]any{
			"instance_id":     instance.ID,
			"organization_id": instance.OrganizationID,
			"refund_count":    refunded,
		})
	}
}

// ExpandSchedules materializes concrete instances for a template's
// recurring slots over the horizon, plus the single occurrence of a
// one-off template. Re-running is cheap: existing instances are found, not
// duplicated.
func (s *InstanceService) ExpandSchedules(
	ctx context.Context,
	templateID int64,
	horizon time.Duration,
) (int, error) {
	if horizon <= 0 {
		horizon = DefaultExpansionHorizon
	}

	template, err := s.templateRepo.GetByID(ctx, templateID)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	until := now.Add(horizon)
	starts := make([]time.Time, 0)

	if template.OneOffStartAt != nil {
		start := template.OneOffStartAt.UTC()
		if start.After(now) && start.Before(until) {
			starts = append(starts, start)
		}
	}

	schedules, err := s.templateRepo.ListSchedules(ctx, templateID)
	if err != nil {
		return 0, err
	}
	for _, schedule := range schedules {
		starts = append(starts, occurrencesBetween(schedule, now, until)...)
	}

	created := 0
	duration := time.Duration(template.DurationMinutes) * time.Minute
	for _, start := range starts {
		_, wasCreated, err := s.instanceRepo.GetOrCreate(ctx, template.ID, template.OrganizationID, start, start.Add(duration))
		if err != nil {
			return created, err
		}
		if wasCreated {
			created++
		}
	}
	return created, nil
}

// occurrencesBetween lists the concrete UTC start times of one weekly slot
// inside (from, until).
func occurrencesBetween(schedule models.TemplateSchedule, from, until time.Time) []time.Time {
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	offset := (schedule.Weekday - int(day.Weekday()) + 7) % 7
	first := day.AddDate(0, 0, offset).Add(time.Duration(schedule.StartMinutes) * time.Minute)

	starts := make([]time.Time, 0)
	for start := first; start.Before(until); start = start.AddDate(0, 0, 7) {
		if start.After(from) {
			starts = append(starts, start)
		}
	}
	return starts
}
