package services

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/wilgrace/session-sub001/internal/events"
	"github.com/wilgrace/session-sub001/internal/models"
	"github.com/wilgrace/session-sub001/internal/payments"
	"github.com/wilgrace/session-sub001/internal/repository"
)

type membershipStore interface {
	GetTierByID(ctx context.Context, tierID int64) (*models.Membership, error)
	ListTiersByOrganization(ctx context.Context, organizationID int64) ([]models.Membership, error)
	CreateTier(ctx context.Context, tier *models.Membership) error
	Upsert(ctx context.Context, input repository.UpsertUserMembershipInput) (*models.UserMembership, error)
	GetByUserAndOrganization(ctx context.Context, userID int64, organizationID int64) (*models.UserMembership, error)
	GetByExternalSubscriptionID(ctx context.Context, externalSubscriptionID string) (*models.UserMembership, error)
}

type MembershipService struct {
	membershipRepo membershipStore
	publisher      events.Publisher
	now            func() time.Time
}

func NewMembershipService(membershipRepo membershipStore, publisher events.Publisher) *MembershipService {
	return &MembershipService{
		membershipRepo: membershipRepo,
		publisher:      publisher,
		now:            time.Now,
	}
}

type CreateTierInput struct {
	OrganizationID    int64
	Name              string
	Price             int64
	BillingPeriod     string
	DiscountType      string
	DiscountPercent   int
	FixedSessionPrice *int64
}

func (s *MembershipService) CreateTier(ctx context.Context, input CreateTierInput) (*models.Membership, error) {
	if input.Name == "" || input.Price < 0 {
		return nil, ErrInvalidInput
	}
	switch input.BillingPeriod {
	case models.BillingPeriodMonth, models.BillingPeriodYear:
	default:
		return nil, ErrInvalidInput
	}
	switch input.DiscountType {
	case models.DiscountTypePercentage:
		if input.DiscountPercent < 0 || input.DiscountPercent > 100 {
			return nil, ErrInvalidInput
		}
	case models.DiscountTypeFixed:
		if input.FixedSessionPrice == nil || *input.FixedSessionPrice < 0 {
			return nil, ErrInvalidInput
		}
	default:
		return nil, ErrInvalidInput
	}

	tier := &models.Membership{
		OrganizationID:    input.OrganizationID,
		Name:              input.Name,
		Price:             input.Price,
		BillingPeriod:     input.BillingPeriod,
		DiscountType:      input.DiscountType,
		DiscountPercent:   input.DiscountPercent,
		FixedSessionPrice: input.FixedSessionPrice,
	}
	if err := s.membershipRepo.CreateTier(ctx, tier); err != nil {
		return nil, err
	}
	return tier, nil
}

func (s *MembershipService) ListTiers(ctx context.Context, organizationID int64) ([]models.Membership, error) {
	return s.membershipRepo.ListTiersByOrganization(ctx, organizationID)
}

func (s *MembershipService) GetUserMembership(ctx context.Context, userID int64, organizationID int64) (*models.UserMembership, error) {
	membership, err := s.membershipRepo.GetByUserAndOrganization(ctx, userID, organizationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return membership, nil
}

// ApplySubscriptionCreated activates the membership with the period bounds
// from the event. The upsert key is (user, organization), so redelivered
// created events collapse onto the same row.
func (s *MembershipService) ApplySubscriptionCreated(
	ctx context.Context,
	userID int64,
	organizationID int64,
	membershipID *int64,
	sub *payments.Subscription,
) (*models.UserMembership, error) {
	membership, err := s.membershipRepo.Upsert(ctx, repository.UpsertUserMembershipInput{
		UserID:                 userID,
		OrganizationID:         organizationID,
		MembershipID:           membershipID,
		Status:                 models.MembershipStatusActive,
		CurrentPeriodStart:     sub.PeriodStart(),
		CurrentPeriodEnd:       sub.PeriodEnd(),
		ExternalSubscriptionID: &sub.ID,
	})
	if err != nil {
		return nil, err
	}
	s.publishMembershipUpdated(ctx, membership)
	return membership, nil
}

// ApplySubscriptionUpdated derives the new status from the event's flags:
// cancel_at_period_end marks the row cancelled with benefits running out the
// clock, a terminal provider status expires it, anything else keeps it
// active. Period bounds refresh only when the event carries them.
func (s *MembershipService) ApplySubscriptionUpdated(ctx context.Context, sub *payments.Subscription) (*models.UserMembership, error) {
	current, err := s.membershipRepo.GetByExternalSubscriptionID(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidStateTransition
		}
		return nil, err
	}

	status := models.MembershipStatusActive
	cancelledAt := current.CancelledAt
	switch {
	case sub.Status == "canceled":
		status = models.MembershipStatusExpired
	case sub.CancelAtPeriodEnd:
		status = models.MembershipStatusCancelled
		if cancelledAt == nil {
			now := s.now().UTC()
			cancelledAt = &now
		}
	default:
		cancelledAt = nil
	}

	periodStart := current.CurrentPeriodStart
	if start := sub.PeriodStart(); start != nil {
		periodStart = start
	}
	periodEnd := current.CurrentPeriodEnd
	if end := sub.PeriodEnd(); end != nil {
		periodEnd = end
	}

	membership, err := s.membershipRepo.Upsert(ctx, repository.UpsertUserMembershipInput{
		UserID:                 current.UserID,
		OrganizationID:         current.OrganizationID,
		MembershipID:           current.MembershipID,
		Status:                 status,
		CurrentPeriodStart:     periodStart,
		CurrentPeriodEnd:       periodEnd,
		ExternalSubscriptionID: current.ExternalSubscriptionID,
		CancelledAt:            cancelledAt,
	})
	if err != nil {
		return nil, err
	}
	s.publishMembershipUpdated(ctx, membership)
	return membership, nil
}

// ApplySubscriptionDeleted clears the subscription reference entirely. This
// is the only transition that does, because the subscription no longer
// exists upstream. A deleted event for an unknown subscription is a no-op:
// it already converged, likely via an earlier delivery.
func (s *MembershipService) ApplySubscriptionDeleted(ctx context.Context, sub *payments.Subscription) (*models.UserMembership, error) {
	current, err := s.membershipRepo.GetByExternalSubscriptionID(ctx, sub.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	now := s.now().UTC()
	membership, err := s.membershipRepo.Upsert(ctx, repository.UpsertUserMembershipInput{
		UserID:                 current.UserID,
		OrganizationID:         current.OrganizationID,
		MembershipID:           current.MembershipID,
		Status:                 models.MembershipStatusNone,
		CurrentPeriodStart:     current.CurrentPeriodStart,
		CurrentPeriodEnd:       current.CurrentPeriodEnd,
		ExternalSubscriptionID: nil,
		CancelledAt:            &now,
	})
	if err != nil {
		return nil, err
	}
	s.publishMembershipUpdated(ctx, membership)
	return membership, nil
}

func (s *MembershipService) publishMembershipUpdated(ctx context.Context, membership *models.UserMembership) {
	_ = s.publisher.Publish(ctx, events.RoutingMembershipUpdated, map[string]any{
		"user_id":         membership.UserID,
		"organization_id": membership.OrganizationID,
		"membership_id":   membership.MembershipID,
		"status":          membership.Status,
	})
}
