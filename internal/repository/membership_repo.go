package repository

import (
	"context"
	"time"

	"github.com/wilgrace/session-sub001/internal/models"
)

const membershipTierColumns = `id, organization_id, name, price, billing_period,
		discount_type, discount_percent, fixed_session_price, created_at, updated_at`

const userMembershipColumns = `id, user_id, organization_id, membership_id, status,
		current_period_start, current_period_end, external_subscription_id, cancelled_at,
		created_at, updated_at`

type UpsertUserMembershipInput struct {
	UserID                 int64
	OrganizationID         int64
	MembershipID           *int64
	Status                 string
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	ExternalSubscriptionID *string
	CancelledAt            *time.Time
}

type MembershipRepository struct {
	db DBTX
}

func NewMembershipRepository(db DBTX) *MembershipRepository {
	return &MembershipRepository{db: db}
}

func scanTier(row interface{ Scan(dest ...any) error }, tier *models.Membership) error {
	return row.Scan(
		&tier.ID,
		&tier.OrganizationID,
		&tier.Name,
		&tier.Price,
		&tier.BillingPeriod,
		&tier.DiscountType,
		&tier.DiscountPercent,
		&tier.FixedSessionPrice,
		&tier.CreatedAt,
		&tier.UpdatedAt,
	)
}

func scanUserMembership(row interface{ Scan(dest ...any) error }, m *models.UserMembership) error {
	return row.Scan(
		&m.ID,
		&m.UserID,
		&m.OrganizationID,
		&m.MembershipID,
		&m.Status,
		&m.CurrentPeriodStart,
		&m.CurrentPeriodEnd,
		&m.ExternalSubscriptionID,
		&m.CancelledAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
}

func (r *MembershipRepository) CreateTier(ctx context.Context, tier *models.Membership) error {
	query := `
		INSERT INTO memberships
			(organization_id, name, price, billing_period, discount_type, discount_percent, fixed_session_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`
	return r.db.QueryRow(
		ctx,
		query,
		tier.OrganizationID,
		tier.Name,
		tier.Price,
		tier.BillingPeriod,
		tier.DiscountType,
		tier.DiscountPercent,
		tier.FixedSessionPrice,
	).Scan(&tier.ID, &tier.CreatedAt, &tier.UpdatedAt)
}

func (r *MembershipRepository) GetTierByID(ctx context.Context, tierID int64) (*models.Membership, error) {
	query := `
		SELECT ` + membershipTierColumns + `
		FROM memberships
		WHERE id = $1
	`
	var tier models.Membership
	if err := scanTier(r.db.QueryRow(ctx, query, tierID), &tier); err != nil {
		return nil, err
	}
	return &tier, nil
}

func (r *MembershipRepository) ListTiersByOrganization(ctx context.Context, organizationID int64) ([]models.Membership, error) {
	query := `
		SELECT ` + membershipTierColumns + `
		FROM memberships
		WHERE organization_id = $1
		ORDER BY price ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tiers := make([]models.Membership, 0)
	for rows.Next() {
		var tier models.Membership
		if err := scanTier(rows, &tier); err != nil {
			return nil, err
		}
		tiers = append(tiers, tier)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tiers, nil
}

// Upsert writes the (user, organization) subscription record. The conflict
// target is the composite unique key, so any number of subscription events
// for one user in one organization collapse onto a single row.
func (r *MembershipRepository) Upsert(ctx context.Context, input UpsertUserMembershipInput) (*models.UserMembership, error) {
	query := `
		INSERT INTO user_memberships
			(user_id, organization_id, membership_id, status, current_period_start,
			 current_period_end, external_subscription_id, cancelled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, organization_id) DO UPDATE SET
			membership_id = EXCLUDED.membership_id,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			external_subscription_id = EXCLUDED.external_subscription_id,
			cancelled_at = EXCLUDED.cancelled_at,
			updated_at = NOW()
		RETURNING ` + userMembershipColumns + `
	`
	var membership models.UserMembership
	err := scanUserMembership(r.db.QueryRow(
		ctx,
		query,
		input.UserID,
		input.OrganizationID,
		input.MembershipID,
		input.Status,
		input.CurrentPeriodStart,
		input.CurrentPeriodEnd,
		input.ExternalSubscriptionID,
		input.CancelledAt,
	), &membership)
	if err != nil {
		return nil, err
	}
	return &membership, nil
}

func (r *MembershipRepository) GetByUserAndOrganization(ctx context.Context, userID int64, organizationID int64) (*models.UserMembership, error) {
	query := `
		SELECT ` + userMembershipColumns + `
		FROM user_memberships
		WHERE user_id = $1 AND organization_id = $2
	`
	var membership models.UserMembership
	if err := scanUserMembership(r.db.QueryRow(ctx, query, userID, organizationID), &membership); err != nil {
		return nil, err
	}
	return &membership, nil
}

func (r *MembershipRepository) GetByExternalSubscriptionID(ctx context.Context, externalSubscriptionID string) (*models.UserMembership, error) {
	query := `
		SELECT ` + userMembershipColumns + `
		FROM user_memberships
		WHERE external_subscription_id = $1
	`
	var membership models.UserMembership
	if err := scanUserMembership(r.db.QueryRow(ctx, query, externalSubscriptionID), &membership); err != nil {
		return nil, err
	}
	return &membership, nil
}
