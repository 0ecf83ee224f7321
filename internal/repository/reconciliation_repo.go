package repository

import (
	"context"

	"github.com/wilgrace/session-sub001/internal/models"
)

type CreateReconciliationFailureInput struct {
	OrganizationID   *int64
	EventID          string
	EventType        string
	BookingReference *string
	Reason           string
	Details          *string
}

type ReconciliationRepository struct {
	db DBTX
}

func NewReconciliationRepository(db DBTX) *ReconciliationRepository {
	return &ReconciliationRepository{db: db}
}

func (r *ReconciliationRepository) Create(ctx context.Context, input CreateReconciliationFailureInput) (*models.ReconciliationFailure, error) {
	query := `
		INSERT INTO reconciliation_failures
			(organization_id, event_id, event_type, booking_reference, reason, details)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, organization_id, event_id, event_type, booking_reference, reason, details, created_at
	`
	var failure models.ReconciliationFailure
	err := r.db.QueryRow(
		ctx,
		query,
		input.OrganizationID,
		input.EventID,
		input.EventType,
		input.BookingReference,
		input.Reason,
		input.Details,
	).Scan(
		&failure.ID,
		&failure.OrganizationID,
		&failure.EventID,
		&failure.EventType,
		&failure.BookingReference,
		&failure.Reason,
		&failure.Details,
		&failure.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &failure, nil
}

func (r *ReconciliationRepository) ListByOrganization(ctx context.Context, organizationID int64, limit int) ([]models.ReconciliationFailure, error) {
	query := `
		SELECT id, organization_id, event_id, event_type, booking_reference, reason, details, created_at
		FROM reconciliation_failures
		WHERE organization_id = $1
		ORDER BY id DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, organizationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	failures := make([]models.ReconciliationFailure, 0)
	for rows.Next() {
		var failure models.ReconciliationFailure
		if err := rows.Scan(
			&failure.ID,
			&failure.OrganizationID,
			&failure.EventID,
			&failure.EventType,
			&failure.BookingReference,
			&failure.Reason,
			&failure.Details,
			&failure.CreatedAt,
		); err != nil {
			return nil, err
		}
		failures = append(failures, failure)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return failures, nil
}
