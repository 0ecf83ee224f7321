package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/wilgrace/session-sub001/internal/models"
)

const instanceColumns = `id, template_id, organization_id, start_at, end_at, status,
		cancellation_reason, cancelled_at, created_at, updated_at`

type InstanceRepository struct {
	db DBTX
}

func NewInstanceRepository(db DBTX) *InstanceRepository {
	return &InstanceRepository{db: db}
}

func scanInstance(row interface{ Scan(dest ...any) error }, instance *models.SessionInstance) error {
	return row.Scan(
		&instance.ID,
		&instance.TemplateID,
		&instance.OrganizationID,
		&instance.StartAt,
		&instance.EndAt,
		&instance.Status,
		&instance.CancellationReason,
		&instance.CancelledAt,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
}

// GetOrCreate is the atomic "insert if absent, else fetch" keyed on
// (template_id, start_at). The unique constraint resolves concurrent first
// bookings for the same occurrence; the loser of the race falls through to
// the fetch. Never check-then-insert here.
func (r *InstanceRepository) GetOrCreate(
	ctx context.Context,
	templateID int64,
	organizationID int64,
	startAt time.Time,
	endAt time.Time,
) (*models.SessionInstance, bool, error) {
	insertQuery := `
		INSERT INTO session_instances (template_id, organization_id, start_at, end_at, status)
		VALUES ($1, $2, $3, $4, 'scheduled')
		ON CONFLICT (template_id, start_at) DO NOTHING
		RETURNING ` + instanceColumns + `
	`
	var instance models.SessionInstance
	err := scanInstance(r.db.QueryRow(ctx, insertQuery, templateID, organizationID, startAt, endAt), &instance)
	if err == nil {
		return &instance, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	fetchQuery := `
		SELECT ` + instanceColumns + `
		FROM session_instances
		WHERE template_id = $1 AND start_at = $2
	`
	if err := scanInstance(r.db.QueryRow(ctx, fetchQuery, templateID, startAt), &instance); err != nil {
		return nil, false, err
	}
	return &instance, false, nil
}

func (r *InstanceRepository) GetByID(ctx context.Context, instanceID int64) (*models.SessionInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM session_instances
		WHERE id = $1
	`
	var instance models.SessionInstance
	if err := scanInstance(r.db.QueryRow(ctx, query, instanceID), &instance); err != nil {
		return nil, err
	}
	return &instance, nil
}

func (r *InstanceRepository) GetByIDForUpdate(ctx context.Context, instanceID int64) (*models.SessionInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM session_instances
		WHERE id = $1
		FOR UPDATE
	`
	var instance models.SessionInstance
	if err := scanInstance(r.db.QueryRow(ctx, query, instanceID), &instance); err != nil {
		return nil, err
	}
	return &instance, nil
}

// GetDetail joins the template and live booking holds for the read paths.
func (r *InstanceRepository) GetDetail(ctx context.Context, instanceID int64) (*models.InstanceDetail, error) {
	query := `
		SELECT si.id, si.template_id, si.organization_id, si.start_at, si.end_at, si.status,
			si.cancellation_reason, si.cancelled_at, si.created_at, si.updated_at,
			t.name, t.capacity,
			GREATEST(t.capacity - COALESCE((
				SELECT SUM(b.number_of_spots)
				FROM bookings b
				WHERE b.session_instance_id = si.id
				  AND b.status IN ('pending_payment', 'confirmed', 'completed')
			), 0), 0)
		FROM session_instances si
		JOIN session_templates t ON t.id = si.template_id
		WHERE si.id = $1
	`
	var detail models.InstanceDetail
	err := r.db.QueryRow(ctx, query, instanceID).Scan(
		&detail.ID,
		&detail.TemplateID,
		&detail.OrganizationID,
		&detail.StartAt,
		&detail.EndAt,
		&detail.Status,
		&detail.CancellationReason,
		&detail.CancelledAt,
		&detail.CreatedAt,
		&detail.UpdatedAt,
		&detail.TemplateName,
		&detail.Capacity,
		&detail.SpotsRemaining,
	)
	if err != nil {
		return nil, err
	}
	return &detail, nil
}

func (r *InstanceRepository) ListUpcomingByTemplate(
	ctx context.Context,
	templateID int64,
	until time.Time,
) ([]models.InstanceDetail, error) {
	query := `
		SELECT si.id, si.template_id, si.organization_id, si.start_at, si.end_at, si.status,
			si.cancellation_reason, si.cancelled_at, si.created_at, si.updated_at,
			t.name, t.capacity,
			GREATEST(t.capacity - COALESCE((
				SELECT SUM(b.number_of_spots)
				FROM bookings b
				WHERE b.session_instance_id = si.id
				  AND b.status IN ('pending_payment', 'confirmed', 'completed')
			), 0), 0)
		FROM session_instances si
		JOIN session_templates t ON t.id = si.template_id
		WHERE si.template_id = $1
		  AND si.status = 'scheduled'
		  AND si.start_at >= NOW()
		  AND si.start_at < $2
		ORDER BY si.start_at ASC, si.id ASC
	`
	rows, err := r.db.Query(ctx, query, templateID, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	instances := make([]models.InstanceDetail, 0)
	for rows.Next() {
		var detail models.InstanceDetail
		if err := rows.Scan(
			&detail.ID,
			&detail.TemplateID,
			&detail.OrganizationID,
			&detail.StartAt,
			&detail.EndAt,
			&detail.Status,
			&detail.CancellationReason,
			&detail.CancelledAt,
			&detail.CreatedAt,
			&detail.UpdatedAt,
			&detail.TemplateName,
			&detail.Capacity,
			&detail.SpotsRemaining,
		); err != nil {
			return nil, err
		}
		instances = append(instances, detail)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return instances, nil
}

// CancelIfScheduled is the CAS that makes instance cancellation idempotent:
// the second cancel matches zero rows and comes back as pgx.ErrNoRows.
func (r *InstanceRepository) CancelIfScheduled(
	ctx context.Context,
	instanceID int64,
	reason *string,
) (*models.SessionInstance, error) {
	query := `
		UPDATE session_instances
		SET status = 'cancelled', cancellation_reason = $2, cancelled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'
		RETURNING ` + instanceColumns + `
	`
	var instance models.SessionInstance
	if err := scanInstance(r.db.QueryRow(ctx, query, instanceID, reason), &instance); err != nil {
		return nil, err
	}
	return &instance, nil
}
