package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wilgrace/session-sub001/internal/models"
)

const templateColumns = `id, organization_id, name, description, capacity, duration_minutes,
		pricing_type, drop_in_price, member_price, visibility, one_off_start_at, created_at, updated_at`

type CreateTemplateInput struct {
	OrganizationID  int64
	Name            string
	Description     *string
	Capacity        int
	DurationMinutes int
	PricingType     string
	DropInPrice     int64
	MemberPrice     *int64
	Visibility      string
	OneOffStartAt   *time.Time
}

type UpdateTemplateInput struct {
	Name            string
	Description     *string
	Capacity        int
	DurationMinutes int
	PricingType     string
	DropInPrice     int64
	MemberPrice     *int64
	Visibility      string
	OneOffStartAt   *time.Time
}

type TemplateListFilter struct {
	OrganizationID int64
	Visibility     string
	Page           int
	Limit          int
}

type TemplateRepository struct {
	db DBTX
}

func NewTemplateRepository(db DBTX) *TemplateRepository {
	return &TemplateRepository{db: db}
}

func scanTemplate(row interface{ Scan(dest ...any) error }, t *models.SessionTemplate) error {
	return row.Scan(
		&t.ID,
		&t.OrganizationID,
		&t.Name,
		&t.Description,
		&t.Capacity,
		&t.DurationMinutes,
		&t.PricingType,
		&t.DropInPrice,
		&t.MemberPrice,
		&t.Visibility,
		&t.OneOffStartAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
}

func (r *TemplateRepository) Create(ctx context.Context, input CreateTemplateInput) (*models.SessionTemplate, error) {
	query := `
		INSERT INTO session_templates
			(organization_id, name, description, capacity, duration_minutes,
			 pricing_type, drop_in_price, member_price, visibility, one_off_start_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + templateColumns + `
	`
	var template models.SessionTemplate
	err := scanTemplate(r.db.QueryRow(
		ctx,
		query,
		input.OrganizationID,
		input.Name,
		input.Description,
		input.Capacity,
		input.DurationMinutes,
		input.PricingType,
		input.DropInPrice,
		input.MemberPrice,
		input.Visibility,
		input.OneOffStartAt,
	), &template)
	if err != nil {
		return nil, err
	}
	return &template, nil
}

func (r *TemplateRepository) GetByID(ctx context.Context, templateID int64) (*models.SessionTemplate, error) {
	query := `
		SELECT ` + templateColumns + `
		FROM session_templates
		WHERE id = $1
	`
	var template models.SessionTemplate
	if err := scanTemplate(r.db.QueryRow(ctx, query, templateID), &template); err != nil {
		return nil, err
	}
	return &template, nil
}

func (r *TemplateRepository) Update(ctx context.Context, templateID int64, input UpdateTemplateInput) (*models.SessionTemplate, error) {
	query := `
		UPDATE session_templates
		SET name = $2, description = $3, capacity = $4, duration_minutes = $5,
			pricing_type = $6, drop_in_price = $7, member_price = $8,
			visibility = $9, one_off_start_at = $10, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + templateColumns + `
	`
	var template models.SessionTemplate
	err := scanTemplate(r.db.QueryRow(
		ctx,
		query,
		templateID,
		input.Name,
		input.Description,
		input.Capacity,
		input.DurationMinutes,
		input.PricingType,
		input.DropInPrice,
		input.MemberPrice,
		input.Visibility,
		input.OneOffStartAt,
	), &template)
	if err != nil {
		return nil, err
	}
	return &template, nil
}

// Delete cascades to schedules and instances through foreign keys.
func (r *TemplateRepository) Delete(ctx context.Context, templateID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM session_templates WHERE id = $1`, templateID)
	return err
}

func (r *TemplateRepository) List(ctx context.Context, filter TemplateListFilter) ([]models.SessionTemplate, int, error) {
	args := []any{filter.OrganizationID}
	whereParts := []string{"organization_id = $1"}

	if visibility := strings.TrimSpace(filter.Visibility); visibility != "" {
		args = append(args, visibility)
		whereParts = append(whereParts, fmt.Sprintf("visibility = $%d", len(args)))
	}
	where := strings.Join(whereParts, " AND ")

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM session_templates WHERE %s`, where)
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	offset := (filter.Page - 1) * filter.Limit
	args = append(args, filter.Limit, offset)
	query := fmt.Sprintf(`
		SELECT `+templateColumns+`
		FROM session_templates
		WHERE %s
		ORDER BY name ASC, id ASC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	templates := make([]models.SessionTemplate, 0)
	for rows.Next() {
		var template models.SessionTemplate
		if err := scanTemplate(rows, &template); err != nil {
			return nil, 0, err
		}
		templates = append(templates, template)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return templates, total, nil
}

func (r *TemplateRepository) AddSchedule(ctx context.Context, templateID int64, weekday int, startMinutes int) (*models.TemplateSchedule, error) {
	query := `
		INSERT INTO template_schedules (template_id, weekday, start_minutes)
		VALUES ($1, $2, $3)
		ON CONFLICT (template_id, weekday, start_minutes) DO NOTHING
		RETURNING id, template_id, weekday, start_minutes, created_at
	`
	var schedule models.TemplateSchedule
	err := r.db.QueryRow(ctx, query, templateID, weekday, startMinutes).Scan(
		&schedule.ID,
		&schedule.TemplateID,
		&schedule.Weekday,
		&schedule.StartMinutes,
		&schedule.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &schedule, nil
}

func (r *TemplateRepository) ListSchedules(ctx context.Context, templateID int64) ([]models.TemplateSchedule, error) {
	query := `
		SELECT id, template_id, weekday, start_minutes, created_at
		FROM template_schedules
		WHERE template_id = $1
		ORDER BY weekday ASC, start_minutes ASC
	`
	rows, err := r.db.Query(ctx, query, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schedules := make([]models.TemplateSchedule, 0)
	for rows.Next() {
		var schedule models.TemplateSchedule
		if err := rows.Scan(
			&schedule.ID,
			&schedule.TemplateID,
			&schedule.Weekday,
			&schedule.StartMinutes,
			&schedule.CreatedAt,
		); err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return schedules, nil
}

func (r *TemplateRepository) DeleteSchedule(ctx context.Context, templateID int64, scheduleID int64) error {
	_, err := r.db.Exec(
		ctx,
		`DELETE FROM template_schedules WHERE id = $1 AND template_id = $2`,
		scheduleID,
		templateID,
	)
	return err
}
