package repository

import (
	"context"

	"github.com/wilgrace/session-sub001/internal/models"
)

const organizationColumns = "id, slug, name, currency, created_at, updated_at"

type OrganizationRepository struct {
	db DBTX
}

func NewOrganizationRepository(db DBTX) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

func (r *OrganizationRepository) Create(ctx context.Context, org *models.Organization) error {
	query := `
		INSERT INTO organizations (slug, name, currency)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`
	return r.db.QueryRow(ctx, query, org.Slug, org.Name, org.Currency).
		Scan(&org.ID, &org.CreatedAt, &org.UpdatedAt)
}

func (r *OrganizationRepository) GetByID(ctx context.Context, id int64) (*models.Organization, error) {
	query := `
		SELECT ` + organizationColumns + `
		FROM organizations
		WHERE id = $1
	`
	var org models.Organization
	err := r.db.QueryRow(ctx, query, id).
		Scan(&org.ID, &org.Slug, &org.Name, &org.Currency, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (r *OrganizationRepository) GetBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	query := `
		SELECT ` + organizationColumns + `
		FROM organizations
		WHERE slug = $1
	`
	var org models.Organization
	err := r.db.QueryRow(ctx, query, slug).
		Scan(&org.ID, &org.Slug, &org.Name, &org.Currency, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (r *OrganizationRepository) UpdateName(ctx context.Context, id int64, name string) (*models.Organization, error) {
	query := `
		UPDATE organizations
		SET name = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + organizationColumns + `
	`
	var org models.Organization
	err := r.db.QueryRow(ctx, query, id, name).
		Scan(&org.ID, &org.Slug, &org.Name, &org.Currency, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &org, nil
}
