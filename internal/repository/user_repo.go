package repository

import (
	"context"

	"github.com/wilgrace/session-sub001/internal/models"
)

const userColumns = "id, email, name, password_hash, external_auth_id, role, is_guest, created_at, updated_at"

type UserRepository struct {
	db DBTX
}

func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

func scanUser(row interface{ Scan(dest ...any) error }, user *models.User) error {
	return row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.PasswordHash,
		&user.ExternalAuthID,
		&user.Role,
		&user.IsGuest,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
}

func (r *UserRepository) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (email, name, password_hash, external_auth_id, role, is_guest)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`
	return r.db.QueryRow(
		ctx,
		query,
		user.Email,
		user.Name,
		user.PasswordHash,
		user.ExternalAuthID,
		user.Role,
		user.IsGuest,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = $1
	`
	var user models.User
	if err := scanUser(r.db.QueryRow(ctx, query, id), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE email = $1
	`
	var user models.User
	if err := scanUser(r.db.QueryRow(ctx, query, email), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *UserRepository) GetByExternalAuthID(ctx context.Context, externalAuthID string) (*models.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE external_auth_id = $1
	`
	var user models.User
	if err := scanUser(r.db.QueryRow(ctx, query, externalAuthID), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetOrCreateGuest synthesizes a guest account from checkout contact
// details. The conflict clause makes the call atomic under concurrent
// events for the same email and returns the existing row, registered or
// guest, without overwriting it.
func (r *UserRepository) GetOrCreateGuest(ctx context.Context, email string, name *string) (*models.User, error) {
	query := `
		INSERT INTO users (email, name, role, is_guest)
		VALUES ($1, $2, 'member', TRUE)
		ON CONFLICT (email) DO UPDATE SET email = EXCLUDED.email
		RETURNING ` + userColumns + `
	`
	var user models.User
	if err := scanUser(r.db.QueryRow(ctx, query, email, name), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpgradeGuest attaches a registered identity to a guest account matched by
// email. A no-op on rows that are already registered.
func (r *UserRepository) UpgradeGuest(ctx context.Context, email string, externalAuthID string) (*models.User, error) {
	query := `
		UPDATE users
		SET external_auth_id = $2, is_guest = FALSE, updated_at = NOW()
		WHERE email = $1 AND is_guest = TRUE
		RETURNING ` + userColumns + `
	`
	var user models.User
	if err := scanUser(r.db.QueryRow(ctx, query, email, externalAuthID), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// PromoteGuest converts a guest row into a password-registered account.
func (r *UserRepository) PromoteGuest(ctx context.Context, email string, name *string, passwordHash string) (*models.User, error) {
	query := `
		UPDATE users
		SET name = COALESCE($2, name), password_hash = $3, is_guest = FALSE, updated_at = NOW()
		WHERE email = $1 AND is_guest = TRUE
		RETURNING ` + userColumns + `
	`
	var user models.User
	if err := scanUser(r.db.QueryRow(ctx, query, email, name, passwordHash), &user); err != nil {
		return nil, err
	}
	return &user, nil
}
