package postgres

import (
	"context"
	"database/sql"

	"livesession/internal/domain"
)

// UserRepository implements repository.UserRepository using PostgreSQL.
type UserRepository struct {
	q Querier
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{q: db}
}

const userColumns = `id, device_id, name, phone, role, created_at, updated_at`

// Upsert creates the user or overwrites the stored profile.
func (r *UserRepository) Upsert(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (id, device_id, name, phone, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET device_id = EXCLUDED.device_id, name = EXCLUDED.name, phone = EXCLUDED.phone,
			role = EXCLUDED.role, updated_at = EXCLUDED.updated_at
	`
	_, err := r.q.ExecContext(ctx, query,
		user.ID,
		user.DeviceID,
		user.Name,
		user.Phone,
		user.Role,
		user.CreatedAt,
		user.UpdatedAt,
	)
	return mapError(err)
}

// GetByID retrieves a user by ID.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return r.scanOne(r.q.QueryRowContext(ctx, query, id))
}

// GetByDeviceID retrieves the user bound to a device.
func (r *UserRepository) GetByDeviceID(ctx context.Context, deviceID string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE device_id = $1`
	return r.scanOne(r.q.QueryRowContext(ctx, query, deviceID))
}

// GetAll retrieves all users.
func (r *UserRepository) GetAll(ctx context.Context) ([]*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at DESC`
	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var users []*domain.User
	for rows.Next() {
		var user domain.User
		if err := rows.Scan(&user.ID, &user.DeviceID, &user.Name, &user.Phone, &user.Role, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, &user)
	}
	return users, rows.Err()
}

func (r *UserRepository) scanOne(row *sql.Row) (*domain.User, error) {
	var user domain.User
	err := row.Scan(&user.ID, &user.DeviceID, &user.Name, &user.Phone, &user.Role, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &user, nil
}
