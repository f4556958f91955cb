package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/platform/models"
)

// UserDirectory resolves and provisions principals. Flow completion calls
// FindByEmail with the mapped email attribute and falls back to Create
// when the provider allows auto-provisioning.
type UserDirectory interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	Update(ctx context.Context, user *models.User) (*models.User, error)
}

// SQLDirectory is the database-backed directory.
type SQLDirectory struct {
	db *sql.DB
}

func NewSQLDirectory(db *sql.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

func (d *SQLDirectory) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return d.scanOne(d.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, email, full_name, role, attributes, last_login_at, created_at, updated_at
		FROM users WHERE email = ?
	`, strings.ToLower(email)))
}

func (d *SQLDirectory) FindByID(ctx context.Context, id string) (*models.User, error) {
	return d.scanOne(d.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, email, full_name, role, attributes, last_login_at, created_at, updated_at
		FROM users WHERE id = ?
	`, id))
}

func (d *SQLDirectory) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if !strings.Contains(user.Email, "@") {
		return nil, errors.New(errors.ErrCodeInvalidInput, "invalid email address")
	}

	now := time.Now().Unix()
	if user.ID == "" {
		user.ID = "usr_" + uuid.NewString()
	}
	user.Email = strings.ToLower(user.Email)
	user.CreatedAt = now
	user.UpdatedAt = now

	attrsJSON, _ := json.Marshal(user.Attributes)
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (id, tenant_id, email, full_name, role, attributes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, user.ID, user.TenantID, user.Email, user.FullName, user.Role, string(attrsJSON), user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (d *SQLDirectory) Update(ctx context.Context, user *models.User) (*models.User, error) {
	user.UpdatedAt = time.Now().Unix()
	attrsJSON, _ := json.Marshal(user.Attributes)
	_, err := d.db.ExecContext(ctx, `
		UPDATE users SET full_name = ?, role = ?, attributes = ?, last_login_at = ?, updated_at = ?
		WHERE id = ?
	`, user.FullName, user.Role, string(attrsJSON), user.LastLoginAt, user.UpdatedAt, user.ID)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (d *SQLDirectory) scanOne(row *sql.Row) (*models.User, error) {
	user := &models.User{}
	var attrsJSON sql.NullString
	err := row.Scan(&user.ID, &user.TenantID, &user.Email, &user.FullName, &user.Role,
		&attrsJSON, &user.LastLoginAt, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if attrsJSON.Valid && attrsJSON.String != "" {
		json.Unmarshal([]byte(attrsJSON.String), &user.Attributes)
	}
	return user, nil
}
