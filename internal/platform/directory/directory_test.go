package directory

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/platform/models"
)

var userColumns = []string{
	"id", "tenant_id", "email", "full_name", "role",
	"attributes", "last_login_at", "created_at", "updated_at",
}

func TestFindByEmailLowercasesInput(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to open stub db: %v", err)
	}
	defer db.Close()

	rows := sqlmock.NewRows(userColumns).
		AddRow("usr_1", "tenant_a", "alice@example.com", "Alice", "admin",
			`{"department":"eng"}`, nil, 1700000000, 1700000000)

	mock.ExpectQuery("SELECT (.+) FROM users WHERE email = ?").
		WithArgs("alice@example.com").
		WillReturnRows(rows)

	d := NewSQLDirectory(db)
	user, err := d.FindByEmail(context.Background(), "Alice@Example.COM")
	if err != nil {
		t.Fatalf("FindByEmail failed: %v", err)
	}
	if user == nil || user.ID != "usr_1" {
		t.Fatalf("Expected usr_1, got %+v", user)
	}
	if user.Attributes["department"] != "eng" {
		t.Errorf("Expected attributes to round-trip, got %v", user.Attributes)
	}
	if user.LastLoginAt != nil {
		t.Errorf("Expected nil LastLoginAt for NULL column, got %v", *user.LastLoginAt)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestFindByIDMissingReturnsNil(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to open stub db: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM users WHERE id = ?").
		WithArgs("usr_missing").
		WillReturnRows(sqlmock.NewRows(userColumns))

	d := NewSQLDirectory(db)
	user, err := d.FindByID(context.Background(), "usr_missing")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if user != nil {
		t.Errorf("Expected nil for missing user, got %+v", user)
	}
}

func TestCreateRejectsInvalidEmail(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to open stub db: %v", err)
	}
	defer db.Close()

	d := NewSQLDirectory(db)
	_, err = d.Create(context.Background(), &models.User{Email: "not-an-email"})
	if !errors.HasCode(err, errors.ErrCodeInvalidInput) {
		t.Errorf("Expected INVALID_INPUT, got %v", err)
	}
}

func TestCreateAssignsIDAndLowercasesEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to open stub db: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("INSERT INTO users").
		WithArgs(sqlmock.AnyArg(), "tenant_a", "bob@example.com", "Bob", "member",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	d := NewSQLDirectory(db)
	user, err := d.Create(context.Background(), &models.User{
		TenantID: "tenant_a",
		Email:    "Bob@Example.com",
		FullName: "Bob",
		Role:     "member",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if user.ID == "" {
		t.Error("Expected generated ID")
	}
	if user.Email != "bob@example.com" {
		t.Errorf("Expected lowercased email, got %s", user.Email)
	}
	if user.CreatedAt == 0 || user.UpdatedAt == 0 {
		t.Error("Expected timestamps to be set")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}
