package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gatekeeper/internal/engine/providers"
	"gatekeeper/internal/engine/risk"
	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/platform/audit"
	"gatekeeper/internal/platform/models"
	"gatekeeper/internal/platform/store"
)

type stubBindAdapter struct {
	identity *models.ResolvedIdentity
	err      error
}

func (a stubBindAdapter) Protocol() models.Protocol { return models.ProtocolLDAP }

func (a stubBindAdapter) Initiate(ctx context.Context, provider *models.SSOProvider, flow *models.AuthFlow) (*providers.Redirect, error) {
	return nil, errors.New(errors.ErrCodeUnsupportedProtocol, "no redirect flow")
}

func (a stubBindAdapter) CompleteCallback(ctx context.Context, provider *models.SSOProvider, flow *models.AuthFlow, input providers.CallbackInput) (*models.ResolvedIdentity, error) {
	return nil, errors.New(errors.ErrCodeUnsupportedProtocol, "no redirect flow")
}

func (a stubBindAdapter) Refresh(ctx context.Context, provider *models.SSOProvider, refreshToken string) (*providers.Tokens, error) {
	return nil, errors.New(errors.ErrCodeNotSupported, "no tokens")
}

func (a stubBindAdapter) Revoke(ctx context.Context, provider *models.SSOProvider, token string) error {
	return nil
}

func (a stubBindAdapter) Authenticate(ctx context.Context, provider *models.SSOProvider, username, password string) (*models.ResolvedIdentity, error) {
	return a.identity, a.err
}

type stubUserDirectory struct {
	byEmail map[string]*models.User
}

func (d *stubUserDirectory) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return d.byEmail[email], nil
}

func (d *stubUserDirectory) FindByID(ctx context.Context, id string) (*models.User, error) {
	return nil, nil
}

func (d *stubUserDirectory) Create(ctx context.Context, user *models.User) (*models.User, error) {
	return user, nil
}

func (d *stubUserDirectory) Update(ctx context.Context, user *models.User) (*models.User, error) {
	return user, nil
}

type recordingHistory struct {
	events []risk.LoginEvent
}

func (h *recordingHistory) RecordLogin(ctx context.Context, e risk.LoginEvent) error {
	h.events = append(h.events, e)
	return nil
}

func (h *recordingHistory) RecentCountries(ctx context.Context, userID string, since time.Time) ([]string, error) {
	return nil, nil
}

func (h *recordingHistory) SuccessCount(ctx context.Context, userID string, since time.Time) (int, error) {
	return 0, nil
}

func (h *recordingHistory) FailureCount(ctx context.Context, userID string, since time.Time) (int, error) {
	return 0, nil
}

func setupLDAPLoginTest(t *testing.T, adapter stubBindAdapter) (*SSOHandler, *recordingHistory, string) {
	t.Helper()

	registry := providers.NewRegistry(store.NewMemoryStore(), audit.Nop{})
	registry.RegisterAdapter(adapter, models.ProtocolLDAP)

	provider, err := registry.Register(context.Background(), &models.SSOProvider{
		TenantID: "tenant_a",
		Name:     "Corp LDAP",
		Protocol: models.ProtocolLDAP,
		LDAP: &models.LDAPProviderConfig{
			ServerURL:  "ldaps://ldap.example.com",
			BaseDN:     "dc=example,dc=com",
			UserFilter: "(uid={username})",
		},
	})
	if err != nil {
		t.Fatalf("Failed to register provider: %v", err)
	}

	dir := &stubUserDirectory{byEmail: map[string]*models.User{
		"alice@example.com": {ID: "usr_alice", TenantID: "tenant_a", Email: "alice@example.com"},
	}}
	history := &recordingHistory{}

	h := NewSSOHandler(nil, registry, nil, nil, history, nil, nil, nil,
		store.NewMemoryStore(), audit.Nop{}, nil, nil, dir)
	return h, history, provider.ID
}

func postLDAPLogin(t *testing.T, h *SSOHandler, providerID, username, password string) *httptest.ResponseRecorder {
	t.Helper()

	body, _ := json.Marshal(map[string]string{
		"provider_id": providerID,
		"username":    username,
		"password":    password,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/ldap/login", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.LDAPLogin(w, req)
	return w
}

func TestLDAPLoginFailureAttributedToMatchedAccount(t *testing.T) {
	adapter := stubBindAdapter{
		identity: &models.ResolvedIdentity{Email: "alice@example.com", Subject: "uid=alice,dc=example,dc=com"},
		err:      errors.New(errors.ErrCodeProtocolError, "authentication failed"),
	}
	h, history, providerID := setupLDAPLoginTest(t, adapter)

	w := postLDAPLogin(t, h, providerID, "alice", "wrong-password")

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if len(history.events) != 1 {
		t.Fatalf("Expected 1 login event, got %d", len(history.events))
	}
	e := history.events[0]
	if e.Success {
		t.Error("Expected a failure event")
	}
	if e.UserID != "usr_alice" {
		t.Errorf("Expected failure attributed to usr_alice, got %q", e.UserID)
	}
}

func TestLDAPLoginFailureFallsBackToEmailUsername(t *testing.T) {
	adapter := stubBindAdapter{
		err: errors.New(errors.ErrCodeProtocolError, "authentication failed"),
	}
	h, history, providerID := setupLDAPLoginTest(t, adapter)

	postLDAPLogin(t, h, providerID, "alice@example.com", "wrong-password")

	if len(history.events) != 1 {
		t.Fatalf("Expected 1 login event, got %d", len(history.events))
	}
	if history.events[0].UserID != "usr_alice" {
		t.Errorf("Expected failure attributed to usr_alice, got %q", history.events[0].UserID)
	}
}

func TestLDAPLoginFailureResponseStaysGeneric(t *testing.T) {
	adapter := stubBindAdapter{
		identity: &models.ResolvedIdentity{Email: "alice@example.com"},
		err:      errors.New(errors.ErrCodeProtocolError, "authentication failed"),
	}
	h, _, providerID := setupLDAPLoginTest(t, adapter)

	w := postLDAPLogin(t, h, providerID, "alice", "wrong-password")

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Response is not JSON: %v", err)
	}
	if resp["code"] != errors.ErrCodeUnauthorized {
		t.Errorf("Expected the generic unauthorized code, got %v", resp["code"])
	}
	if bytes.Contains(w.Body.Bytes(), []byte("alice")) {
		t.Error("Response body leaked account information")
	}
}
