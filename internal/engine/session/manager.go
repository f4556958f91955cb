package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/platform/audit"
	"gatekeeper/internal/platform/config"
	"gatekeeper/internal/platform/models"
	"gatekeeper/internal/platform/store"
)

const (
	sessionKeyPrefix = "session:"
	userKeyPrefix    = "session_user:"
)

func sessionKey(id string) string             { return sessionKeyPrefix + id }
func userKey(userID, sessionID string) string { return userKeyPrefix + userID + ":" + sessionID }
func userSessionPrefix(userID string) string  { return userKeyPrefix + userID + ":" }

// CreateInput carries everything Create needs to mint a session.
type CreateInput struct {
	UserID      string
	TenantID    string
	DeviceID    string
	IPAddress   string
	Location    string
	Level       models.AuthLevel
	Methods     []string
	Permissions []string

	// TTL overrides the configured default when positive. Providers can
	// carry a per-provider session lifetime.
	TTL time.Duration
}

// Validation is the outcome of a Validate call. Valid is false whenever
// any check fails; Reason carries the taxonomy code for the first
// failure.
type Validation struct {
	Valid   bool                    `json:"valid"`
	Reason  string                  `json:"reason,omitempty"`
	Session *models.SecuritySession `json:"session,omitempty"`
}

// Manager owns the session lifecycle. Validation fails closed: any
// doubt about a session invalidates it.
type Manager struct {
	store store.Store
	audit audit.Recorder
	cfg   config.SessionConfig
	locks *store.KeyMutex
}

func NewManager(s store.Store, sink audit.Recorder, cfg config.SessionConfig) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 8 * time.Hour
	}
	if cfg.MaxElevation <= 0 {
		cfg.MaxElevation = 15 * time.Minute
	}
	return &Manager{store: s, audit: sink, cfg: cfg, locks: store.NewKeyMutex()}
}

// Create mints an active session. MfaVerified mirrors the authentication
// level: any level above basic means a second factor was presented.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*models.SecuritySession, error) {
	if in.UserID == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "missing user id")
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = m.cfg.TTL
	}
	if in.Level == "" {
		in.Level = models.AuthLevelBasic
	}

	now := time.Now()
	s := &models.SecuritySession{
		ID:             "ses_" + uuid.NewString(),
		UserID:         in.UserID,
		TenantID:       in.TenantID,
		DeviceID:       in.DeviceID,
		Level:          in.Level,
		MfaVerified:    in.Level != models.AuthLevelBasic,
		Methods:        in.Methods,
		Active:         true,
		IPAddress:      in.IPAddress,
		Location:       in.Location,
		Permissions:    in.Permissions,
		CreatedAt:      now.Unix(),
		LastActivityAt: now.Unix(),
		ExpiresAt:      now.Add(ttl).Unix(),
	}

	if err := store.PutJSON(ctx, m.store, sessionKey(s.ID), s, 0); err != nil {
		return nil, err
	}
	if err := store.PutJSON(ctx, m.store, userKey(s.UserID, s.ID), s.ID, 0); err != nil {
		return nil, err
	}

	m.audit.Record(ctx, audit.Entry{
		UserID:   s.UserID,
		TenantID: s.TenantID,
		Action:   audit.ActionSessionCreated,
		Metadata: map[string]interface{}{"session_id": s.ID, "level": s.Level, "device_id": s.DeviceID},
	})
	return s, nil
}

// Validate checks the session and, when requiredPerm is set, its
// permissions. A valid call slides LastActivityAt; ExpiresAt never moves
// here.
func (m *Manager) Validate(ctx context.Context, sessionID, requiredPerm string, needMFA bool) (*Validation, error) {
	unlock := m.locks.Lock(sessionKey(sessionID))
	defer unlock()

	s, err := m.get(ctx, sessionID)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeNotFound) {
			return &Validation{Valid: false, Reason: errors.ErrCodeNotFound}, nil
		}
		return nil, err
	}

	now := time.Now().Unix()
	switch {
	case !s.Active:
		return &Validation{Valid: false, Reason: errors.ErrCodeSessionRevoked}, nil
	case now > s.ExpiresAt:
		return &Validation{Valid: false, Reason: errors.ErrCodeSessionExpired}, nil
	case needMFA && !s.MfaVerified:
		return &Validation{Valid: false, Reason: errors.ErrCodeMfaRequired, Session: s}, nil
	case requiredPerm != "" && !s.HasPermission(requiredPerm, now):
		return &Validation{Valid: false, Reason: errors.ErrCodeInsufficientPermission, Session: s}, nil
	}

	s.LastActivityAt = now
	if err := store.PutJSON(ctx, m.store, sessionKey(sessionID), s, 0); err != nil {
		return nil, err
	}
	return &Validation{Valid: true, Session: s}, nil
}

// Renew extends the session lifetime. ExpiresAt moves forward only; a
// renewal that would shorten the remaining lifetime is a no-op.
func (m *Manager) Renew(ctx context.Context, sessionID string, extension time.Duration) (*models.SecuritySession, error) {
	if extension <= 0 {
		extension = m.cfg.TTL
	}

	unlock := m.locks.Lock(sessionKey(sessionID))
	defer unlock()

	s, err := m.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if !s.Active {
		return nil, errors.New(errors.ErrCodeSessionRevoked, "session has been revoked")
	}
	if now.Unix() > s.ExpiresAt {
		return nil, errors.New(errors.ErrCodeSessionExpired, "session has expired")
	}

	if candidate := now.Add(extension).Unix(); candidate > s.ExpiresAt {
		s.ExpiresAt = candidate
	}
	s.LastActivityAt = now.Unix()
	if err := store.PutJSON(ctx, m.store, sessionKey(sessionID), s, 0); err != nil {
		return nil, err
	}
	return s, nil
}

// Elevate grants a temporary privilege window after fresh MFA proof. The
// window is capped at the configured maximum.
func (m *Manager) Elevate(ctx context.Context, sessionID string, duration time.Duration) (*models.SecuritySession, error) {
	if duration <= 0 || duration > m.cfg.MaxElevation {
		duration = m.cfg.MaxElevation
	}

	unlock := m.locks.Lock(sessionKey(sessionID))
	defer unlock()

	s, err := m.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if !s.Active {
		return nil, errors.New(errors.ErrCodeSessionRevoked, "session has been revoked")
	}
	if now.Unix() > s.ExpiresAt {
		return nil, errors.New(errors.ErrCodeSessionExpired, "session has expired")
	}
	if !s.MfaVerified {
		return nil, errors.New(errors.ErrCodeMfaRequired, "elevation requires a verified second factor")
	}

	until := now.Add(duration).Unix()
	s.ElevatedUntil = &until
	s.Level = models.AuthLevelStrong
	s.LastActivityAt = now.Unix()
	if err := store.PutJSON(ctx, m.store, sessionKey(sessionID), s, 0); err != nil {
		return nil, err
	}

	m.audit.Record(ctx, audit.Entry{
		UserID:   s.UserID,
		TenantID: s.TenantID,
		Action:   audit.ActionSessionElevated,
		Metadata: map[string]interface{}{"session_id": s.ID, "until": until},
	})
	return s, nil
}

// Revoke deactivates the session. Revoking an already revoked or missing
// session is not an error.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	unlock := m.locks.Lock(sessionKey(sessionID))
	defer unlock()

	s, err := m.get(ctx, sessionID)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeNotFound) {
			return nil
		}
		return err
	}
	if !s.Active {
		return nil
	}

	s.Active = false
	if err := store.PutJSON(ctx, m.store, sessionKey(sessionID), s, 0); err != nil {
		return err
	}

	m.audit.Record(ctx, audit.Entry{
		UserID:   s.UserID,
		TenantID: s.TenantID,
		Action:   audit.ActionSessionRevoked,
		Metadata: map[string]interface{}{"session_id": s.ID},
	})
	return nil
}

// RevokeAllForUser deactivates every session of the user and returns how
// many were live.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	ids, err := m.sessionIDs(ctx, userID)
	if err != nil {
		return 0, err
	}

	revoked := 0
	for _, id := range ids {
		s, err := m.get(ctx, id)
		if err != nil {
			continue
		}
		if s.Active {
			revoked++
		}
		if err := m.Revoke(ctx, id); err != nil {
			return revoked, err
		}
	}
	log.Info().Str("user_id", userID).Int("revoked", revoked).Msg("revoked all user sessions")
	return revoked, nil
}

// ListByUser returns the user's sessions, live and dead.
func (m *Manager) ListByUser(ctx context.Context, userID string) ([]*models.SecuritySession, error) {
	ids, err := m.sessionIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.SecuritySession, 0, len(ids))
	for _, id := range ids {
		s, err := m.get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Get loads one session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.SecuritySession, error) {
	return m.get(ctx, sessionID)
}

func (m *Manager) get(ctx context.Context, sessionID string) (*models.SecuritySession, error) {
	var s models.SecuritySession
	ok, err := store.GetJSON(ctx, m.store, sessionKey(sessionID), &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNotFound, "session %s not found", sessionID)
	}
	return &s, nil
}

func (m *Manager) sessionIDs(ctx context.Context, userID string) ([]string, error) {
	items, err := m.store.List(ctx, userSessionPrefix(userID))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	for _, raw := range items {
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
