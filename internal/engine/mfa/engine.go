package mfa

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
	"golang.org/x/crypto/bcrypt"

	"gatekeeper/internal/engine/crypto"
	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/platform/audit"
	"gatekeeper/internal/platform/config"
	"gatekeeper/internal/platform/models"
	"gatekeeper/internal/platform/store"
)

const methodKeyPrefix = "mfa:"

func methodKey(userID, methodID string) string { return methodKeyPrefix + userID + ":" + methodID }
func userPrefix(userID string) string          { return methodKeyPrefix + userID + ":" }

// Engine manages TOTP enrollment and verification. Per-method writes are
// serialized so the replay counter and backup code list never lose an
// update under concurrent verification.
type Engine struct {
	store store.Store
	audit audit.Recorder
	cfg   config.MFAConfig
	locks *store.KeyMutex
}

func NewEngine(s store.Store, sink audit.Recorder, cfg config.MFAConfig) *Engine {
	if cfg.Digits == 0 {
		cfg.Digits = 6
	}
	if cfg.Period == 0 {
		cfg.Period = 30
	}
	if cfg.Skew == 0 {
		cfg.Skew = 1
	}
	if cfg.BackupCodeCount == 0 {
		cfg.BackupCodeCount = 10
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "gatekeeper"
	}
	return &Engine{store: s, audit: sink, cfg: cfg, locks: store.NewKeyMutex()}
}

// Enrollment is returned once at enrollment time. The plaintext backup
// codes and shared secret are never recoverable afterwards.
type Enrollment struct {
	Method          *models.MfaMethod `json:"method"`
	Secret          string            `json:"secret"`
	ProvisioningURI string            `json:"provisioning_uri"`
	BackupCodes     []string          `json:"backup_codes"`
}

// Enroll creates a TOTP method in unverified state for the user.
func (e *Engine) Enroll(ctx context.Context, userID, account, name string) (*Enrollment, error) {
	if userID == "" {
		return nil, errors.New(errors.ErrCodeInvalidInput, "missing user id")
	}

	_, secretB32, err := crypto.NewTOTPSecret()
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternal, "entropy source failed")
	}
	plainCodes, err := crypto.NewBackupCodes(e.cfg.BackupCodeCount)
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternal, "entropy source failed")
	}

	hashes := make([]string, 0, len(plainCodes))
	for _, code := range plainCodes {
		h, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, errors.New(errors.ErrCodeInternal, "failed to hash backup code")
		}
		hashes = append(hashes, string(h))
	}

	now := time.Now().Unix()
	if name == "" {
		name = "Authenticator app"
	}
	method := &models.MfaMethod{
		ID:           "mfa_" + uuid.NewString(),
		UserID:       userID,
		Name:         name,
		Type:         models.MfaTypeTOTP,
		SecretBase32: secretB32,
		BackupCodes:  hashes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.PutJSON(ctx, e.store, methodKey(userID, method.ID), method, 0); err != nil {
		return nil, err
	}

	e.audit.Record(ctx, audit.Entry{
		UserID:   userID,
		Action:   audit.ActionMfaEnrolled,
		Metadata: map[string]interface{}{"method_id": method.ID, "type": method.Type},
	})

	return &Enrollment{
		Method:          method.Sanitized(),
		Secret:          secretB32,
		ProvisioningURI: crypto.ProvisioningURI(e.cfg.Issuer, account, secretB32, e.cfg.Digits, e.cfg.Period),
		BackupCodes:     plainCodes,
	}, nil
}

// VerifyTOTP checks a code against the method. The first success flips
// the method to verified and enabled. Codes at the current counter or
// earlier are rejected as replays.
func (e *Engine) VerifyTOTP(ctx context.Context, userID, methodID, code string) error {
	unlock := e.locks.Lock(methodKey(userID, methodID))
	defer unlock()

	method, err := e.get(ctx, userID, methodID)
	if err != nil {
		return err
	}
	if method.Type != models.MfaTypeTOTP {
		return errors.Newf(errors.ErrCodeInvalidInput, "method %s is not a totp method", methodID)
	}

	secret, err := crypto.DecodeTOTPSecret(method.SecretBase32)
	if err != nil {
		return errors.New(errors.ErrCodeInternal, "stored secret is corrupt")
	}

	ok, counter := crypto.VerifyTOTP(secret, code, time.Now(), e.cfg.Period, e.cfg.Digits, e.cfg.Skew, method.LastUsedCounter)
	if !ok {
		e.audit.Record(ctx, audit.Entry{
			UserID:   userID,
			Action:   audit.ActionMfaFailed,
			Metadata: map[string]interface{}{"method_id": methodID},
		})
		return errors.New(errors.ErrCodeMfaInvalidCode, "invalid verification code")
	}

	now := time.Now().Unix()
	method.LastUsedCounter = counter
	method.LastUsedAt = &now
	method.UpdatedAt = now
	if !method.Verified {
		method.Verified = true
		method.Enabled = true
		log.Info().Str("user_id", userID).Str("method_id", methodID).Msg("mfa method activated")
	}
	if err := store.PutJSON(ctx, e.store, methodKey(userID, methodID), method, 0); err != nil {
		return err
	}

	e.audit.Record(ctx, audit.Entry{
		UserID:   userID,
		Action:   audit.ActionMfaVerified,
		Metadata: map[string]interface{}{"method_id": methodID},
	})
	return nil
}

// VerifyBackupCode consumes a single-use recovery code from any of the
// user's verified methods.
func (e *Engine) VerifyBackupCode(ctx context.Context, userID, code string) error {
	unlock := e.locks.Lock(userPrefix(userID))
	defer unlock()

	methods, err := e.list(ctx, userID)
	if err != nil {
		return err
	}

	for _, method := range methods {
		if !method.Verified {
			continue
		}
		for i, hash := range method.BackupCodes {
			if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) != nil {
				continue
			}
			method.BackupCodes = append(method.BackupCodes[:i], method.BackupCodes[i+1:]...)
			now := time.Now().Unix()
			method.LastUsedAt = &now
			method.UpdatedAt = now
			if err := store.PutJSON(ctx, e.store, methodKey(userID, method.ID), method, 0); err != nil {
				return err
			}
			e.audit.Record(ctx, audit.Entry{
				UserID:   userID,
				Action:   audit.ActionBackupCodeUsed,
				Metadata: map[string]interface{}{"method_id": method.ID, "remaining": len(method.BackupCodes)},
			})
			return nil
		}
	}

	e.audit.Record(ctx, audit.Entry{UserID: userID, Action: audit.ActionMfaFailed})
	return errors.New(errors.ErrCodeMfaInvalidCode, "invalid verification code")
}

// QRCode renders the provisioning URI as a PNG. The secret is exposed
// this way only during the enrollment window, before first verification.
func (e *Engine) QRCode(ctx context.Context, userID, methodID, account string, size int) ([]byte, error) {
	if size < 64 || size > 1024 {
		size = 256
	}

	method, err := e.get(ctx, userID, methodID)
	if err != nil {
		return nil, err
	}
	if method.Verified {
		return nil, errors.New(errors.ErrCodeForbidden, "method already verified")
	}

	uri := crypto.ProvisioningURI(e.cfg.Issuer, account, method.SecretBase32, e.cfg.Digits, e.cfg.Period)
	png, err := qrcode.Encode(uri, qrcode.Medium, size)
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternal, "failed to render qr code")
	}
	return png, nil
}

// Disable removes the method.
func (e *Engine) Disable(ctx context.Context, userID, methodID string) error {
	unlock := e.locks.Lock(methodKey(userID, methodID))
	defer unlock()

	if _, err := e.get(ctx, userID, methodID); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, methodKey(userID, methodID)); err != nil {
		return err
	}
	e.audit.Record(ctx, audit.Entry{
		UserID:   userID,
		Action:   audit.ActionMfaDisabled,
		Metadata: map[string]interface{}{"method_id": methodID},
	})
	return nil
}

// Methods lists the user's methods with secret material stripped.
func (e *Engine) Methods(ctx context.Context, userID string) ([]*models.MfaMethod, error) {
	methods, err := e.list(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.MfaMethod, 0, len(methods))
	for _, m := range methods {
		out = append(out, m.Sanitized())
	}
	return out, nil
}

// HasVerifiedMethod reports whether the user can satisfy an MFA challenge.
func (e *Engine) HasVerifiedMethod(ctx context.Context, userID string) (bool, error) {
	methods, err := e.list(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, m := range methods {
		if m.Verified && m.Enabled {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) get(ctx context.Context, userID, methodID string) (*models.MfaMethod, error) {
	var method models.MfaMethod
	ok, err := store.GetJSON(ctx, e.store, methodKey(userID, methodID), &method)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNotFound, "mfa method %s not found", methodID)
	}
	return &method, nil
}

func (e *Engine) list(ctx context.Context, userID string) ([]*models.MfaMethod, error) {
	items, err := e.store.List(ctx, userPrefix(userID))
	if err != nil {
		return nil, err
	}
	out := make([]*models.MfaMethod, 0, len(items))
	for _, raw := range items {
		var m models.MfaMethod
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}
