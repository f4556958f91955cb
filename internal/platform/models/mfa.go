package models

const (
	MfaTypeTOTP        = "totp"
	MfaTypeSMS         = "sms"
	MfaTypeEmail       = "email"
	MfaTypeBackupCodes = "backup_codes"
	MfaTypeHardwareKey = "hardware_key"
)

// MfaMethod is a second factor bound to a user. Enabled flips true only
// after the first successful verification. Secret material is persisted
// but stripped from every API response via Sanitized.
type MfaMethod struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Enabled  bool   `json:"enabled"`
	Verified bool   `json:"verified"`

	SecretBase32 string   `json:"secret_base32,omitempty"`
	BackupCodes  []string `json:"backup_codes,omitempty"` // bcrypt hashes

	// LastUsedCounter blocks TOTP replay within the skew window.
	LastUsedCounter int64 `json:"last_used_counter,omitempty"`

	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
	LastUsedAt *int64 `json:"last_used_at,omitempty"`
}

// Sanitized returns a copy safe for API responses.
func (m *MfaMethod) Sanitized() *MfaMethod {
	out := *m
	out.SecretBase32 = ""
	out.BackupCodes = nil
	return &out
}
