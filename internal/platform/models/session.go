package models

type AuthLevel string

const (
	AuthLevelBasic  AuthLevel = "basic"
	AuthLevelMFA    AuthLevel = "mfa"
	AuthLevelStrong AuthLevel = "strong"
)

// SecuritySession is the artifact of a successful authentication.
// ExpiresAt is fixed at creation and only moves forward via explicit
// renewal; LastActivityAt slides on every validated access.
type SecuritySession struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	TenantID string `json:"tenant_id,omitempty"`

	Level       AuthLevel `json:"authentication_level"`
	MfaVerified bool      `json:"mfa_verified"`
	Methods     []string  `json:"methods_used,omitempty"`
	Active      bool      `json:"active"`

	IPAddress string `json:"ip_address,omitempty"`
	Location  string `json:"location,omitempty"`

	Permissions   []string `json:"permissions,omitempty"`
	ElevatedUntil *int64   `json:"elevated_until,omitempty"`

	CreatedAt      int64 `json:"created_at"`
	LastActivityAt int64 `json:"last_activity_at"`
	ExpiresAt      int64 `json:"expires_at"`
}

// HasPermission reports whether the session grants perm. A "*" grant
// matches everything; an active elevation overrides the grant list.
func (s *SecuritySession) HasPermission(perm string, now int64) bool {
	if perm == "" {
		return true
	}
	if s.ElevatedUntil != nil && *s.ElevatedUntil > now {
		return true
	}
	for _, p := range s.Permissions {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}
