package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Security event actions.
const (
	ActionLoginSuccess       = "login.success"
	ActionLoginFailure       = "login.failure"
	ActionFlowInitiated      = "flow.initiated"
	ActionFlowFailed         = "flow.failed"
	ActionMfaEnrolled        = "mfa.enrolled"
	ActionMfaVerified        = "mfa.verified"
	ActionMfaFailed          = "mfa.failed"
	ActionMfaDisabled        = "mfa.disabled"
	ActionBackupCodeUsed     = "mfa.backup_code_used"
	ActionDeviceRegistered   = "device.registered"
	ActionDeviceTrusted      = "device.trusted"
	ActionSuspiciousActivity = "risk.suspicious_activity"
	ActionAccountLocked      = "risk.account_locked"
	ActionSessionCreated     = "session.created"
	ActionSessionRevoked     = "session.revoked"
	ActionSessionElevated    = "session.elevated"
	ActionProviderRegistered = "provider.registered"
	ActionProviderUpdated    = "provider.updated"
	ActionProviderDisabled   = "provider.disabled"
)

// Entry is an immutable security event. Entries are append-only and never
// mutated after creation.
type Entry struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Action    string                 `json:"action"`
	Code      string                 `json:"code,omitempty"` // error taxonomy code, server-side only
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
	CreatedAt int64                  `json:"created_at"`
}

// Recorder is the write-only surface engines depend on.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Logger is the store-backed sink. Writes go through a buffered channel
// so a slow disk never blocks an authentication path; every entry is
// mirrored to the structured log.
type Logger struct {
	db      *sql.DB
	entries chan Entry
	done    chan struct{}
}

func NewLogger(db *sql.DB, bufferSize int) *Logger {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	l := &Logger{
		db:      db,
		entries: make(chan Entry, bufferSize),
		done:    make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

func (l *Logger) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = "audit_" + uuid.NewString()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}

	log.Info().
		Str("audit_id", e.ID).
		Str("action", e.Action).
		Str("user_id", e.UserID).
		Str("code", e.Code).
		Str("ip", e.IPAddress).
		Msg("security event")

	select {
	case l.entries <- e:
	default:
		// Buffer full: fall back to a synchronous write rather than
		// dropping a security event.
		l.insert(e)
	}
}

func (l *Logger) writeLoop() {
	for e := range l.entries {
		l.insert(e)
	}
	close(l.done)
}

func (l *Logger) insert(e Entry) {
	metaJSON, _ := json.Marshal(e.Metadata)
	_, err := l.db.Exec(`
		INSERT INTO audit_logs (id, tenant_id, user_id, action, code, metadata, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TenantID, e.UserID, e.Action, e.Code, string(metaJSON), e.IPAddress, e.UserAgent, e.CreatedAt)
	if err != nil {
		log.Error().Err(err).Str("action", e.Action).Msg("failed to persist audit entry")
	}
}

// Close drains pending entries before returning.
func (l *Logger) Close() {
	close(l.entries)
	<-l.done
}

// List returns entries for a user in [start, end], newest first. An end
// of zero means now.
func (l *Logger) List(ctx context.Context, userID string, start, end int64, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if end <= 0 {
		end = time.Now().Unix()
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, action, code, metadata, ip_address, user_agent, created_at
		FROM audit_logs
		WHERE (? = '' OR user_id = ?) AND created_at >= ? AND created_at <= ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, userID, start, end, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var metaJSON string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.UserID, &e.Action, &e.Code, &metaJSON, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		if metaJSON != "" {
			json.Unmarshal([]byte(metaJSON), &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes entries older than the retention cutoff.
func (l *Logger) Prune(ctx context.Context, before int64) (int64, error) {
	res, err := l.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE created_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Nop is a Recorder that discards entries; used in tests.
type Nop struct{}

func (Nop) Record(ctx context.Context, e Entry) {}
