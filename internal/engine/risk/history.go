package risk

import (
	"context"
	"database/sql"
	"time"
)

// LoginEvent is one row of the login history used for risk aggregation.
type LoginEvent struct {
	UserID    string
	TenantID  string
	Success   bool
	IP        string
	Country   string
	DeviceID  string
	CreatedAt int64
}

// History supplies the aggregates the risk decision table reads.
type History interface {
	RecordLogin(ctx context.Context, e LoginEvent) error
	RecentCountries(ctx context.Context, userID string, since time.Time) ([]string, error)
	SuccessCount(ctx context.Context, userID string, since time.Time) (int, error)
	FailureCount(ctx context.Context, userID string, since time.Time) (int, error)
}

// SQLHistory keeps login events in the login_events table.
type SQLHistory struct {
	db *sql.DB
}

func NewSQLHistory(db *sql.DB) *SQLHistory {
	return &SQLHistory{db: db}
}

func (h *SQLHistory) RecordLogin(ctx context.Context, e LoginEvent) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO login_events (user_id, tenant_id, success, ip, country, device_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.UserID, e.TenantID, e.Success, e.IP, e.Country, e.DeviceID, e.CreatedAt)
	return err
}

func (h *SQLHistory) RecentCountries(ctx context.Context, userID string, since time.Time) ([]string, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT DISTINCT country FROM login_events
		WHERE user_id = ? AND success = 1 AND created_at >= ? AND country != ''
	`, userID, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (h *SQLHistory) SuccessCount(ctx context.Context, userID string, since time.Time) (int, error) {
	return h.count(ctx, userID, since, true)
}

func (h *SQLHistory) FailureCount(ctx context.Context, userID string, since time.Time) (int, error) {
	return h.count(ctx, userID, since, false)
}

func (h *SQLHistory) count(ctx context.Context, userID string, since time.Time, success bool) (int, error) {
	var n int
	err := h.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM login_events
		WHERE user_id = ? AND success = ? AND created_at >= ?
	`, userID, success, since.Unix()).Scan(&n)
	return n, err
}

// Prune deletes events older than the cutoff and returns the row count.
func (h *SQLHistory) Prune(ctx context.Context, before int64) (int64, error) {
	res, err := h.db.ExecContext(ctx, `DELETE FROM login_events WHERE created_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
