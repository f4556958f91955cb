package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gatekeeper/internal/platform/audit"
	"gatekeeper/internal/platform/config"
)

type stubHistory struct {
	countries []string
	successes int
	failures  int
	err       error
}

func (h stubHistory) RecordLogin(ctx context.Context, e LoginEvent) error { return nil }

func (h stubHistory) RecentCountries(ctx context.Context, userID string, since time.Time) ([]string, error) {
	return h.countries, h.err
}

func (h stubHistory) SuccessCount(ctx context.Context, userID string, since time.Time) (int, error) {
	return h.successes, h.err
}

func (h stubHistory) FailureCount(ctx context.Context, userID string, since time.Time) (int, error) {
	return h.failures, h.err
}

func testConfig() config.RiskConfig {
	return config.RiskConfig{
		VelocityPerHour: 10,
		FailuresPerHour: 5,
		LocationWindow:  7 * 24 * time.Hour,
		FrequencyWindow: time.Hour,
	}
}

func TestEvaluateDecisionTable(t *testing.T) {
	tests := []struct {
		name    string
		history stubHistory
		signals Signals
		level   Level
		action  Action
	}{
		{
			name:    "known device from usual country",
			history: stubHistory{countries: []string{"US"}},
			signals: Signals{UserID: "usr_1", KnownDevice: true, Country: "US"},
			level:   LevelLow,
			action:  ActionAllow,
		},
		{
			name:    "unknown device",
			history: stubHistory{countries: []string{"US"}},
			signals: Signals{UserID: "usr_1", KnownDevice: false, Country: "US"},
			level:   LevelMedium,
			action:  ActionRequireVerification,
		},
		{
			name:    "new country",
			history: stubHistory{countries: []string{"US"}},
			signals: Signals{UserID: "usr_1", KnownDevice: true, Country: "BR"},
			level:   LevelHigh,
			action:  ActionRequireMFA,
		},
		{
			name:    "first ever login has no location baseline",
			history: stubHistory{},
			signals: Signals{UserID: "usr_1", KnownDevice: true, Country: "BR"},
			level:   LevelLow,
			action:  ActionAllow,
		},
		{
			name:    "local address skips the location rule",
			history: stubHistory{countries: []string{"US"}},
			signals: Signals{UserID: "usr_1", KnownDevice: true, Country: "LOCAL"},
			level:   LevelLow,
			action:  ActionAllow,
		},
		{
			name:    "excessive login velocity",
			history: stubHistory{countries: []string{"US"}, successes: 11},
			signals: Signals{UserID: "usr_1", KnownDevice: true, Country: "US"},
			level:   LevelHigh,
			action:  ActionRequireMFA,
		},
		{
			name:    "velocity at the threshold stays low",
			history: stubHistory{countries: []string{"US"}, successes: 10},
			signals: Signals{UserID: "usr_1", KnownDevice: true, Country: "US"},
			level:   LevelLow,
			action:  ActionAllow,
		},
		{
			name:    "repeated failures lock the account",
			history: stubHistory{countries: []string{"US"}, failures: 6},
			signals: Signals{UserID: "usr_1", KnownDevice: true, Country: "US"},
			level:   LevelCritical,
			action:  ActionLockAccount,
		},
		{
			name:    "most severe rule wins",
			history: stubHistory{countries: []string{"US"}, failures: 6},
			signals: Signals{UserID: "usr_1", KnownDevice: false, Country: "BR"},
			level:   LevelCritical,
			action:  ActionLockAccount,
		},
		{
			name:    "unavailable history fails closed to medium",
			history: stubHistory{err: fmt.Errorf("db down")},
			signals: Signals{UserID: "usr_1", KnownDevice: true, Country: "US"},
			level:   LevelMedium,
			action:  ActionRequireVerification,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(tt.history, audit.Nop{}, testConfig())
			got := e.Evaluate(context.Background(), tt.signals)
			if got.Level != tt.level {
				t.Errorf("level = %s, want %s (reasons: %v)", got.Level, tt.level, got.Reasons)
			}
			if got.Action != tt.action {
				t.Errorf("action = %s, want %s", got.Action, tt.action)
			}
			if got.Suspicious != (tt.level != LevelLow) {
				t.Errorf("suspicious = %v for level %s", got.Suspicious, got.Level)
			}
		})
	}
}

type recordingSink struct {
	entries []audit.Entry
}

func (s *recordingSink) Record(ctx context.Context, e audit.Entry) {
	s.entries = append(s.entries, e)
}

func TestEverySuspiciousEvaluationIsAudited(t *testing.T) {
	tests := []struct {
		name    string
		history stubHistory
		signals Signals
		action  string
	}{
		{
			name:    "medium from unknown device",
			history: stubHistory{countries: []string{"US"}},
			signals: Signals{UserID: "usr_1", KnownDevice: false, Country: "US"},
			action:  audit.ActionSuspiciousActivity,
		},
		{
			name:    "high from new country",
			history: stubHistory{countries: []string{"US"}},
			signals: Signals{UserID: "usr_1", KnownDevice: true, Country: "BR"},
			action:  audit.ActionSuspiciousActivity,
		},
		{
			name:    "critical lockout",
			history: stubHistory{countries: []string{"US"}, failures: 6},
			signals: Signals{UserID: "usr_1", KnownDevice: true, Country: "US"},
			action:  audit.ActionAccountLocked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			e := NewEngine(tt.history, sink, testConfig())
			got := e.Evaluate(context.Background(), tt.signals)

			if len(sink.entries) != 1 {
				t.Fatalf("Expected 1 audit entry, got %d", len(sink.entries))
			}
			entry := sink.entries[0]
			if entry.Action != tt.action {
				t.Errorf("audit action = %s, want %s", entry.Action, tt.action)
			}
			if entry.Metadata["reasons"] == nil {
				t.Error("Expected triggering reasons in the audit metadata")
			}
			if !got.Suspicious {
				t.Error("Expected a suspicious assessment")
			}
		})
	}
}

func TestCleanEvaluationIsNotAudited(t *testing.T) {
	sink := &recordingSink{}
	e := NewEngine(stubHistory{countries: []string{"US"}}, sink, testConfig())
	got := e.Evaluate(context.Background(), Signals{UserID: "usr_1", KnownDevice: true, Country: "US"})

	if got.Suspicious {
		t.Error("Expected a clean assessment")
	}
	if len(sink.entries) != 0 {
		t.Errorf("Expected no audit entries, got %d", len(sink.entries))
	}
}

func TestEvaluateCollectsAllReasons(t *testing.T) {
	e := NewEngine(stubHistory{countries: []string{"US"}, successes: 20, failures: 9}, audit.Nop{}, testConfig())
	got := e.Evaluate(context.Background(), Signals{UserID: "usr_1", KnownDevice: false, Country: "JP"})

	if len(got.Reasons) != 4 {
		t.Fatalf("reasons = %v, want all four rules to fire", got.Reasons)
	}
	if got.Level != LevelCritical {
		t.Errorf("level = %s", got.Level)
	}
}
