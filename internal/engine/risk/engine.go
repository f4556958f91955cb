package risk

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"gatekeeper/internal/platform/audit"
	"gatekeeper/internal/platform/config"
)

type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

type Action string

const (
	ActionAllow               Action = "allow"
	ActionRequireVerification Action = "require_verification"
	ActionRequireMFA          Action = "require_mfa"
	ActionLockAccount         Action = "lock_account"
)

var levelRank = map[Level]int{
	LevelLow:      0,
	LevelMedium:   1,
	LevelHigh:     2,
	LevelCritical: 3,
}

var levelAction = map[Level]Action{
	LevelLow:      ActionAllow,
	LevelMedium:   ActionRequireVerification,
	LevelHigh:     ActionRequireMFA,
	LevelCritical: ActionLockAccount,
}

// Signals is the login context fed to the decision table.
type Signals struct {
	UserID      string
	TenantID    string
	KnownDevice bool
	Country     string
}

// Assessment is the outcome of one evaluation. Reasons lists every rule
// that fired, Level and Action reflect the most severe one. Suspicious
// is set for any level above low.
type Assessment struct {
	Level      Level    `json:"level"`
	Action     Action   `json:"action"`
	Suspicious bool     `json:"suspicious"`
	Reasons    []string `json:"reasons,omitempty"`
}

// Engine scores a login attempt against the user's history. Each rule
// contributes a level; the assessment takes the highest.
type Engine struct {
	history History
	audit   audit.Recorder
	cfg     config.RiskConfig
}

func NewEngine(history History, sink audit.Recorder, cfg config.RiskConfig) *Engine {
	if cfg.VelocityPerHour == 0 {
		cfg.VelocityPerHour = 10
	}
	if cfg.FailuresPerHour == 0 {
		cfg.FailuresPerHour = 5
	}
	if cfg.LocationWindow == 0 {
		cfg.LocationWindow = 7 * 24 * time.Hour
	}
	if cfg.FrequencyWindow == 0 {
		cfg.FrequencyWindow = time.Hour
	}
	return &Engine{history: history, audit: sink, cfg: cfg}
}

// Evaluate runs the decision table. History lookups fail closed to a
// medium floor so a degraded database never silences detection.
func (e *Engine) Evaluate(ctx context.Context, s Signals) Assessment {
	now := time.Now()
	out := Assessment{Level: LevelLow}

	raise := func(level Level, reason string) {
		out.Reasons = append(out.Reasons, reason)
		if levelRank[level] > levelRank[out.Level] {
			out.Level = level
		}
	}

	if !s.KnownDevice {
		raise(LevelMedium, "unrecognized device")
	}

	if s.Country != "" && s.Country != "LOCAL" {
		countries, err := e.history.RecentCountries(ctx, s.UserID, now.Add(-e.cfg.LocationWindow))
		switch {
		case err != nil:
			log.Warn().Err(err).Str("user_id", s.UserID).Msg("location history unavailable")
			raise(LevelMedium, "location history unavailable")
		case len(countries) > 0 && !containsString(countries, s.Country):
			raise(LevelHigh, "login from a new country")
		}
	}

	since := now.Add(-e.cfg.FrequencyWindow)

	successes, err := e.history.SuccessCount(ctx, s.UserID, since)
	if err != nil {
		log.Warn().Err(err).Str("user_id", s.UserID).Msg("velocity history unavailable")
		raise(LevelMedium, "velocity history unavailable")
	} else if successes > e.cfg.VelocityPerHour {
		raise(LevelHigh, "unusual login frequency")
	}

	failures, err := e.history.FailureCount(ctx, s.UserID, since)
	if err != nil {
		log.Warn().Err(err).Str("user_id", s.UserID).Msg("failure history unavailable")
		raise(LevelMedium, "failure history unavailable")
	} else if failures > e.cfg.FailuresPerHour {
		raise(LevelCritical, "repeated authentication failures")
	}

	out.Action = levelAction[out.Level]
	out.Suspicious = levelRank[out.Level] > levelRank[LevelLow]

	// Every suspicious evaluation is audited with the rules that fired.
	if out.Suspicious {
		action := audit.ActionSuspiciousActivity
		if out.Action == ActionLockAccount {
			action = audit.ActionAccountLocked
		}
		e.audit.Record(ctx, audit.Entry{
			UserID:   s.UserID,
			TenantID: s.TenantID,
			Action:   action,
			Metadata: map[string]interface{}{"level": out.Level, "reasons": out.Reasons},
		})
	}
	return out
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
