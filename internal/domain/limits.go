package domain

import "time"

// CheckLimits returns the termination reason for the first limit s breaches
// at now, checking idle time, lifetime, budget and turns in that order. It
// returns "" when no limit applies or s is not in a reapable state.
func CheckLimits(s *Session, now time.Time) string {
	if s == nil || !s.Status.IsReapable() {
		return ""
	}
	cfg := s.Config
	if idle := cfg.MaxIdleTime(); idle > 0 && (s.Status == StatusActive || s.Status == StatusIdle) {
		if now.Sub(s.LastActivityAt) > idle {
			return ReasonIdleTimeout
		}
	}
	if lifetime := cfg.MaxLifetime(); lifetime > 0 {
		start := s.CreatedAt
		if s.StartedAt != nil {
			start = *s.StartedAt
		}
		if now.Sub(start) > lifetime {
			return ReasonMaxLifetime
		}
	}
	return UsageLimitBreach(s)
}

// UsageLimitBreach checks only the budget and turn limits.
func UsageLimitBreach(s *Session) string {
	if s.Config.MaxBudgetUSD > 0 && s.TotalCostUSD >= s.Config.MaxBudgetUSD {
		return ReasonBudgetExceeded
	}
	if s.Config.MaxTurns > 0 && s.NumTurns >= s.Config.MaxTurns {
		return ReasonMaxTurns
	}
	return ""
}
