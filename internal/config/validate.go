package config

import (
	"fmt"
	"os"
	"regexp"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats = map[string]bool{"json": true, "console": true}
)

// Validate checks a Config for semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	loops := []struct {
		field string
		n     int
	}{
		{"loops.green_fix", cfg.Loops.GreenFix},
		{"loops.review", cfg.Loops.Review},
		{"loops.security", cfg.Loops.Security},
		{"loops.qa", cfg.Loops.QA},
	}
	for _, l := range loops {
		if l.n < 1 {
			add(l.field, "must be at least 1, got %d", l.n)
		}
	}

	if cfg.Verify.Timeout <= 0 {
		add("verify.timeout", "must be positive")
	}
	if cfg.Agent.MaxTurns <= 0 {
		add("agent.max_turns", "must be positive")
	}
	if cfg.Agent.Timeout < 0 {
		add("agent.timeout", "must not be negative")
	}
	if cfg.Agent.Bin == "" {
		add("agent.bin", "is required")
	}
	if cfg.Events.HistoryLimit < 0 {
		add("events.history_limit", "must not be negative")
	}

	for i, p := range cfg.Guard.ExtraBlocked {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			add(fmt.Sprintf("guard.extra_blocked[%d]", i), "invalid pattern %q: %v", p, err)
		}
	}
	if cfg.Guard.PolicyFile != "" {
		if _, err := os.Stat(cfg.Guard.PolicyFile); err != nil {
			add("guard.policy_file", "%s does not exist", cfg.Guard.PolicyFile)
		}
	}

	if cfg.Store.DSN == "" {
		add("store.dsn", "is required")
	}
	if !validLevels[cfg.Log.Level] {
		add("log.level", "unknown level %q", cfg.Log.Level)
	}
	if !validFormats[cfg.Log.Format] {
		add("log.format", "unknown format %q (want json or console)", cfg.Log.Format)
	}
	return errs
}
