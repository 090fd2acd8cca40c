// Package loggingutil holds the few pslog conventions every component shares.
package loggingutil

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the field every component logger is tagged with.
const SubsystemKey = pslog.TrustedString("sys")

// NoopLogger discards everything.
func NoopLogger() pslog.Logger { return pslog.NoopLogger() }

// EnsureLogger never returns nil.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l == nil {
		return pslog.NoopLogger()
	}
	return l
}

// Subsystem joins the non-empty parts with dots, e.g.
// Subsystem("coordinator", "", "committer") is "coordinator.committer".
func Subsystem(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		if p = strings.Trim(p, ". "); p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(p)
	}
	return b.String()
}

// WithSubsystem returns logger tagged with sys=subsystem. A nil logger yields
// a disabled one.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = EnsureLogger(logger)
	if subsystem = Subsystem(subsystem); subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
