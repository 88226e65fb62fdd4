package phxsocket

import "log"

// Logger is the module's sole logging collaborator. Spec treats logging as
// an external, injectable dependency (see SPEC_FULL.md); callers may supply
// any backend (zerolog, zap, logrus...) that satisfies this interface.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// StdLogger is the default Logger, a thin wrapper around the standard
// library "log" package. It mirrors the teacher daemon's own logging
// register: plain log.Printf, with an emoji marker on warnings and
// errors.
type StdLogger struct {
	Verbose bool
}

// NewStdLogger returns a Logger backed by the standard library logger.
// When verbose is false, Debugf calls are discarded.
func NewStdLogger(verbose bool) *StdLogger {
	return &StdLogger{Verbose: verbose}
}

func (l *StdLogger) Debugf(format string, args ...any) {
	if !l.Verbose {
		return
	}
	log.Printf(format, args...)
}

func (l *StdLogger) Infof(format string, args ...any) {
	log.Printf(format, args...)
}

func (l *StdLogger) Warnf(format string, args ...any) {
	log.Printf("⚠️  "+format, args...)
}

func (l *StdLogger) Errorf(format string, args ...any) {
	log.Printf("❌ "+format, args...)
}

// noopLogger discards everything; used as the zero-value default so callers
// never have to nil-check Options.Logger.
type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}
