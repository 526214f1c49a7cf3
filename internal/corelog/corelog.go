// Package corelog centralizes the structured logger used across the
// Runtime Orchestration Core. Components never construct their own zap
// logger; they receive one explicitly at wiring time.
package corelog

import (
	"github.com/go-logr/logr"
	"go.uber.org/zap"
)

// Nop returns a logger that discards everything, for components built
// without an explicit logger (tests, or callers that don't care).
func Nop() *zap.Logger {
	return zap.NewNop()
}

// Named returns child with the given component name attached, or a no-op
// logger if parent is nil.
func Named(parent *zap.Logger, name string) *zap.Logger {
	if parent == nil {
		return Nop()
	}
	return parent.Named(name)
}

// ToLogr adapts parent to a logr.Logger, so it can be installed as the
// OTel SDK's internal error logger via otel.SetLogger. parent nil yields
// a discarding logr.Logger.
func ToLogr(parent *zap.Logger) logr.Logger {
	if parent == nil {
		parent = Nop()
	}
	return logr.New(&zapSink{log: parent.Sugar()})
}

// zapSink implements logr.LogSink over a zap.SugaredLogger. logr levels
// increase with verbosity (0 is "info"); anything above 0 is logged at
// zap's Debug level since zap has no deeper-than-debug tier.
type zapSink struct {
	log  *zap.SugaredLogger
	name string
}

func (s *zapSink) Init(logr.RuntimeInfo) {}

func (s *zapSink) Enabled(int) bool { return true }

func (s *zapSink) Info(level int, msg string, kv ...any) {
	if level > 0 {
		s.log.Debugw(s.prefixed(msg), kv...)
		return
	}
	s.log.Infow(s.prefixed(msg), kv...)
}

func (s *zapSink) Error(err error, msg string, kv ...any) {
	s.log.Errorw(s.prefixed(msg), append(kv, "error", err)...)
}

func (s *zapSink) WithValues(kv ...any) logr.LogSink {
	return &zapSink{log: s.log.With(kv...), name: s.name}
}

func (s *zapSink) WithName(name string) logr.LogSink {
	child := s.name
	if child == "" {
		child = name
	} else {
		child = child + "." + name
	}
	return &zapSink{log: s.log, name: child}
}

func (s *zapSink) prefixed(msg string) string {
	if s.name == "" {
		return msg
	}
	return s.name + ": " + msg
}
