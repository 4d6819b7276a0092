package peer

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// ZapLoggerFactory routes Pion's internal logging into zap. Each scope
// ("ice", "dtls", "pc", ...) becomes a named child logger.
type ZapLoggerFactory struct {
	base  *zap.Logger
	trace bool
}

// NewZapLoggerFactory wraps base. Trace output is dropped unless trace is set.
func NewZapLoggerFactory(base *zap.Logger, trace bool) *ZapLoggerFactory {
	return &ZapLoggerFactory{base: base, trace: trace}
}

// NewLogger implements logging.LoggerFactory
func (f *ZapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zapLeveled{
		s:     f.base.Named("pion." + scope).WithOptions(zap.AddCallerSkip(1)).Sugar(),
		trace: f.trace,
	}
}

type zapLeveled struct {
	s     *zap.SugaredLogger
	trace bool
}

func (l *zapLeveled) Trace(msg string) {
	if l.trace {
		l.s.Debug(msg)
	}
}

func (l *zapLeveled) Tracef(format string, args ...interface{}) {
	if l.trace {
		l.s.Debugf(format, args...)
	}
}

func (l *zapLeveled) Debug(msg string)                          { l.s.Debug(msg) }
func (l *zapLeveled) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *zapLeveled) Info(msg string)                           { l.s.Info(msg) }
func (l *zapLeveled) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *zapLeveled) Warn(msg string)                           { l.s.Warn(msg) }
func (l *zapLeveled) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *zapLeveled) Error(msg string)                          { l.s.Error(msg) }
func (l *zapLeveled) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
