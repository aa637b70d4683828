package media

import (
	"github.com/edaniels/golog"
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// LoggerFactory routes pion's logs into a golog.Logger. Pion's trace level is
// logged as debug.
type LoggerFactory struct {
	Logger golog.Logger
}

type pionLogger struct {
	logger golog.Logger
}

func (l pionLogger) withSkip() golog.Logger {
	return l.logger.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar()
}

func (l pionLogger) Trace(msg string) {
	l.withSkip().Debug(msg)
}

func (l pionLogger) Tracef(format string, args ...interface{}) {
	l.withSkip().Debugf(format, args...)
}

func (l pionLogger) Debug(msg string) {
	l.withSkip().Debug(msg)
}

func (l pionLogger) Debugf(format string, args ...interface{}) {
	l.withSkip().Debugf(format, args...)
}

func (l pionLogger) Info(msg string) {
	l.withSkip().Info(msg)
}

func (l pionLogger) Infof(format string, args ...interface{}) {
	l.withSkip().Infof(format, args...)
}

func (l pionLogger) Warn(msg string) {
	l.withSkip().Warn(msg)
}

func (l pionLogger) Warnf(format string, args ...interface{}) {
	l.withSkip().Warnf(format, args...)
}

func (l pionLogger) Error(msg string) {
	l.withSkip().Error(msg)
}

func (l pionLogger) Errorf(format string, args ...interface{}) {
	l.withSkip().Errorf(format, args...)
}

// NewLogger returns a logger named after the pion scope.
func (lf LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{lf.Logger.Named(scope)}
}
