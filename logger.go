package callsignal

import (
	"github.com/edaniels/golog"
)

// Logger is used by the helpers of this package for informational/debugging purposes.
var Logger = golog.Global().Named("callsignal")

// Debug is helpful to turn on when negotiation isn't working quite right. The CLI
// sets it from its -debug flag.
var Debug = false

// NewLogger returns a named production logger, or a development logger when Debug is set.
func NewLogger(name string) golog.Logger {
	if Debug {
		return golog.NewDevelopmentLogger(name)
	}
	return golog.NewLogger(name)
}

// AddFieldsToLogger returns a child logger that attaches the given key/value pairs to
// every entry.
func AddFieldsToLogger(logger golog.Logger, keysAndValues ...interface{}) golog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(keysAndValues...)
}
