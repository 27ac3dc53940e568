// Package model contains the data models shared by the measurement
// components: candidates, probe results, samples, sessions and the
// interfaces through which the engine talks to transports, probers
// and presentation sinks.
package model

// Logger is the generic logger definition. It is satisfied by
// github.com/apex/log's Log and by [TestLogger].
type Logger interface {
	// Debug emits a debug message.
	Debug(msg string)

	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Info emits an informational message.
	Info(msg string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Warn emits a warning message.
	Warn(msg string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)
}
