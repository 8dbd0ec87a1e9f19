// Package monitoring holds the process-wide diagnostic logger used by the
// pointing packages when no health sink has been wired in.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// LogfOr returns f when it is set, otherwise a function that forwards to the
// current package logger. Components keep a Logf field and resolve it through
// here so a later SetLogger call still takes effect.
func LogfOr(f func(format string, v ...interface{})) func(format string, v ...interface{}) {
	if f != nil {
		return f
	}
	return func(format string, v ...interface{}) {
		Logf(format, v...)
	}
}
