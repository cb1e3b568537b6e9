// Package monitoring holds the package-level diagnostic hook used by leaf
// helpers (migrations, JSON responders) that do not carry an injected logger.
package monitoring

import (
	"log"

	"github.com/cyclopcam/logs"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger or UseLog.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// UseLog routes Logf to the Info level of l, so that helper output lands in
// the same stream as the kiosk's own logs.
func UseLog(l logs.Log) {
	if l == nil {
		SetLogger(nil)
		return
	}
	SetLogger(l.Infof)
}
