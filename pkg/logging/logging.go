// Package logging defines the logger used by the builder and its CLI.
package logging

import (
	"io"

	"github.com/heroku/color"
)

// Logger defines behavior required by the builder libraries.
type Logger interface {
	Debug(msg string)
	Debugf(fmt string, v ...interface{})

	Info(msg string)
	Infof(fmt string, v ...interface{})

	Warn(msg string)
	Warnf(fmt string, v ...interface{})

	Error(msg string)
	Errorf(fmt string, v ...interface{})

	Writer() io.Writer

	IsVerbose() bool
}

// Tip logs a tip.
func Tip(l Logger, format string, v ...interface{}) {
	l.Infof(color.CyanString("Tip: ")+format, v...)
}
