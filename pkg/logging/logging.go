// Package logging wires the logrus idiom used throughout the reference
// codebase (structured fields, *logrus.Logger instances threaded into
// constructors rather than a single package-global) to the noosphere_log
// verbosity scale from the configuration surface.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Verbosity mirrors the noosphere_log configuration option.
type Verbosity string

const (
	Off       Verbosity = "off"
	Academic  Verbosity = "academic"
	Informed  Verbosity = "informed"
	Chatty    Verbosity = "chatty"
	Deafening Verbosity = "deafening"
)

// New builds a *logrus.Logger configured for the given verbosity, writing to
// out (os.Stderr when nil).
func New(v Verbosity, out io.Writer) *logrus.Logger {
	if out == nil {
		out = os.Stderr
	}
	lg := logrus.New()
	lg.SetOutput(out)
	lg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lg.SetLevel(levelFor(v))
	return lg
}

func levelFor(v Verbosity) logrus.Level {
	switch v {
	case Off:
		return logrus.PanicLevel
	case Academic:
		return logrus.ErrorLevel
	case Informed:
		return logrus.InfoLevel
	case Chatty:
		return logrus.DebugLevel
	case Deafening:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

// Fields is a convenience alias matching the logrus.Fields idiom used across
// the reference codebase for contextual log entries.
type Fields = logrus.Fields
