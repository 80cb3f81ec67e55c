// Package logging builds the structured logger shared by the supervisor,
// worker, and CGI handler.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger at the given level (one of logrus's level
// names; an unrecognized name falls back to info), writing to stderr so
// stdout stays free for whatever the pluggable request handler wants.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// WithPID returns an entry pre-populated with the calling process's pid,
// the common denominator of every supervisor/worker log line.
func WithPID(log *logrus.Logger) *logrus.Entry {
	return log.WithField("pid", os.Getpid())
}
