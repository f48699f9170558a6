// Package logging wires a logrus logger per engine subsystem, following
// the teacher repo's logger package conventions.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel adjusts the global log level (e.g. from config at startup).
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return
	}
	base.SetLevel(lvl)
}

// For returns a component-scoped logger entry, e.g. logging.For("wal").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}
