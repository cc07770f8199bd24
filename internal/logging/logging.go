// Package logging builds the logrus logger the Conductor passes into every
// component at construction time. There is no package-level logger: each
// caller gets its own *logrus.Entry seeded with a "component" field.
package logging

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// outputSplitter routes error-level records to stderr and everything else
// to stdout, so container log collectors can treat the two streams
// differently.
type outputSplitter struct{}

func (outputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// New builds a logrus.Logger at the given level ("debug", "info", "warn",
// "error") using either JSON or text formatting.
func New(level string, jsonFormat bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(outputSplitter{})

	if jsonFormat {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	return l
}

// Component returns an Entry pre-tagged with the owning component's name,
// the shape every internal package expects to receive at construction.
func Component(l *logrus.Logger, name string) *logrus.Entry {
	return l.WithField("component", name)
}
