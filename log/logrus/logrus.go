package logrus

import (
	"github.com/sirupsen/logrus"

	"github.com/unkn0wn-root/permcache"
)

// Logger adapts a *logrus.Entry to the permcache.Logger facade.
type Logger struct{ E *logrus.Entry }

var _ permcache.Logger = Logger{}

func (l Logger) Debug(msg string, f permcache.Fields) {
	l.E.WithFields(logrus.Fields(f)).Debug(msg)
}
func (l Logger) Info(msg string, f permcache.Fields) { l.E.WithFields(logrus.Fields(f)).Info(msg) }
func (l Logger) Warn(msg string, f permcache.Fields) { l.E.WithFields(logrus.Fields(f)).Warn(msg) }
func (l Logger) Error(msg string, f permcache.Fields) {
	l.E.WithFields(logrus.Fields(f)).Error(msg)
}
