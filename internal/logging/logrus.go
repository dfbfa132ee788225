// Package logging adapts logrus to the outbox.Logger interface.
package logging

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Logrus wraps a logrus logger so the syncer can emit structured logs.
type Logrus struct {
	log *logrus.Logger
}

// New creates an adapter with the given level ("debug", "info", ...);
// unknown levels fall back to info.
func New(level string) *Logrus {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return &Logrus{log: log}
}

// Info implements outbox.Logger.
func (l *Logrus) Info(_ context.Context, format string, v ...any) {
	l.log.Infof(format, v...)
}

// Warn implements outbox.Logger.
func (l *Logrus) Warn(_ context.Context, format string, v ...any) {
	l.log.Warnf(format, v...)
}

// Error implements outbox.Logger.
func (l *Logrus) Error(_ context.Context, format string, v ...any) {
	l.log.Errorf(format, v...)
}
