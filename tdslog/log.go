// Package tdslog adapts logrus to the category-based logging the
// teacher's hand-rolled pkg/log exposes (system, connection,
// handshake, dispatch), without reimplementing a logging backend: the
// retrieval pack already shows a real structured-logging library
// (github.com/sirupsen/logrus, used throughout
// penguintechinc/marchproxy) for this exact concern, so this package
// is a thin, category-tagging wrapper around it rather than a
// from-scratch logger.
package tdslog

import "github.com/sirupsen/logrus"

// Category mirrors the teacher's logging categories, narrowed to the
// ones a connection-pipeline core actually emits.
type Category string

const (
	CategorySystem     Category = "system"
	CategoryConnection Category = "connection"
	CategoryHandshake  Category = "handshake"
	CategoryDispatch   Category = "dispatch"
)

// Logger is a logrus.FieldLogger pinned to one category, implementing
// wire.Logger for use by Request.Log implementations.
type Logger struct {
	entry *logrus.Entry
}

// New wraps a logrus.FieldLogger (typically *logrus.Logger) with a
// fixed category field.
func New(base logrus.FieldLogger, category Category) *Logger {
	return &Logger{entry: base.WithField("category", string(category))}
}

// Default returns a Logger backed by logrus's standard logger, for
// callers that don't want to configure logrus themselves.
func Default(category Category) *Logger {
	return New(logrus.StandardLogger(), category)
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// WithField returns a derived Logger with an extra structured field,
// e.g. l.WithField("spid", spid).
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}
