// Package logging provides the structured logger shared across a meshbus
// instance, wrapping logrus the way the teacher's infrastructure/logging
// and pkg/logger packages do.
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with the field a bus instance attaches to
// every entry: its name.
type Logger struct {
	*logrus.Logger
	bus string
}

// Config controls logger construction. Zero value yields "info"/"text" on
// stdout, matching the teacher's NewDefault fallback.
type Config struct {
	Level  string
	Format string
}

// New creates a Logger for the named bus instance.
func New(bus string, cfg Config) *Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, bus: bus}
}

// NewFromEnv builds a Logger using MESHBUS_LOG_LEVEL and MESHBUS_LOG_FORMAT,
// defaulting to info/text when unset, mirroring the teacher's NewFromEnv.
func NewFromEnv(bus string) *Logger {
	return New(bus, Config{
		Level:  strings.TrimSpace(os.Getenv("MESHBUS_LOG_LEVEL")),
		Format: strings.TrimSpace(os.Getenv("MESHBUS_LOG_FORMAT")),
	})
}

// WithTopic returns an entry scoped to a kernel topic.
func (l *Logger) WithTopic(topic string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"bus": l.bus, "topic": topic})
}

// WithCorrelation returns an entry scoped to a request correlation ID.
func (l *Logger) WithCorrelation(correlationID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"bus": l.bus, "correlation_id": correlationID})
}

// WithFields returns an entry with the bus name plus the given fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["bus"] = l.bus
	return l.Logger.WithFields(fields)
}

// WithError returns an entry with the bus name and an attached error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"bus": l.bus}).WithError(err)
}

// LogEmit logs a pub/sub emission, including how many listeners observed it.
func (l *Logger) LogEmit(topic string, listenerCount int, duration time.Duration) {
	l.WithTopic(topic).WithFields(logrus.Fields{
		"listener_count": listenerCount,
		"duration_ms":    duration.Milliseconds(),
	}).Debug("event emitted")
}

// LogListenerPanic logs a recovered panic from a listener invocation, the
// way a production bus must: loudly, but without crashing the emitter.
func (l *Logger) LogListenerPanic(topic string, recovered any) {
	l.WithTopic(topic).WithField("recovered", recovered).Error("listener panicked")
}

// LogCacheEvent logs a cache hit, miss, or eviction.
func (l *Logger) LogCacheEvent(event, key string) {
	l.WithFields(logrus.Fields{"cache_event": event, "key": key}).Debug("cache event")
}

// LogRequest logs the outcome of a request/response round trip.
func (l *Logger) LogRequest(topic, correlationID string, duration time.Duration, err error) {
	entry := l.WithCorrelation(correlationID).WithFields(logrus.Fields{
		"topic":       topic,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("request failed")
		return
	}
	entry.Debug("request resolved")
}

// LogStateChange logs a shared-state cell transition.
func (l *Logger) LogStateChange(key string, sequence uint64) {
	l.WithFields(logrus.Fields{"key": key, "sequence": sequence}).Debug("state changed")
}
