// Package logger provides structured logging utilities
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
}

// ContextKey represents keys for context values
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	OrderIDKey   ContextKey = "order_id"
)

// ContextWithOrderID returns ctx carrying orderID for WithContext
func ContextWithOrderID(ctx context.Context, orderID string) context.Context {
	return context.WithValue(ctx, OrderIDKey, orderID)
}

// New creates a new logger instance
func New(level, format string) *Logger {
	return NewWithOutput(level, format, os.Stdout)
}

// NewWithOutput creates a logger writing to out
func NewWithOutput(level, format string, out io.Writer) *Logger {
	log := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	log.SetOutput(out)

	return &Logger{Logger: log}
}

// WithContext adds context values to log fields
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithFields(logrus.Fields{})

	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		entry = entry.WithField("request_id", requestID)
	}

	if orderID := ctx.Value(OrderIDKey); orderID != nil {
		entry = entry.WithField("order_id", orderID)
	}

	return entry
}

// WithRequest adds request-specific fields
func (l *Logger) WithRequest(requestID, method, path string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"method":     method,
		"path":       path,
	})
}

// WithError adds error information to log fields
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithError(err)
}

// WithOrderID adds order ID to log fields
func (l *Logger) WithOrderID(orderID string) *logrus.Entry {
	return l.Logger.WithField("order_id", orderID)
}

// WithComponent adds component name to log fields
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}

// Global logger instance
var globalLogger *Logger

// Init initializes the global logger
func Init(level, format string) {
	globalLogger = New(level, format)
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	if globalLogger == nil {
		globalLogger = New("info", "json")
	}
	return globalLogger
}

// Convenience functions for global logger
func WithContext(ctx context.Context) *logrus.Entry {
	return GetLogger().WithContext(ctx)
}

func WithRequest(requestID, method, path string) *logrus.Entry {
	return GetLogger().WithRequest(requestID, method, path)
}

func WithError(err error) *logrus.Entry {
	return GetLogger().WithError(err)
}

func WithOrderID(orderID string) *logrus.Entry {
	return GetLogger().WithOrderID(orderID)
}

func WithComponent(component string) *logrus.Entry {
	return GetLogger().WithComponent(component)
}

func Info(args ...interface{}) {
	GetLogger().Logger.Info(args...)
}

func Infof(format string, args ...interface{}) {
	GetLogger().Logger.Infof(format, args...)
}
