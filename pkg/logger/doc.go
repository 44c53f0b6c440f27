// Package logger provides a standalone structured-logging interface and a
// SimpleLogger reference implementation. It predates core.Logger (the
// fabric's actual logging contract, used by every subsystem via
// core.Config.Logger()) and is kept as an independently testable
// alternative rather than merged: core.Logger's map-shaped fields and this
// package's variadic-field shape are different enough that unifying them
// would ripple through every call site for no behavioral gain.
//
// # Logger Interface
//
//	type Logger interface {
//	    Debug(msg string, fields ...interface{})
//	    Info(msg string, fields ...interface{})
//	    Warn(msg string, fields ...interface{})
//	    Error(msg string, fields ...interface{})
//	    SetLevel(level string)
//	    WithField(key string, value interface{}) Logger
//	    WithFields(fields map[string]interface{}) Logger
//	    With(fields ...Field) Logger
//	}
//
// # Log Levels
//
// Supported log levels in order of severity: DEBUG, INFO, WARN, ERROR.
//
// # Structured Logging
//
//	log.Info("request handled", logger.Field{Key: "status", Value: 200})
//
// # Contextual Logging
//
// WithField/WithFields/With return a child logger that carries the given
// fields on every subsequent call:
//
//	requestLog := log.WithField("request_id", reqID)
//	requestLog.Info("started")
//	requestLog.Info("finished", logger.Field{Key: "duration_ms", Value: 12})
//
// # Configuration
//
// SetLevel accepts "debug", "info", "warn", or "error".
package logger
