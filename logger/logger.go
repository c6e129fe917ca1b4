// Package logger provides the leveled logging used across the allocator packages.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// LogLevel represents the logging level
type LogLevel int32

const (
	// LogLevelNone disables all logging
	LogLevelNone LogLevel = iota

	// LogLevelFatal enables fatal logging
	LogLevelFatal
	// LogLevelError enables error logging
	LogLevelError
	// LogLevelWarn enables warning and error logging
	LogLevelWarn
	// LogLevelInfo enables info, warning and error logging
	LogLevelInfo
	// LogLevelDebug enables all logging
	LogLevelDebug
)

var currentLogLevel atomic.Int32

var (
	debugLogger *log.Logger
	infoLogger  *log.Logger
	warnLogger  *log.Logger
	errorLogger *log.Logger
	fatalLogger *log.Logger
)

func init() {
	currentLogLevel.Store(int32(LogLevelInfo))
	debugLogger = log.New(os.Stdout, "[DEBUG] ", log.Ldate|log.Ltime|log.Lshortfile)
	infoLogger = log.New(os.Stdout, "[Info] ", log.Ldate|log.Ltime|log.Lshortfile)
	warnLogger = log.New(os.Stderr, "[WARN] ", log.Ldate|log.Ltime|log.Lshortfile)
	errorLogger = log.New(os.Stderr, "[ERROR] ", log.Ldate|log.Ltime|log.Lshortfile)
	fatalLogger = log.New(os.Stderr, "[FATAL] ", log.Ldate|log.Ltime|log.Lshortfile)
}

// SetLevel changes the current logging level
func SetLevel(level LogLevel) {
	currentLogLevel.Store(int32(level))
}

// Level returns the current logging level
func Level() LogLevel {
	return LogLevel(currentLogLevel.Load())
}

// ParseLevel converts a level name as found in configuration files.
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToLower(name) {
	case "none", "":
		return LogLevelNone, nil
	case "fatal":
		return LogLevelFatal, nil
	case "error":
		return LogLevelError, nil
	case "warn":
		return LogLevelWarn, nil
	case "info":
		return LogLevelInfo, nil
	case "debug":
		return LogLevelDebug, nil
	}
	return LogLevelNone, fmt.Errorf("unknown log level %q", name)
}

func enabled(level LogLevel) bool {
	return LogLevel(currentLogLevel.Load()) >= level
}

// Debug logs debug information
func Debug(format string, v ...interface{}) {
	if enabled(LogLevelDebug) {
		debugLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

// Info logs informational messages
func Info(format string, v ...interface{}) {
	if enabled(LogLevelInfo) {
		infoLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

// Warn logs conditions worth attention that are not errors
func Warn(format string, v ...interface{}) {
	if enabled(LogLevelWarn) {
		warnLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

// Error logs error information
func Error(format string, v ...interface{}) {
	if enabled(LogLevelError) {
		errorLogger.Output(2, fmt.Sprintf(format, v...))
	}
}

// Fatal logs fatal information and terminates the process
func Fatal(format string, v ...interface{}) {
	if enabled(LogLevelFatal) {
		fatalLogger.Output(2, fmt.Sprintf(format, v...))
	}
	os.Exit(1)
}
