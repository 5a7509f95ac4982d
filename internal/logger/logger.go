// Package logger provides leveled logging for the engine.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var defaultLogger *Logger

// Logger writes leveled messages through a stdlib log.Logger.
type Logger struct {
	level  Level
	logger *log.Logger
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return DebugLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Init initializes the default logger with the specified level and format.
func Init(level string, format string) {
	flags := log.LstdFlags | log.Lmicroseconds
	if strings.ToLower(format) == "text" {
		flags |= log.Lshortfile
	}
	defaultLogger = &Logger{
		level:  ParseLevel(level),
		logger: log.New(os.Stderr, "", flags),
	}
}

func logf(level Level, tag, format string, args ...interface{}) {
	if defaultLogger == nil || defaultLogger.level > level {
		return
	}
	_ = defaultLogger.logger.Output(3, fmt.Sprintf(tag+format, args...))
}

func Debug(format string, args ...interface{}) {
	logf(DebugLevel, "[DEBUG] ", format, args...)
}

func Info(format string, args ...interface{}) {
	logf(InfoLevel, "[INFO] ", format, args...)
}

func Warn(format string, args ...interface{}) {
	logf(WarnLevel, "[WARN] ", format, args...)
}

func Error(format string, args ...interface{}) {
	logf(ErrorLevel, "[ERROR] ", format, args...)
}

func Fatal(format string, args ...interface{}) {
	if defaultLogger != nil {
		_ = defaultLogger.logger.Output(2, fmt.Sprintf("[FATAL] "+format, args...))
	}
	os.Exit(1)
}
