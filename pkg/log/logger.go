// Structured logging for the tankdrive host
//
// Provides leveled, per-component loggers with structured fields and
// either human-readable text or JSON output. Drivetrain components log
// through GetLogger("<component>") so every line carries its origin.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a LogLevel, defaulting to INFO
func ParseLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// OutputFormat specifies the output format for log messages
type OutputFormat int

const (
	FormatText OutputFormat = iota
	FormatJSON
)

// Fields is a map of structured logging fields
type Fields map[string]interface{}

// sink is shared by a logger and every logger derived from it with
// WithPrefix, so level and writer changes apply to all components.
type sink struct {
	mu         sync.Mutex
	writer     io.Writer
	level      LogLevel
	timeFormat string
	colorize   bool
	format     OutputFormat
	caller     bool
}

// Logger writes leveled messages tagged with a component prefix
type Logger struct {
	prefix string
	out    *sink
}

// Entry is a log line under construction with attached fields
type Entry struct {
	logger *Logger
	fields Fields
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger

	ansiColors = map[LogLevel]string{
		DEBUG: "\x1b[36m",
		INFO:  "\x1b[32m",
		WARN:  "\x1b[33m",
		ERROR: "\x1b[31m",
	}
	ansiReset = "\x1b[0m"
)

// New creates a logger writing text to stderr at INFO
func New(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		out: &sink{
			writer:     os.Stderr,
			level:      INFO,
			timeFormat: "2006-01-02 15:04:05.000",
			colorize:   os.Getenv("NO_COLOR") == "",
			format:     FormatText,
		},
	}
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level LogLevel) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return l.out.level
}

// SetWriter sets the output writer
func (l *Logger) SetWriter(w io.Writer) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.writer = w
}

// SetColorize enables or disables ANSI colors in text output
func (l *Logger) SetColorize(enable bool) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.colorize = enable
}

// SetFormat sets the output format
func (l *Logger) SetFormat(format OutputFormat) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.format = format
}

// SetCaller enables or disables file:line caller info
func (l *Logger) SetCaller(enable bool) {
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.caller = enable
}

// Prefix returns the component prefix
func (l *Logger) Prefix() string {
	return l.prefix
}

// WithPrefix returns a logger for another component sharing this output
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{prefix: prefix, out: l.out}
}

// WithField returns an Entry with the given field
func (l *Logger) WithField(key string, value interface{}) *Entry {
	return &Entry{logger: l, fields: Fields{key: value}}
}

// WithFields returns an Entry with the given fields
func (l *Logger) WithFields(fields Fields) *Entry {
	return (&Entry{logger: l}).WithFields(fields)
}

// WithError returns an Entry with the error field set
func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", errString(err))
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.write(DEBUG, msg, args, nil) }
func (l *Logger) Info(msg string, args ...interface{})  { l.write(INFO, msg, args, nil) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.write(WARN, msg, args, nil) }
func (l *Logger) Error(msg string, args ...interface{}) { l.write(ERROR, msg, args, nil) }

// Enabled reports whether messages at level would be written
func (l *Logger) Enabled(level LogLevel) bool {
	return level >= l.GetLevel()
}

// write is the single exit point; callerSkip is fixed because every
// public method reaches it through exactly one frame.
func (l *Logger) write(level LogLevel, msg string, args []interface{}, fields Fields) {
	s := l.out
	s.mu.Lock()
	defer s.mu.Unlock()

	if level < s.level {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	var caller string
	if s.caller {
		caller = getCaller(3)
	}

	var line string
	if s.format == FormatJSON {
		line = formatJSON(level, l.prefix, msg, caller, fields)
	} else {
		line = formatText(s, level, l.prefix, msg, caller, fields)
	}
	fmt.Fprint(s.writer, line)
}

func getCaller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}

func formatText(s *sink, level LogLevel, prefix, msg, caller string, fields Fields) string {
	var sb strings.Builder
	sb.WriteString(time.Now().Format(s.timeFormat))
	fmt.Fprintf(&sb, " [%-5s] ", level.String())
	if s.colorize {
		sb.WriteString(ansiColors[level])
	}
	sb.WriteString(prefix)
	if s.colorize {
		sb.WriteString(ansiReset)
	}
	sb.WriteString(": ")
	sb.WriteString(msg)
	if caller != "" {
		sb.WriteString(" (" + caller + ")")
	}
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, fields[k])
		}
		sb.WriteString("}")
	}
	sb.WriteString("\n")
	return sb.String()
}

// JSONLogEntry is the structure for JSON formatted log entries
type JSONLogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Logger    string                 `json:"logger"`
	Message   string                 `json:"message"`
	Caller    string                 `json:"caller,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func formatJSON(level LogLevel, prefix, msg, caller string, fields Fields) string {
	entry := JSONLogEntry{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Level:     level.String(),
		Logger:    prefix,
		Message:   msg,
		Caller:    caller,
	}
	if len(fields) > 0 {
		entry.Fields = fields
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal log entry: %v"}`+"\n", err)
	}
	return string(data) + "\n"
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

// WithField adds a field to the entry
func (e *Entry) WithField(key string, value interface{}) *Entry {
	return e.WithFields(Fields{key: value})
}

// WithFields adds multiple fields to the entry
func (e *Entry) WithFields(fields Fields) *Entry {
	merged := make(Fields, len(e.fields)+len(fields))
	for k, v := range e.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Entry{logger: e.logger, fields: merged}
}

// WithError adds an error field to the entry
func (e *Entry) WithError(err error) *Entry {
	return e.WithField("error", errString(err))
}

func (e *Entry) Debug(msg string) { e.logger.write(DEBUG, msg, nil, e.fields) }
func (e *Entry) Info(msg string)  { e.logger.write(INFO, msg, nil, e.fields) }
func (e *Entry) Warn(msg string)  { e.logger.write(WARN, msg, nil, e.fields) }
func (e *Entry) Error(msg string) { e.logger.write(ERROR, msg, nil, e.fields) }

func (e *Entry) Debugf(format string, args ...interface{}) {
	e.logger.write(DEBUG, format, args, e.fields)
}

func (e *Entry) Infof(format string, args ...interface{}) {
	e.logger.write(INFO, format, args, e.fields)
}

func (e *Entry) Warnf(format string, args ...interface{}) {
	e.logger.write(WARN, format, args, e.fields)
}

func (e *Entry) Errorf(format string, args ...interface{}) {
	e.logger.write(ERROR, format, args, e.fields)
}

// SetDefaultLogger replaces the process-wide root logger
func SetDefaultLogger(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

// Default returns the process-wide root logger
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New("tankdrive")
		ConfigureFromEnv(defaultLogger)
	}
	return defaultLogger
}

// GetLogger returns a component logger sharing the root logger's output
func GetLogger(prefix string) *Logger {
	return Default().WithPrefix(prefix)
}

// ConfigureFromEnv applies environment-based configuration to the logger.
// Environment variables:
//   - TANKDRIVE_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - TANKDRIVE_LOG_FORMAT: text, json
//   - TANKDRIVE_LOG_CALLER: any non-empty value enables caller info
//   - NO_COLOR: any non-empty value disables colors
func ConfigureFromEnv(l *Logger) {
	if levelStr := os.Getenv("TANKDRIVE_LOG_LEVEL"); levelStr != "" {
		l.SetLevel(ParseLevel(levelStr))
	}
	switch strings.ToLower(os.Getenv("TANKDRIVE_LOG_FORMAT")) {
	case "json":
		l.SetFormat(FormatJSON)
	case "text":
		l.SetFormat(FormatText)
	}
	if os.Getenv("TANKDRIVE_LOG_CALLER") != "" {
		l.SetCaller(true)
	}
	if os.Getenv("NO_COLOR") != "" {
		l.SetColorize(false)
	}
}
