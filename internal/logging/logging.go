package logging

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

var levelRank = map[Level]int{
	LevelDebug: 5,
	LevelInfo:  9,
	LevelWarn:  13,
	LevelError: 17,
	LevelFatal: 21,
}

// Entry is a single structured log line.
type Entry struct {
	Timestamp  string                 `json:"Timestamp"`
	Severity   string                 `json:"Severity"`
	Body       string                 `json:"Body"`
	Writer     string                 `json:"Writer,omitempty"`
	Attributes map[string]interface{} `json:"Attributes,omitempty"`
}

// Logger writes JSON structured log lines. The zero value is not usable;
// use the package-level functions or ForWriter.
type Logger struct {
	mu     sync.Mutex
	output io.Writer
	min    int
	writer string
}

var defaultLogger = &Logger{output: os.Stdout, min: levelRank[LevelInfo]}

// SetOutput redirects the default logger, typically for tests.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.output = w
}

// ParseLevel maps a config string like "info" to a Level. Unknown values
// fall back to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "WARN":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetMinLevel drops entries below the given severity.
func SetMinLevel(level Level) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	if r, ok := levelRank[level]; ok {
		defaultLogger.min = r
	}
}

// ForWriter returns a logger that stamps every entry with the writer name,
// sharing the default logger's output and level.
func ForWriter(name string) *Logger {
	return &Logger{output: nil, writer: name}
}

func (l *Logger) log(level Level, msg string, attrs map[string]interface{}) {
	// Writer-scoped loggers delegate output and level to the default
	// logger so SetOutput/SetMinLevel affect them too.
	sink := l
	if l.output == nil {
		sink = defaultLogger
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if levelRank[level] < sink.min {
		return
	}

	entry := Entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Severity:   string(level),
		Body:       msg,
		Writer:     l.writer,
		Attributes: attrs,
	}
	data, _ := json.Marshal(entry)
	_, _ = sink.output.Write(data)
	_, _ = sink.output.Write([]byte("\n"))
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, first(fields))
}

// Info logs at info level.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, first(fields))
}

// Warn logs at warning level.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, first(fields))
}

// Error logs at error level.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, first(fields))
}

// Debug logs at debug level on the default logger.
func Debug(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelDebug, msg, first(fields))
}

// Info logs at info level on the default logger.
func Info(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelInfo, msg, first(fields))
}

// Warn logs at warning level on the default logger.
func Warn(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelWarn, msg, first(fields))
}

// Error logs at error level on the default logger.
func Error(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelError, msg, first(fields))
}

// Fatal logs at fatal level and exits.
func Fatal(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelFatal, msg, first(fields))
	os.Exit(1)
}

// F builds a fields map from alternating key/value pairs.
func F(keyvals ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{})
	for i := 0; i < len(keyvals)-1; i += 2 {
		if key, ok := keyvals[i].(string); ok {
			fields[key] = keyvals[i+1]
		}
	}
	return fields
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}
