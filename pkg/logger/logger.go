// Package logger provides the service-wide logging system.
// Entries go through logrus: console output with colors, file sinks for the
// combined and error logs, and an optional alert webhook are all logrus hooks.
package logger

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	LevelCritical LogLevel = iota
	LevelError
	LevelWarn
	LevelSuccess
	LevelInfo
	LevelDebug
	LevelSystem
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LevelCritical:
		return "CRITICAL"
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelSuccess:
		return "SUCCESS"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelSystem:
		return "SYSTEM"
	default:
		return "UNKNOWN"
	}
}

// Color returns the ANSI color code for the log level
func (l LogLevel) Color() string {
	switch l {
	case LevelCritical:
		return "\033[1;31m"
	case LevelError:
		return "\033[31m"
	case LevelWarn:
		return "\033[33m"
	case LevelSuccess:
		return "\033[32m"
	case LevelInfo:
		return "\033[36m"
	case LevelDebug:
		return "\033[35m"
	case LevelSystem:
		return "\033[34m"
	default:
		return "\033[0m"
	}
}

// logrusLevel maps a LogLevel onto the logrus level used for filtering.
func (l LogLevel) logrusLevel() logrus.Level {
	switch l {
	case LevelCritical, LevelError:
		return logrus.ErrorLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelDebug:
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

const colorReset = "\033[0m"

const (
	fieldSeverity = "severity"
	fieldPrefix   = "prefix"
)

// Fields is an alias so callers do not need to import logrus.
type Fields = logrus.Fields

// Options configures a Logger.
type Options struct {
	Dir          string
	Level        string
	ErrorWebhook string
	LogsWebhook  string
	Console      io.Writer
}

// Logger is the main logging structure
type Logger struct {
	logrus    *logrus.Logger
	logFile   *os.File
	errorFile *os.File
}

var (
	logger *Logger
	once   sync.Once
)

// Init initializes the global logger instance
func Init(opts Options) *Logger {
	once.Do(func() {
		logger = New(opts)
	})
	return logger
}

// Get returns the global logger instance
func Get() *Logger {
	once.Do(func() {
		logger = New(Options{})
	})
	return logger
}

// New creates a new Logger instance
func New(opts Options) *Logger {
	if opts.Dir == "" {
		opts.Dir = "logs"
	}
	if opts.Console == nil {
		opts.Console = os.Stdout
	}

	l := &Logger{logrus: logrus.New()}
	l.logrus.SetOutput(opts.Console)
	l.logrus.SetFormatter(&lineFormatter{color: true})

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.DebugLevel
	}
	l.logrus.SetLevel(level)

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		fmt.Printf("Error creating logs directory: %v\n", err)
	}

	l.logFile, err = os.OpenFile(filepath.Join(opts.Dir, "combined.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Printf("Error opening combined log file: %v\n", err)
	} else {
		l.logrus.AddHook(&fileHook{out: l.logFile, levels: logrus.AllLevels})
	}

	l.errorFile, err = os.OpenFile(filepath.Join(opts.Dir, "error.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Printf("Error opening error log file: %v\n", err)
	} else {
		l.logrus.AddHook(&fileHook{out: l.errorFile, levels: []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}})
	}

	if opts.ErrorWebhook != "" || opts.LogsWebhook != "" {
		l.logrus.AddHook(&webhookHook{
			errorURL: opts.ErrorWebhook,
			logsURL:  opts.LogsWebhook,
			client:   &http.Client{Timeout: 5 * time.Second},
		})
	}

	return l
}

// lineFormatter renders "[time] [LEVEL] [prefix]: message key=value".
type lineFormatter struct {
	color bool
}

func (f *lineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	severity, prefix := entryMeta(e)

	var b bytes.Buffer
	b.WriteString("[" + e.Time.Format("2006-01-02 15:04:05") + "] ")
	if f.color {
		b.WriteString("[" + severity.Color() + severity.String() + colorReset + "] ")
	} else {
		b.WriteString("[" + severity.String() + "] ")
	}
	b.WriteString("[" + prefix + "]: " + e.Message)
	for k, v := range e.Data {
		if k == fieldSeverity || k == fieldPrefix {
			continue
		}
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func entryMeta(e *logrus.Entry) (LogLevel, string) {
	severity, ok := e.Data[fieldSeverity].(LogLevel)
	if !ok {
		severity = LevelInfo
	}
	prefix, _ := e.Data[fieldPrefix].(string)
	return severity, prefix
}

// fileHook writes uncolored lines to a file for the given levels.
type fileHook struct {
	out    io.Writer
	levels []logrus.Level
	mu     sync.Mutex
	plain  lineFormatter
}

func (h *fileHook) Levels() []logrus.Level { return h.levels }

func (h *fileHook) Fire(e *logrus.Entry) error {
	line, err := h.plain.Format(e)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.out.Write(line)
	return err
}

// webhookHook posts entries to the alert webhooks without blocking the caller.
type webhookHook struct {
	errorURL string
	logsURL  string
	client   *http.Client
}

func (h *webhookHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *webhookHook) Fire(e *logrus.Entry) error {
	severity, prefix := entryMeta(e)
	url := h.logsURL
	if severity <= LevelError {
		url = h.errorURL
	}
	if url == "" {
		return nil
	}

	payload := map[string]interface{}{
		"level":     severity.String(),
		"prefix":    prefix,
		"message":   e.Message,
		"timestamp": e.Time.Format(time.RFC3339),
	}
	go func() {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		resp, err := h.client.Post(url, "application/json", bytes.NewReader(data))
		if err != nil {
			return
		}
		resp.Body.Close()
	}()
	return nil
}

// Close closes the log files
func (l *Logger) Close() {
	if l.logFile != nil {
		l.logFile.Close()
	}
	if l.errorFile != nil {
		l.errorFile.Close()
	}
}

func (l *Logger) log(fields Fields, level LogLevel, message, prefix string) {
	entry := l.logrus.WithFields(fields).WithField(fieldSeverity, level).WithField(fieldPrefix, prefix)
	entry.Log(level.logrusLevel(), message)
}

// Entry carries structured fields for a group of log calls.
type Entry struct {
	l      *Logger
	fields Fields
}

// WithFields returns an Entry that appends the fields to every message.
func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{l: l, fields: fields}
}

func (e *Entry) Error(message, prefix string) { e.l.log(e.fields, LevelError, message, prefix) }
func (e *Entry) Warn(message, prefix string)  { e.l.log(e.fields, LevelWarn, message, prefix) }
func (e *Entry) Info(message, prefix string)  { e.l.log(e.fields, LevelInfo, message, prefix) }
func (e *Entry) Debug(message, prefix string) { e.l.log(e.fields, LevelDebug, message, prefix) }

// Critical logs a critical message
func (l *Logger) Critical(message string, prefix string) {
	l.log(nil, LevelCritical, message, prefix)
}

// Error logs an error message
func (l *Logger) Error(message string, prefix string) {
	l.log(nil, LevelError, message, prefix)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, prefix string) {
	l.log(nil, LevelWarn, message, prefix)
}

// Success logs a success message
func (l *Logger) Success(message string, prefix string) {
	l.log(nil, LevelSuccess, message, prefix)
}

// Info logs an info message
func (l *Logger) Info(message string, prefix string) {
	l.log(nil, LevelInfo, message, prefix)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, prefix string) {
	l.log(nil, LevelDebug, message, prefix)
}

// System logs a system message
func (l *Logger) System(message string, prefix string) {
	l.log(nil, LevelSystem, message, prefix)
}

// Package-level functions for convenience

func Critical(message string, prefix string) { Get().Critical(message, prefix) }
func Error(message string, prefix string)    { Get().Error(message, prefix) }
func Warn(message string, prefix string)     { Get().Warn(message, prefix) }
func Success(message string, prefix string)  { Get().Success(message, prefix) }
func Info(message string, prefix string)     { Get().Info(message, prefix) }
func Debug(message string, prefix string)    { Get().Debug(message, prefix) }
func System(message string, prefix string)   { Get().System(message, prefix) }

// WithFields returns an Entry on the global logger.
func WithFields(fields Fields) *Entry { return Get().WithFields(fields) }
