package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents an enumeration of log levels
type LogLevel int

const (
	Critical LogLevel = 50
	Fatal    LogLevel = Critical
	Error    LogLevel = 40
	Warning  LogLevel = 30
	Info     LogLevel = 20
	Debug    LogLevel = 10
	NotSet   LogLevel = 0
)

// LoggingConfig controls the process-wide diagnostic output.
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	File       string // optional rotating file in addition to stdout
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	baseMu sync.RWMutex
	base   = newBaseLogger()
)

func newBaseLogger() *log.Logger {
	l := log.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(log.InfoLevel)
	l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return l
}

// ConfigureLogging applies cfg to every Logger created by NewLogger.
func ConfigureLogging(cfg LoggingConfig) error {
	level, err := log.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	baseMu.Lock()
	defer baseMu.Unlock()
	base.SetLevel(level)
	base.SetOutput(out)
	if strings.EqualFold(cfg.Format, "json") {
		base.SetFormatter(&log.JSONFormatter{})
	} else {
		base.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// SetOutput redirects diagnostic output. Used by tests.
func SetOutput(w io.Writer) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base.SetOutput(w)
}

// Logger provides structured logging with context
type Logger struct {
	prefix        string
	logLevel      LogLevel
	logLevelMutex sync.Mutex
}

// NewLogger creates a new logger with a given prefix. Without an explicit
// level the process-wide level set by ConfigureLogging applies.
func NewLogger(prefix string, logLevel ...LogLevel) *Logger {
	logLevelValue := NotSet
	if len(logLevel) > 0 {
		logLevelValue = logLevel[0]
	}
	return &Logger{
		prefix:   prefix,
		logLevel: logLevelValue,
	}
}

// SetLogLevel sets the logging level
func (l *Logger) SetLogLevel(logLevel LogLevel) {
	l.logLevelMutex.Lock()
	defer l.logLevelMutex.Unlock()
	l.logLevel = logLevel
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	if l.enabled(Info) {
		l.entry(keyvals...).Info(msg)
	}
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	if l.enabled(Error) {
		l.entry(keyvals...).Error(msg)
	}
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	if l.enabled(Warning) {
		l.entry(keyvals...).Warn(msg)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	if l.enabled(Debug) {
		l.entry(keyvals...).Debug(msg)
	}
}

func (l *Logger) enabled(level LogLevel) bool {
	l.logLevelMutex.Lock()
	defer l.logLevelMutex.Unlock()
	return l.logLevel == NotSet || l.logLevel <= level
}

// entry builds a logrus entry from alternating key/value pairs. A trailing
// key without a value is dropped.
func (l *Logger) entry(keyvals ...interface{}) *log.Entry {
	fields := log.Fields{"component": l.prefix}
	for i := 0; i+1 < len(keyvals); i += 2 {
		fields[fmt.Sprint(keyvals[i])] = keyvals[i+1]
	}

	baseMu.RLock()
	defer baseMu.RUnlock()
	return base.WithFields(fields)
}
