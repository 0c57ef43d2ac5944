// Package logger builds the structured loggers used across the peer-side
// backup-logging subsystem. Every component receives its logger at
// construction rather than reaching for a package-level global, so tests
// can inject a discard logger and two Stores in one process never share
// output state.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls where a logger writes and at what level.
type Config struct {
	Path  string // empty means stdout/stderr only
	Level string // debug|info|warn|error|fatal|panic, default info
}

// CustomFormatter renders "[time] [LEVL] (file:func:line) message".
type CustomFormatter struct {
	TimestampFormat string
}

func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format(f.TimestampFormat)

	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	logMsg := fmt.Sprintf("[%s] [%s] (%s) %s\n", timestamp, level, caller(), entry.Message)
	return []byte(logMsg), nil
}

func caller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "/logrus/") || strings.Contains(file, "/logger.go") || strings.Contains(file, "sirupsen") {
			continue
		}
		funcName := runtime.FuncForPC(pc).Name()
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), funcName, line)
	}
	return "unknown:unknown:0"
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// New builds a logrus.Logger from Config. Callers own the returned
// instance and pass it explicitly to the component that should log
// through it.
func New(cfg Config) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&CustomFormatter{TimestampFormat: "15:04:05 MST 2006/01/02"})
	l.SetLevel(parseLevel(cfg.Level))

	if cfg.Path == "" {
		l.SetOutput(os.Stdout)
		return l
	}

	f, err := openLogFile(cfg.Path)
	if err != nil {
		l.SetOutput(os.Stdout)
		l.Warnf("failed to open log file %s, falling back to stdout: %v", cfg.Path, err)
		return l
	}
	l.SetOutput(io.MultiWriter(os.Stdout, f))
	return l
}

// Discard returns a logger that drops everything, for tests.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func openLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}
