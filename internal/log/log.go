// Package log is the process-wide leveled logger.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	cblog "github.com/charmbracelet/log"
)

type Logger = cblog.Logger

var logger = newLogger()

func newLogger() *cblog.Logger {
	l := cblog.NewWithOptions(os.Stderr, cblog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Prefix:          "pimsearch",
	})
	l.SetStyles(styles())

	if lvl := os.Getenv("PIMSEARCH_LOG_LEVEL"); lvl != "" {
		if parsed, err := cblog.ParseLevel(strings.ToLower(lvl)); err == nil {
			l.SetLevel(parsed)
		}
	}
	return l
}

func styles() *cblog.Styles {
	s := cblog.DefaultStyles()
	s.Levels[cblog.DebugLevel] = lipgloss.NewStyle().
		SetString("DEBUG").
		Foreground(lipgloss.Color("63"))
	s.Levels[cblog.InfoLevel] = lipgloss.NewStyle().
		SetString("INFO ").
		Foreground(lipgloss.Color("86"))
	s.Levels[cblog.WarnLevel] = lipgloss.NewStyle().
		SetString("WARN ").
		Foreground(lipgloss.Color("192"))
	s.Levels[cblog.ErrorLevel] = lipgloss.NewStyle().
		SetString("ERROR").
		Foreground(lipgloss.Color("204")).
		Bold(true)
	s.Levels[cblog.FatalLevel] = lipgloss.NewStyle().
		SetString("FATAL").
		Background(lipgloss.Color("204")).
		Foreground(lipgloss.Color("0"))
	s.Key = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	return s
}

// SetLevel accepts debug, info, warn, error or fatal. Unknown levels are
// ignored so a bad config value never silences the daemon.
func SetLevel(level string) {
	if level == "" {
		return
	}
	parsed, err := cblog.ParseLevel(strings.ToLower(level))
	if err != nil {
		logger.Warnf("unknown log level %q, keeping %s", level, logger.GetLevel())
		return
	}
	logger.SetLevel(parsed)
}

// SetOutput redirects log output. The returned func points it back at stderr.
func SetOutput(w io.Writer) (restore func()) {
	logger.SetOutput(w)
	return func() { logger.SetOutput(os.Stderr) }
}

// With returns a child logger carrying the given key/value pairs.
func With(keyvals ...any) *Logger {
	return logger.With(keyvals...)
}

func Debug(msg any, keyvals ...any) { logger.Debug(msg, keyvals...) }
func Info(msg any, keyvals ...any)  { logger.Info(msg, keyvals...) }
func Warn(msg any, keyvals ...any)  { logger.Warn(msg, keyvals...) }
func Error(msg any, keyvals ...any) { logger.Error(msg, keyvals...) }

func Debugf(format string, args ...any) { logger.Debugf(format, args...) }
func Infof(format string, args ...any)  { logger.Infof(format, args...) }
func Warnf(format string, args ...any)  { logger.Warnf(format, args...) }
func Errorf(format string, args ...any) { logger.Errorf(format, args...) }
func Fatalf(format string, args ...any) { logger.Fatalf(format, args...) }
