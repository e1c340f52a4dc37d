package inspector

import (
	"fmt"
	"io"
	"os"
	"time"
)

// Logger is the same four-level interface the teacher threads through its
// MCP server (cmd/dlv-mcp/log.go), moved into the core so every component
// that needs to log a dropped packet or an unknown event shares one sink.
type Logger interface {
	Infof(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Info(args ...interface{})
	Debug(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

// StderrLogger is the default Logger, writing timestamped lines to the
// given writer (os.Stderr if nil).
type StderrLogger struct {
	Writer io.Writer
}

// NewStderrLogger returns a StderrLogger writing to os.Stderr.
func NewStderrLogger() *StderrLogger {
	return &StderrLogger{Writer: os.Stderr}
}

var _ Logger = &StderrLogger{}

func (l *StderrLogger) Infof(format string, args ...interface{})  { l.writeLog("INFO", fmt.Sprintf(format, args...)) }
func (l *StderrLogger) Debugf(format string, args ...interface{}) { l.writeLog("DEBUG", fmt.Sprintf(format, args...)) }
func (l *StderrLogger) Warnf(format string, args ...interface{})  { l.writeLog("WARN", fmt.Sprintf(format, args...)) }
func (l *StderrLogger) Errorf(format string, args ...interface{}) { l.writeLog("ERROR", fmt.Sprintf(format, args...)) }

func (l *StderrLogger) Info(args ...interface{})  { l.writeLog("INFO", fmt.Sprint(args...)) }
func (l *StderrLogger) Debug(args ...interface{}) { l.writeLog("DEBUG", fmt.Sprint(args...)) }
func (l *StderrLogger) Warn(args ...interface{})  { l.writeLog("WARN", fmt.Sprint(args...)) }
func (l *StderrLogger) Error(args ...interface{}) { l.writeLog("ERROR", fmt.Sprint(args...)) }

func (l *StderrLogger) writeLog(level string, msg string) {
	w := l.Writer
	if w == nil {
		w = os.Stderr
	}
	now := time.Now().Format("2006-01-02 15:04:05")
	fmt.Fprintf(w, "%s %s %s\n", now, level, msg)
}

// noopLogger discards everything; used only if an embedder explicitly
// passes a nil Logger to NewSession without wanting StderrLogger either.
type noopLogger struct{}

func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}
func (noopLogger) Info(...interface{})           {}
func (noopLogger) Debug(...interface{})          {}
func (noopLogger) Warn(...interface{})           {}
func (noopLogger) Error(...interface{})          {}
