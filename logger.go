package audtext

import (
	"fmt"
	"io"
	"os"
)

// Logger defines logging methods used by the library. Implementations should be cheap.
// A *logrus.Entry satisfies it as is.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// FmtLogger is a minimal logger that prints messages with level prefixes.
// Debug/Info go to Out (stdout by default); Warn/Error go to Err (stderr by default).
// Debug lines are only written when Verbose is set.
type FmtLogger struct {
	Out     io.Writer
	Err     io.Writer
	Verbose bool
}

// NewFmtLogger creates a new FmtLogger writing to stdout/stderr.
func NewFmtLogger() *FmtLogger { return &FmtLogger{Out: os.Stdout, Err: os.Stderr} }

func (l *FmtLogger) Debugf(format string, args ...any) {
	if l.Verbose {
		fmt.Fprintf(l.Out, "[DEBUG] "+format+"\n", args...)
	}
}
func (l *FmtLogger) Infof(format string, args ...any) {
	fmt.Fprintf(l.Out, "[INFO]  "+format+"\n", args...)
}
func (l *FmtLogger) Warnf(format string, args ...any) {
	fmt.Fprintf(l.Err, "[WARN]  "+format+"\n", args...)
}
func (l *FmtLogger) Errorf(format string, args ...any) {
	fmt.Fprintf(l.Err, "[ERROR] "+format+"\n", args...)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// NoopLogger discards everything.
var NoopLogger Logger = noopLogger{}
