package spawn

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Logger is the diagnostic stream of a run. Human-readable status lines go
// to one writer (stderr by default) so that stdout stays free for
// machine-readable output. Structured debug events go to an slog.Logger.
type Logger struct {
	mu  sync.Mutex
	out io.Writer
	log *slog.Logger

	info  lipgloss.Style
	warn  lipgloss.Style
	err   lipgloss.Style
	step  lipgloss.Style
	faint lipgloss.Style
}

// NewLogger creates a Logger writing status lines to out. A nil debug
// logger discards structured events.
func NewLogger(out io.Writer, debug *slog.Logger) *Logger {
	if out == nil {
		out = os.Stderr
	}
	if debug == nil {
		debug = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := lipgloss.NewRenderer(out)
	return &Logger{
		out:   out,
		log:   debug,
		info:  r.NewStyle().Foreground(lipgloss.Color("2")),
		warn:  r.NewStyle().Foreground(lipgloss.Color("3")),
		err:   r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		step:  r.NewStyle().Foreground(lipgloss.Color("6")),
		faint: r.NewStyle().Faint(true),
	}
}

// DiscardLogger returns a Logger that drops everything. Useful in tests.
func DiscardLogger() *Logger {
	return NewLogger(io.Discard, nil)
}

// Slog returns the structured debug logger.
func (l *Logger) Slog() *slog.Logger {
	return l.log
}

// With returns a Logger whose structured events carry the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		out:   l.out,
		log:   l.log.With(args...),
		info:  l.info,
		warn:  l.warn,
		err:   l.err,
		step:  l.step,
		faint: l.faint,
	}
}

func (l *Logger) line(style lipgloss.Style, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, style.Render(msg))
}

// Info reports progress.
func (l *Logger) Info(format string, args ...any) {
	l.line(l.info, format, args...)
	l.log.Info(fmt.Sprintf(format, args...))
}

// Warn reports something the user should notice but that does not stop
// the run.
func (l *Logger) Warn(format string, args ...any) {
	l.line(l.warn, format, args...)
	l.log.Warn(fmt.Sprintf(format, args...))
}

// Error reports a failure.
func (l *Logger) Error(format string, args ...any) {
	l.line(l.err, format, args...)
	l.log.Error(fmt.Sprintf(format, args...))
}

// Step announces the start of a provisioning step.
func (l *Logger) Step(format string, args ...any) {
	l.line(l.step, "==> "+format, args...)
	l.log.Info(fmt.Sprintf(format, args...), slog.Bool("step", true))
}

// Debug records a structured event on the debug logger only.
func (l *Logger) Debug(msg string, args ...any) {
	l.log.Debug(msg, args...)
}

// Diagnostic is a structured failure report: a header, the likely causes
// and numbered fixes.
type Diagnostic struct {
	Header string
	Causes []string
	Fixes  []string
}

// String renders the block without styling.
func (d Diagnostic) String() string {
	var b strings.Builder
	b.WriteString(d.Header)
	b.WriteString("\n")
	if len(d.Causes) > 0 {
		b.WriteString("\nPossible causes:\n")
		for _, c := range d.Causes {
			b.WriteString("  - ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}
	if len(d.Fixes) > 0 {
		b.WriteString("\nHow to fix:\n")
		for i, f := range d.Fixes {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, f)
		}
	}
	return b.String()
}

// Diagnostic writes a diagnostic block to the status stream.
func (l *Logger) Diagnostic(d Diagnostic) {
	l.mu.Lock()
	fmt.Fprintln(l.out, l.err.Render(d.Header))
	if len(d.Causes) > 0 {
		fmt.Fprintln(l.out, "\nPossible causes:")
		for _, c := range d.Causes {
			fmt.Fprintln(l.out, l.faint.Render("  - "+c))
		}
	}
	if len(d.Fixes) > 0 {
		fmt.Fprintln(l.out, "\nHow to fix:")
		for i, f := range d.Fixes {
			fmt.Fprintf(l.out, "  %d. %s\n", i+1, f)
		}
	}
	l.mu.Unlock()

	l.log.Error(d.Header,
		slog.Any("causes", d.Causes),
		slog.Any("fixes", d.Fixes))
}
