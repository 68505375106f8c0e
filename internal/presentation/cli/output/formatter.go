// Package output provides CLI output formatting utilities.
// It supports table, JSON and colored text output with thread-safe writes.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Format represents the output format type.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatText  Format = "text"
)

// Color represents ANSI color codes for terminal output.
type Color string

const (
	ColorReset  Color = "\033[0m"
	ColorRed    Color = "\033[31m"
	ColorGreen  Color = "\033[32m"
	ColorYellow Color = "\033[33m"
	ColorBlue   Color = "\033[34m"
	ColorCyan   Color = "\033[36m"
	ColorBold   Color = "\033[1m"
	ColorDim    Color = "\033[2m"
)

// Formatter handles output formatting with support for multiple formats and colors.
type Formatter struct {
	mu           sync.Mutex
	writer       io.Writer
	format       Format
	colorEnabled bool
	indent       string
}

// Option is a functional option for configuring a Formatter.
type Option func(*Formatter)

// NewFormatter creates a new Formatter with the given options.
func NewFormatter(opts ...Option) *Formatter {
	f := &Formatter{
		writer:       os.Stdout,
		format:       FormatText,
		colorEnabled: true,
		indent:       "  ",
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// WithWriter sets the output writer.
func WithWriter(w io.Writer) Option {
	return func(f *Formatter) {
		f.writer = w
	}
}

// WithFormat sets the output format.
func WithFormat(format Format) Option {
	return func(f *Formatter) {
		f.format = format
	}
}

// WithColor enables or disables colored output.
func WithColor(enabled bool) Option {
	return func(f *Formatter) {
		f.colorEnabled = enabled
	}
}

// Format returns the current output format.
func (f *Formatter) Format() Format {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.format
}

// IsJSON reports whether output is machine-readable.
func (f *Formatter) IsJSON() bool {
	return f.Format() == FormatJSON
}

// Println writes formatted output with a newline.
func (f *Formatter) Println(format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := fmt.Fprintf(f.writer, format+"\n", args...)
	return err
}

// Colorize wraps text with ANSI color codes if color is enabled.
func (f *Formatter) Colorize(text string, color Color) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.colorEnabled {
		return text
	}
	return string(color) + text + string(ColorReset)
}

// Success prints a success message in green.
func (f *Formatter) Success(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return f.Println("%s", f.Colorize("✓ "+msg, ColorGreen))
}

// Error prints an error message in red.
func (f *Formatter) Error(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return f.Println("%s", f.Colorize("✗ "+msg, ColorRed))
}

// Warning prints a warning message in yellow.
func (f *Formatter) Warning(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return f.Println("%s", f.Colorize("⚠ "+msg, ColorYellow))
}

// Info prints an info message in blue.
func (f *Formatter) Info(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return f.Println("%s", f.Colorize("ℹ "+msg, ColorBlue))
}

// Bold prints text in bold.
func (f *Formatter) Bold(text string) string {
	return f.Colorize(text, ColorBold)
}

// Dim prints text in dim/muted style.
func (f *Formatter) Dim(text string) string {
	return f.Colorize(text, ColorDim)
}

// Header outputs a section header with underline.
func (f *Formatter) Header(msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.colorEnabled {
		fmt.Fprintf(f.writer, "%s%s%s\n", ColorBold, msg, ColorReset)
	} else {
		fmt.Fprintln(f.writer, msg)
	}
	_, err := fmt.Fprintln(f.writer, strings.Repeat("─", len(msg)))
	return err
}

// Item outputs a key-value pair for structured display.
func (f *Formatter) Item(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.colorEnabled {
		_, err := fmt.Fprintf(f.writer, "  %s%s%s: %s\n", ColorDim, key, ColorReset, value)
		return err
	}
	_, err := fmt.Fprintf(f.writer, "  %s: %s\n", key, value)
	return err
}

// TableColumn defines a column in a table.
type TableColumn struct {
	Header string
	Width  int
	Align  Alignment
}

// Alignment defines text alignment in table cells.
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// TableData represents data for table formatting.
type TableData struct {
	Columns []TableColumn
	Rows    [][]string
}

// Table writes data as a formatted table.
func (f *Formatter) Table(data TableData) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data.Columns) == 0 {
		return nil
	}

	widths := make([]int, len(data.Columns))
	for i, col := range data.Columns {
		widths[i] = max(len(col.Header), col.Width)
	}
	for _, row := range data.Rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var header, separator strings.Builder
	for i, col := range data.Columns {
		header.WriteString(padCell(col.Header, widths[i], col.Align))
		separator.WriteString(strings.Repeat("-", widths[i]))
		if i < len(data.Columns)-1 {
			header.WriteString("  ")
			separator.WriteString("  ")
		}
	}

	var err error
	if f.colorEnabled {
		_, err = fmt.Fprintf(f.writer, "%s%s%s\n", ColorBold, header.String(), ColorReset)
	} else {
		_, err = fmt.Fprintln(f.writer, header.String())
	}
	if err != nil {
		return err
	}
	if _, err = fmt.Fprintln(f.writer, separator.String()); err != nil {
		return err
	}

	for _, row := range data.Rows {
		var line strings.Builder
		for i, cell := range row {
			if i >= len(data.Columns) {
				break
			}
			line.WriteString(padCell(cell, widths[i], data.Columns[i].Align))
			if i < len(data.Columns)-1 {
				line.WriteString("  ")
			}
		}
		if _, err = fmt.Fprintln(f.writer, strings.TrimRight(line.String(), " ")); err != nil {
			return err
		}
	}

	return nil
}

func padCell(text string, width int, align Alignment) string {
	if len(text) >= width {
		return text
	}
	padding := strings.Repeat(" ", width-len(text))
	if align == AlignRight {
		return padding + text
	}
	return text + padding
}

// JSON writes data as formatted JSON.
func (f *Formatter) JSON(data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", f.indent)
	return encoder.Encode(data)
}

// ParseFormat parses a string into a Format type.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "table":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "text", "":
		return FormatText, nil
	default:
		return FormatText, fmt.Errorf("unknown format: %s", s)
	}
}

// ColorSupported reports whether stdout should get ANSI colors. NO_COLOR
// disables them and FORCE_COLOR enables them regardless of the terminal.
func ColorSupported() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if _, ok := os.LookupEnv("FORCE_COLOR"); ok {
		return true
	}

	stat, err := os.Stdout.Stat()
	if err != nil || stat.Mode()&os.ModeCharDevice == 0 {
		return false
	}
	term := os.Getenv("TERM")
	return term != "" && term != "dumb"
}

// Bytes renders a byte count with a binary unit.
func Bytes(n int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case n >= GB:
		return fmt.Sprintf("%.2f GB", float64(n)/float64(GB))
	case n >= MB:
		return fmt.Sprintf("%.2f MB", float64(n)/float64(MB))
	case n >= KB:
		return fmt.Sprintf("%.2f KB", float64(n)/float64(KB))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// Duration renders d in its largest whole unit.
func Duration(d time.Duration) string {
	switch {
	case d < 0:
		return "0s"
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d >= time.Hour:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d >= time.Second:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return fmt.Sprintf("%dms", d/time.Millisecond)
	}
}

// Timestamp renders t in RFC 3339, or "never" for the zero time.
func Timestamp(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}

// Truncate shortens s to maxLen, marking the cut with an ellipsis.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
