// Package printer writes the short human-facing lines the CLI prints next
// to its structured logs.
package printer

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

var (
	// Out receives regular output, ErrOut receives errors. Both default to
	// the color-aware standard streams.
	Out    io.Writer = color.Output
	ErrOut io.Writer = color.Error

	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// Success prints a success message in green with a checkmark prefix
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	_, _ = green.Fprint(Out, msg)
}

// Warning prints a warning message in yellow
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✗") {
		msg = "✗ " + msg
	}
	_, _ = yellow.Fprint(Out, msg)
}

// Step prints a step message with emphasis
func Step(format string, a ...any) {
	_, _ = cyan.Fprintf(Out, "→ %s", fmt.Sprintf(format, a...))
}

// Detail prints secondary information dimmed
func Detail(format string, a ...any) {
	_, _ = faint.Fprintf(Out, format, a...)
}

// Printf prints a plain formatted message
func Printf(format string, a ...any) {
	_, _ = fmt.Fprintf(Out, format, a...)
}

// Error prints a formatted error with a title, an explanation and optional
// suggestions to ErrOut, and returns an error carrying only the title.
func Error(title string, explanation string, suggestions []string) error {
	_, _ = red.Fprintf(ErrOut, "%s\n\n", title)

	if explanation != "" {
		_, _ = fmt.Fprintf(ErrOut, "%s\n", explanation)
	}

	if len(suggestions) > 0 {
		_, _ = fmt.Fprintf(ErrOut, "\n")
		if len(suggestions) == 1 {
			_, _ = fmt.Fprintf(ErrOut, "%s\n", suggestions[0])
		} else {
			_, _ = fmt.Fprintf(ErrOut, "Either:\n")
			for i, suggestion := range suggestions {
				_, _ = fmt.Fprintf(ErrOut, "  %d. %s\n", i+1, suggestion)
			}
		}
	}

	return fmt.Errorf("%s", title)
}
