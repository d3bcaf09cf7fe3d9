// Package termcolor provides terminal color support for chunkcache's CLI
// output, adapted from the teacher's internal/colors: the same ANSI
// palette and colorize-if-enabled idiom, but gated by golang.org/x/term's
// TTY detection instead of a hand-rolled os.Stdout.Stat check.
package termcolor

import (
	"os"

	"golang.org/x/term"
)

const (
	Reset = "\033[0m"
	Bold  = "\033[1m"
	Dim   = "\033[2m"

	Red    = "\033[91m"
	Green  = "\033[92m"
	Yellow = "\033[93m"
	Blue   = "\033[94m"
	Cyan   = "\033[96m"
	Gray   = "\033[90m"
)

var enabled = shouldUseColor()

func shouldUseColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// SetEnabled overrides the automatic TTY detection.
func SetEnabled(v bool) {
	enabled = v
}

// Enabled reports whether output is currently being colorized.
func Enabled() bool {
	return enabled
}

func colorize(text, color string) string {
	if !enabled {
		return text
	}
	return color + text + Reset
}

func Success(text string) string { return colorize(text, Green) }
func Failure(text string) string { return colorize(text, Red) }
func Warn(text string) string    { return colorize(text, Yellow) }
func Info(text string) string    { return colorize(text, Cyan) }
func Faint(text string) string   { return colorize(text, Gray) }

func Bolden(text string) string {
	if !enabled {
		return text
	}
	return Bold + text + Reset
}

// IsInteractive reports whether stdout is attached to a terminal,
// gating the CLI's progress bar rendering during a long leaf-hashing
// pass.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
