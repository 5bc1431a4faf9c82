package logging

import (
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
	"golang.org/x/term"
)

// Setup initializes the global slog logger using charmbracelet/log as the
// backend. Level comes from the config ("debug", "info", "warn", "error");
// verbose forces debug. Format "json" or "text" overrides the TTY detection,
// "auto" (or empty) picks text on a terminal and JSON otherwise.
func Setup(level, format string, verbose bool) {
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
	})

	handler.SetLevel(parseLevel(level))
	if verbose {
		handler.SetLevel(charmlog.DebugLevel)
	}

	switch strings.ToLower(format) {
	case "json":
		handler.SetFormatter(charmlog.JSONFormatter)
	case "text":
		// keep the default text formatter
	default:
		if !isTerminal() {
			handler.SetFormatter(charmlog.JSONFormatter)
		}
	}

	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) charmlog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return charmlog.DebugLevel
	case "warn":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}
