package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Init configures the default slog logger for the given service.
// LOG_FORMAT selects the handler: "text" for human-readable output,
// anything else (default) for JSON. LOG_LEVEL selects the minimum
// level: "debug", "info" (default), "warn", "error".
func Init(service string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := parseLevel(os.Getenv("LOG_LEVEL"))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler).With(slog.String("service", service))
	slog.SetDefault(logger)

	// Redirect stdlib log so transitive log.Printf calls from
	// dependencies still produce structured output.
	log.SetFlags(0)
	log.SetOutput(&slogWriter{logger: logger})

	return logger
}

// Component returns the default logger tagged with a component name.
// Long-lived subsystems (engines, recorders, watchers) hold one of these
// instead of calling slog package-level functions.
func Component(name string) *slog.Logger {
	return slog.Default().With(slog.String("component", name))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// slogWriter adapts slog.Logger to io.Writer for stdlib log redirection.
type slogWriter struct {
	logger *slog.Logger
}

func (w *slogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	w.logger.Info(msg, slog.String("source", "stdlib"))
	return len(p), nil
}
