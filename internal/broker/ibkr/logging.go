package ibkr

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/rs/zerolog"
	"github.com/scmhub/ibapi"
)

var routeOnce sync.Once

// routeLibraryLogs sends the API library's zerolog output through logger.
// The library keeps a single package logger, so the first client wins.
func routeLibraryLogs(logger *slog.Logger) {
	routeOnce.Do(func() {
		ibapi.SetLogger(zerolog.New(slogWriter{logger: logger.With("source", "ibapi")}).Level(zerolog.WarnLevel))
	})
}

// slogWriter re-emits zerolog JSON lines as slog records.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Write(p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		w.logger.Warn(string(p))
		return len(p), nil
	}

	level := slog.LevelInfo
	switch fields[zerolog.LevelFieldName] {
	case "debug", "trace":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error", "fatal", "panic":
		level = slog.LevelError
	}
	msg, _ := fields[zerolog.MessageFieldName].(string)
	delete(fields, zerolog.LevelFieldName)
	delete(fields, zerolog.MessageFieldName)

	attrs := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	w.logger.LogAttrs(context.Background(), level, msg, attrs...)
	return len(p), nil
}
