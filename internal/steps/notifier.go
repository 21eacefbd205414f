package steps

import (
	"context"
	"errors"
	"log/slog"
)

// LogNotifier delivers notifications to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger uses slog.Default().
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, message, kind string) (bool, error) {
	level := slog.LevelInfo
	switch kind {
	case "error":
		level = slog.LevelError
	case "warning", "warn":
		level = slog.LevelWarn
	}
	n.logger.Log(ctx, level, "notification", slog.String("type", kind), slog.String("message", message))
	return true, nil
}

// MultiNotifier fans a notification out to every notifier in order. A failing
// notifier does not stop delivery to the rest; its error is joined into the
// returned one.
type MultiNotifier []Notifier

func (m MultiNotifier) Send(ctx context.Context, message, kind string) (bool, error) {
	sent := false
	var errs []error
	for _, n := range m {
		ok, err := n.Send(ctx, message, kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sent = sent || ok
	}
	return sent, errors.Join(errs...)
}
