// Package extensions provides ready-made manager extensions for logging and
// diagnostics display.
package extensions

import (
	"log/slog"
	"time"

	spindle "github.com/spindle-fn/spindle-go"
)

// LoggingExtension logs task executions and quiescence events.
//
// Usage:
//
//	handler := slog.NewJSONHandler(os.Stdout, nil)
//	m := spindle.New(spindle.WithExtension(extensions.NewLoggingExtension(handler)))
type LoggingExtension struct {
	spindle.BaseExtension
	logger *slog.Logger
}

// NewLoggingExtension creates a logging extension writing through the given
// slog handler.
func NewLoggingExtension(handler slog.Handler) *LoggingExtension {
	return &LoggingExtension{
		BaseExtension: spindle.NewBaseExtension("logging"),
		logger:        slog.New(handler),
	}
}

func (e *LoggingExtension) WrapExecution(next func() (spindle.Reference, error), t *spindle.Task, m *spindle.Manager) (spindle.Reference, error) {
	start := time.Now()
	ref, err := next()
	duration := time.Since(start)

	if err != nil {
		e.logger.Error("task failed",
			"task", t.Id(),
			"name", t.String(),
			"duration", duration,
			"error", err,
		)
	} else {
		e.logger.Debug("task executed",
			"task", t.Id(),
			"name", t.String(),
			"duration", duration,
		)
	}

	return ref, err
}

func (e *LoggingExtension) OnQuiesce(m *spindle.Manager, elapsed time.Duration, count int) {
	e.logger.Info("batch settled",
		"elapsed", elapsed,
		"executions", count,
	)
}
