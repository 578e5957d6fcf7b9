// Package logging configures the process-wide zerolog logger and derives
// component and correlation scoped children from it.
package logging

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/punchamoorthee/refundops/internal/correlation"
)

// Config captures options for configuring the global logger.
type Config struct {
	Level   string    // optional log level ("debug", "info", etc.)
	Output  io.Writer // optional writer (defaults to os.Stdout)
	Service string    // optional service name attached to every log entry
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the global logger exactly once.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		if cfg.Level != "" {
			if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		writer := cfg.Output
		if writer == nil {
			writer = os.Stdout
		}
		service := cfg.Service
		if service == "" {
			service = "refundops"
		}

		base = zerolog.New(writer).With().
			Timestamp().
			Str("service", service).
			Logger()
	})
}

// Base returns the configured base logger.
func Base() zerolog.Logger {
	Configure(Config{})
	return base
}

// WithComponent returns a child logger annotated with the component name.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str(FieldComponent, component).Logger()
}

// FromContext returns a component logger carrying the correlation ids found
// on ctx, if any.
func FromContext(ctx context.Context, component string) zerolog.Logger {
	return Enrich(ctx, WithComponent(component))
}

// Enrich adds correlation ids from ctx to an existing logger.
func Enrich(ctx context.Context, l zerolog.Logger) zerolog.Logger {
	c, ok := correlation.From(ctx)
	if !ok {
		return l
	}
	return l.With().
		Str(FieldCorrelationID, c.ID).
		Str(FieldRootID, c.RootID).
		Logger()
}

// Canonical field names.
const (
	FieldComponent     = "component"
	FieldCorrelationID = "correlation_id"
	FieldRootID        = "root_id"
	FieldRefundID      = "refund_id"
	FieldStage         = "stage"
	FieldOldState      = "old_state"
	FieldNewState      = "new_state"
	FieldTxID          = "tx_id"
)
