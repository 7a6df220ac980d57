package multi

import (
	"context"
	"log/slog"

	"github.com/ruteri/stowage/interfaces"
	"github.com/ruteri/stowage/metrics"
)

// DegradedHandler is called when a mutation met its write strategy although
// some backends failed. It is advisory: the caller has already been told the
// operation succeeded. id holds the identifier as passed to the composite.
type DegradedHandler func(ctx context.Context, op string, id any, outcome *interfaces.Outcome)

// Option configures a composite.
type Option func(*options)

type options struct {
	name           string
	log            *slog.Logger
	metrics        *metrics.StorageMetrics
	writeThrough   bool
	spoolThreshold int64
	onDegraded     DegradedHandler
}

func newOptions(defaultName string, opts []Option) options {
	o := options{
		name:           defaultName,
		spoolThreshold: DefaultSpoolThreshold,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	o.log = o.log.With(slog.String("composite", o.name))
	return o
}

// WithName sets the name used in log lines and metric labels.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithMetrics sets the metrics sink. A nil sink disables metrics.
func WithMetrics(m *metrics.StorageMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithWriteThrough makes a FallbackStorage write to both backends.
func WithWriteThrough(enabled bool) Option {
	return func(o *options) {
		o.writeThrough = enabled
	}
}

// WithSpoolThreshold sets how many bytes of a replayed source are held in
// memory before spilling to a temporary file.
func WithSpoolThreshold(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.spoolThreshold = n
		}
	}
}

// WithDegradedHandler sets the handler notified about partial successes.
func WithDegradedHandler(h DegradedHandler) Option {
	return func(o *options) {
		o.onDegraded = h
	}
}

// reportDegraded logs, counts and forwards a partial success.
func (o *options) reportDegraded(ctx context.Context, op string, id any, outcome *interfaces.Outcome) {
	o.log.Warn("Storage operation succeeded in degraded state",
		slog.String("op", op),
		slog.Any("id", id),
		slog.Any("failed", outcome.FailedIndices()),
		slog.String("outcome", outcome.String()))
	if o.onDegraded != nil {
		o.onDegraded(ctx, op, id, outcome)
	}
}
