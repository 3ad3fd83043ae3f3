package kvblock

import (
	"github.com/KevoDB/kvcache/pkg/common/log"
	"github.com/KevoDB/kvcache/pkg/stats"
	"github.com/KevoDB/kvcache/pkg/tensor"
)

// Option configures a Builder
type Option func(*options)

type options struct {
	logger  log.Logger
	metrics BlockMetrics
	stats   stats.Collector
	copier  *tensor.Copier
}

func applyOptions(opts []Option) options {
	o := options{
		logger:  log.GetDefaultLogger(),
		metrics: NewNoopBlockMetrics(),
		copier:  tensor.DefaultCopier,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger used by the builder
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the telemetry metrics recorder
func WithMetrics(metrics BlockMetrics) Option {
	return func(o *options) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithStats sets the statistics collector
func WithStats(collector stats.Collector) Option {
	return func(o *options) {
		o.stats = collector
	}
}

// WithCopier sets how slot and tensor bytes are copied
func WithCopier(copier *tensor.Copier) Option {
	return func(o *options) {
		if copier != nil {
			o.copier = copier
		}
	}
}
