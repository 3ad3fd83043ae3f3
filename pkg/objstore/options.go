package objstore

import (
	"context"
	"errors"

	"github.com/KevoDB/kvcache/pkg/common/log"
	"github.com/KevoDB/kvcache/pkg/stats"
)

// Option configures a store
type Option func(*options)

type options struct {
	logger  log.Logger
	metrics StoreMetrics
	stats   stats.Collector
	codec   Codec
}

func defaultOptions() options {
	return options{
		logger:  log.GetDefaultLogger(),
		metrics: NewNoopStoreMetrics(),
		codec:   CodecNone,
	}
}

func applyOptions(component string, opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.WithField("component", component)
	return o
}

// WithLogger sets the logger used by the store
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the telemetry metrics recorder
func WithMetrics(metrics StoreMetrics) Option {
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

// WithCodec sets the compression used for records written to disk
func WithCodec(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

func isNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func isInvalidRecord(err error) bool { return errors.Is(err, ErrInvalidRecord) }
func isIO(err error) bool            { return errors.Is(err, ErrIO) }

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
