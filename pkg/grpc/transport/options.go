package transport

import (
	"time"
)

const (
	defaultRequestTimeout  = 5 * time.Second
	defaultKeepAliveTime   = 15 * time.Second
	defaultKeepAlivePolicy = 5 * time.Second
	defaultMaxConnIdle     = 60 * time.Second
	defaultMaxConnAge      = 5 * time.Minute

	// DefaultMaxMessageSize bounds one encoded record on the wire. Records hold every
	// layer's tensors, so this is well above gRPC's 4MB default.
	DefaultMaxMessageSize = 256 * 1024 * 1024
)

// Options configures both ends of the object store transport
type Options struct {
	// TLS settings; plaintext when TLSEnabled is false
	TLSEnabled bool
	CertFile   string
	KeyFile    string
	CAFile     string
	SkipVerify bool

	// RequestTimeout bounds each client call that has no earlier deadline
	RequestTimeout time.Duration
	MaxMessageSize int

	KeepAliveTime     time.Duration
	KeepAliveTimeout  time.Duration
	MaxConnectionIdle time.Duration
	MaxConnectionAge  time.Duration
}

// DefaultOptions returns plaintext options with the default timeouts
func DefaultOptions() Options {
	return Options{
		RequestTimeout:    defaultRequestTimeout,
		MaxMessageSize:    DefaultMaxMessageSize,
		KeepAliveTime:     defaultKeepAliveTime,
		KeepAliveTimeout:  defaultKeepAlivePolicy,
		MaxConnectionIdle: defaultMaxConnIdle,
		MaxConnectionAge:  defaultMaxConnAge,
	}
}

func (o Options) maxMessageSize() int {
	if o.MaxMessageSize <= 0 {
		return DefaultMaxMessageSize
	}
	return o.MaxMessageSize
}
