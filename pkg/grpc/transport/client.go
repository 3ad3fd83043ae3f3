package transport

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/KevoDB/kvcache/pkg/common/log"
	"github.com/KevoDB/kvcache/pkg/grpc/service"
	"github.com/KevoDB/kvcache/pkg/objstore"
	"github.com/KevoDB/kvcache/pkg/telemetry"
)

const backendGRPC = "grpc"

// Client is an objstore.Store backed by a remote object store service
type Client struct {
	endpoint string
	options  Options
	conn     *grpc.ClientConn
	codec    *objstore.RecordCodec
	logger   log.Logger
	metrics  objstore.StoreMetrics
	dialOpts []grpc.DialOption
}

var _ objstore.Store = (*Client)(nil)

// ClientOption configures a Client
type ClientOption func(*Client)

// WithClientLogger sets the client's logger
func WithClientLogger(logger log.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientMetrics records every call as a "grpc" store backend
func WithClientMetrics(metrics objstore.StoreMetrics) ClientOption {
	return func(c *Client) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// WithDialOptions appends dial options, for example a custom dialer in tests
func WithDialOptions(dialOpts ...grpc.DialOption) ClientOption {
	return func(c *Client) {
		c.dialOpts = append(c.dialOpts, dialOpts...)
	}
}

// NewClient creates a client for the service at endpoint. Records sent by
// CreateMetadata are compressed with codec. The connection is established lazily.
func NewClient(endpoint string, options Options, codec objstore.Codec, opts ...ClientOption) (*Client, error) {
	c := &Client{
		endpoint: endpoint,
		options:  options,
		logger:   log.GetDefaultLogger(),
		metrics:  objstore.NewNoopStoreMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithFields(map[string]interface{}{"component": telemetry.ComponentTransport, "peer": endpoint})

	dialOptions := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                orDefault(options.KeepAliveTime, defaultKeepAliveTime),
			Timeout:             orDefault(options.KeepAliveTimeout, defaultKeepAlivePolicy),
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(options.maxMessageSize()),
			grpc.MaxCallSendMsgSize(options.maxMessageSize()),
		),
	}

	if options.TLSEnabled {
		tlsConfig, err := LoadClientTLSConfig(options.CertFile, options.KeyFile, options.CAFile, options.SkipVerify)
		if err != nil {
			return nil, err
		}
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	dialOptions = append(dialOptions, c.dialOpts...)

	rc, err := objstore.NewRecordCodec(codec)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(endpoint, dialOptions...)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to create client for %s: %w", endpoint, err)
	}

	c.conn = conn
	c.codec = rc
	return c, nil
}

// String returns the peer endpoint
func (c *Client) String() string {
	return c.endpoint
}

// CreateMetadata stores rec on the peer
func (c *Client) CreateMetadata(ctx context.Context, rec *objstore.Record) (objstore.ObjectID, error) {
	data, err := c.codec.Encode(rec)
	if err != nil {
		return 0, err
	}

	out := new(wrapperspb.UInt64Value)
	if err := c.invoke(ctx, telemetry.OpTypeCreate, service.MethodCreateMetadata, wrapperspb.Bytes(data), out); err != nil {
		return 0, err
	}
	c.metrics.RecordBytes(ctx, backendGRPC, telemetry.OpTypeCreate, int64(len(data)))
	return objstore.ObjectID(out.GetValue()), nil
}

// FetchObject fetches and decodes the object stored under id on the peer
func (c *Client) FetchObject(ctx context.Context, id objstore.ObjectID) (*objstore.Object, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.invoke(ctx, telemetry.OpTypeFetch, service.MethodFetchObject, wrapperspb.UInt64(uint64(id)), out); err != nil {
		return nil, err
	}
	c.metrics.RecordBytes(ctx, backendGRPC, telemetry.OpTypeFetch, int64(len(out.GetValue())))

	rec, err := c.codec.Decode(out.GetValue())
	if err != nil {
		return nil, fmt.Errorf("object %s from %s: %w", id, c.endpoint, err)
	}
	return &objstore.Object{ID: id, Record: rec}, nil
}

// DeleteObject removes the object stored under id on the peer
func (c *Client) DeleteObject(ctx context.Context, id objstore.ObjectID) error {
	return c.invoke(ctx, telemetry.OpTypeDelete, service.MethodDeleteObject, wrapperspb.UInt64(uint64(id)), new(emptypb.Empty))
}

func (c *Client) invoke(ctx context.Context, opType, method string, in, out interface{}) (err error) {
	start := time.Now()
	defer func() { c.metrics.RecordOperation(ctx, backendGRPC, opType, time.Since(start), err) }()

	if _, ok := ctx.Deadline(); !ok && c.options.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.RequestTimeout)
		defer cancel()
	}

	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		err = service.FromStatus(err)
		c.logger.Debug("%s failed: %v", method, err)
		return err
	}
	return nil
}

// Close closes the connection
func (c *Client) Close() error {
	c.codec.Close()
	return c.conn.Close()
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
