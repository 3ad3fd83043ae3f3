package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/KevoDB/kvcache/pkg/common/log"
	"github.com/KevoDB/kvcache/pkg/config"
	"github.com/KevoDB/kvcache/pkg/grpc/transport"
	"github.com/KevoDB/kvcache/pkg/kvblock"
	"github.com/KevoDB/kvcache/pkg/objstore"
	"github.com/KevoDB/kvcache/pkg/stats"
	"github.com/KevoDB/kvcache/pkg/telemetry"
	"github.com/KevoDB/kvcache/pkg/tensor"
)

// Flags holds the command line settings. Flags that were set explicitly
// override the configuration file.
type Flags struct {
	ConfigPath  string
	ServerMode  bool
	ListenAddr  string
	Peers       []string
	InstanceID  uint16
	Backend     string
	DataDir     string
	Compression string
	LogLevel    string

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
}

func main() {
	if err := run(parseFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run opens the node and starts the shell or the server. Every error is
// returned so the deferred clean-up runs before the process exits.
func run(flags Flags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := log.NewStandardLogger(
		log.WithLevel(level),
		log.WithInitialFields(map[string]interface{}{"instance": cfg.InstanceID}),
	)
	log.SetDefaultLogger(logger)

	telCfg := telemetry.DefaultConfig()
	telCfg.LoadFromEnv()
	tel, err := telemetry.New(telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Shutdown(ctx)
	}()

	node, err := openNode(cfg, flags, tel, logger)
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}
	defer node.Close()

	if flags.ServerMode {
		return runServer(node)
	}
	return runInteractive(node)
}

// parseFlags parses command line flags
func parseFlags() Flags {
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "kvblock - KV-cache block builder and object store node\n\n")
		fmt.Fprintf(os.Stderr, "Usage: kvblock [options]\n\n")
		fmt.Fprintf(os.Stderr, "By default, kvblock runs an interactive shell over a local object store.\n")
		fmt.Fprintf(os.Stderr, "With --server it only serves the local store to peers.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		pflag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nStart kvblock and type .help for the shell commands.\n")
	}

	var f Flags
	var instance uint
	pflag.StringVarP(&f.ConfigPath, "config", "c", "", "Path to a JSON configuration file")
	pflag.BoolVar(&f.ServerMode, "server", false, "Serve the local object store without starting the shell")
	pflag.StringVar(&f.ListenAddr, "listen", "", "Address to serve the object store on")
	pflag.StringSliceVar(&f.Peers, "peers", nil, "Comma separated peer addresses to fetch missing objects from")
	pflag.UintVar(&instance, "instance", 0, "Instance id stamped into object ids (1-65535)")
	pflag.StringVar(&f.Backend, "backend", "", "Object store backend: memory or disk")
	pflag.StringVar(&f.DataDir, "dir", "", "Data directory for the disk backend")
	pflag.StringVar(&f.Compression, "compression", "", "Record compression: none, snappy or zstd")
	pflag.StringVar(&f.LogLevel, "log-level", "", "Log level: debug, info, warn or error")

	pflag.BoolVar(&f.TLSEnabled, "tls", false, "Enable TLS for peer connections")
	pflag.StringVar(&f.TLSCertFile, "cert", "", "TLS certificate file path")
	pflag.StringVar(&f.TLSKeyFile, "key", "", "TLS private key file path")
	pflag.StringVar(&f.TLSCAFile, "ca", "", "TLS CA certificate file path")

	pflag.Parse()

	if instance > 0xFFFF {
		fmt.Fprintf(os.Stderr, "Error: instance id %d does not fit in 16 bits\n", instance)
		os.Exit(2)
	}
	f.InstanceID = uint16(instance)
	return f
}

// loadConfig resolves the configuration: an explicit file, else the manifest in
// the data directory, else defaults. Explicit flags are applied last.
func loadConfig(f Flags) (*config.Config, error) {
	var cfg *config.Config
	var err error

	switch {
	case f.ConfigPath != "":
		cfg, err = config.LoadConfig(f.ConfigPath)
	case f.DataDir != "":
		cfg, err = config.LoadConfigFromManifest(f.DataDir)
		if errors.Is(err, config.ErrManifestNotFound) {
			cfg, err = config.NewDefaultConfig(f.DataDir), nil
		}
	default:
		cfg = config.NewDefaultConfig(filepath.Join(os.TempDir(), "kvcache"))
	}
	if err != nil {
		return nil, err
	}

	cfg.Update(func(c *config.Config) {
		set := pflag.CommandLine.Changed
		if set("listen") {
			c.ListenAddr = f.ListenAddr
		}
		if set("peers") {
			c.Peers = f.Peers
		}
		if set("instance") {
			c.InstanceID = f.InstanceID
		}
		if set("backend") {
			c.StoreBackend = f.Backend
		}
		if set("dir") {
			c.DataDir = f.DataDir
		}
		if set("compression") {
			c.Compression = f.Compression
		}
		if set("log-level") {
			c.LogLevel = f.LogLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.AssignInstanceID()
	return cfg, nil
}

// Node bundles the stores and builder settings shared by the shell and the server
type Node struct {
	cfg       *config.Config
	flags     Flags
	logger    log.Logger
	codec     objstore.Codec
	transport transport.Options

	local   objstore.Store
	store   *objstore.ReplicatingStore
	peers   []*transport.Client
	alloc   *tensor.HeapAllocator
	stats   *stats.AtomicCollector
	builder []kvblock.Option
}

func openNode(cfg *config.Config, f Flags, tel telemetry.Telemetry, logger log.Logger) (*Node, error) {
	cfg.AssignInstanceID()

	codec, err := objstore.ParseCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	topts := transport.DefaultOptions()
	topts.RequestTimeout = time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	topts.TLSEnabled = f.TLSEnabled
	topts.CertFile = f.TLSCertFile
	topts.KeyFile = f.TLSKeyFile
	topts.CAFile = f.TLSCAFile

	collector := stats.NewAtomicCollector()
	storeMetrics := objstore.NewStoreMetrics(tel)
	storeOpts := []objstore.Option{
		objstore.WithLogger(logger),
		objstore.WithMetrics(storeMetrics),
		objstore.WithStats(collector),
		objstore.WithCodec(codec),
	}

	n := &Node{
		cfg:       cfg,
		flags:     f,
		logger:    logger,
		codec:     codec,
		transport: topts,
		alloc:     tensor.NewHeapAllocator(cfg.TensorMemoryLimit),
		stats:     collector,
	}

	switch cfg.StoreBackend {
	case config.BackendDisk:
		disk, err := objstore.OpenDiskStore(cfg.DataDir, cfg.InstanceID, storeOpts...)
		if err != nil {
			return nil, err
		}
		if err := cfg.SaveManifest(cfg.DataDir); err != nil {
			disk.Close()
			return nil, err
		}
		n.local = disk
	default:
		n.local = objstore.NewMemoryStore(cfg.InstanceID, storeOpts...)
	}

	peers := make([]objstore.Store, 0, len(cfg.Peers))
	for _, addr := range cfg.Peers {
		client, err := transport.NewClient(addr, topts, codec,
			transport.WithClientLogger(logger),
			transport.WithClientMetrics(storeMetrics),
		)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("failed to create client for peer %s: %w", addr, err)
		}
		n.peers = append(n.peers, client)
		peers = append(peers, client)
	}
	n.store = objstore.NewReplicatingStore(n.local, peers, storeOpts...)

	n.builder = []kvblock.Option{
		kvblock.WithLogger(logger),
		kvblock.WithMetrics(kvblock.NewBlockMetrics(tel)),
		kvblock.WithStats(collector),
		kvblock.WithCopier(&tensor.Copier{
			Threshold: cfg.ConcurrentCopyThreshold,
			Workers:   cfg.CopyWorkers,
		}),
	}
	return n, nil
}

// Close closes peer connections and the local store
func (n *Node) Close() error {
	for _, p := range n.peers {
		p.Close()
	}
	if c, ok := n.local.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
