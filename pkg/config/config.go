package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

const (
	DefaultManifestFileName = "MANIFEST"
	CurrentManifestVersion  = 1
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

// Object store backends
const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
)

type Config struct {
	Version int `json:"version"`

	// Default block shape for builders created without explicit dimensions
	SlotWidth     int `json:"slot_width"`
	Layers        int `json:"layers"`
	BlockCapacity int `json:"block_capacity"`

	// Tensor memory
	TensorMemoryLimit       int64 `json:"tensor_memory_limit"` // 0 = unbounded
	ConcurrentCopyThreshold int   `json:"concurrent_copy_threshold"`
	CopyWorkers             int   `json:"copy_workers"`

	// Object store
	StoreBackend string `json:"store_backend"`
	DataDir      string `json:"data_dir"`
	Compression  string `json:"compression"`
	InstanceID   uint16 `json:"instance_id"` // 0 = assigned at random on start

	// Peer transport
	ListenAddr       string   `json:"listen_addr"`
	Peers            []string `json:"peers"`
	RequestTimeoutMs int64    `json:"request_timeout_ms"`

	LogLevel string `json:"log_level"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(dataDir string) *Config {
	return &Config{
		Version: CurrentManifestVersion,

		SlotWidth:     4096,
		Layers:        32,
		BlockCapacity: 64,

		TensorMemoryLimit:       0,
		ConcurrentCopyThreshold: 4 * 1024 * 1024, // 4MB
		CopyWorkers:             0,               // GOMAXPROCS

		StoreBackend: BackendMemory,
		DataDir:      dataDir,
		Compression:  "none",
		InstanceID:   0,

		ListenAddr:       "localhost:50061",
		RequestTimeoutMs: 5000,

		LogLevel: "info",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.SlotWidth <= 0 {
		return fmt.Errorf("%w: slot width must be positive", ErrInvalidConfig)
	}

	if c.Layers <= 0 {
		return fmt.Errorf("%w: layer count must be positive", ErrInvalidConfig)
	}

	if c.BlockCapacity <= 0 {
		return fmt.Errorf("%w: block capacity must be positive", ErrInvalidConfig)
	}

	if c.TensorMemoryLimit < 0 {
		return fmt.Errorf("%w: tensor memory limit cannot be negative", ErrInvalidConfig)
	}

	if c.ConcurrentCopyThreshold < 0 || c.CopyWorkers < 0 {
		return fmt.Errorf("%w: copy settings cannot be negative", ErrInvalidConfig)
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendDisk:
		if c.DataDir == "" {
			return fmt.Errorf("%w: data directory not specified for disk store", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.StoreBackend)
	}

	switch c.Compression {
	case "none", "snappy", "zstd":
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidConfig, c.Compression)
	}

	// Replica detection relies on every node of a cluster issuing ids under its
	// own instance id, so a node with peers cannot pick one at random.
	if c.InstanceID == 0 && len(c.Peers) > 0 {
		return fmt.Errorf("%w: instance id must be set when peers are configured", ErrInvalidConfig)
	}

	if c.RequestTimeoutMs <= 0 {
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalidConfig)
	}

	return nil
}

// LoadConfig reads a JSON configuration file. Comments and trailing commas are
// allowed; fields missing from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := decode(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, dataDir string) (*Config, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, err
	}

	cfg := NewDefaultConfig(dataDir)
	if err := json.Unmarshal(std, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path atomically
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// LoadConfigFromManifest loads the configuration recorded in a data directory
func LoadConfigFromManifest(dataDir string) (*Config, error) {
	manifestPath := filepath.Join(dataDir, DefaultManifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	cfg, err := decode(data, dataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveManifest records the configuration in the data directory
func (c *Config) SaveManifest(dataDir string) error {
	return c.Save(filepath.Join(dataDir, DefaultManifestFileName))
}

// AssignInstanceID picks a random non-zero instance id when none is configured
// and returns the id in effect
func (c *Config) AssignInstanceID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.InstanceID == 0 {
		c.InstanceID = rand.N[uint16](0xFFFF) + 1
	}
	return c.InstanceID
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
