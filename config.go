package wsocket

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config holds the server's tunables: listener address, buffer sizing,
// message size limits, and the handshake and connection resource pools.
type Config struct {
	// Port and Address select the TCP listener; ignored if UnixPath is set.
	Port    int
	Address string

	// UnixPath, if set, listens on a Unix domain socket instead of TCP.
	// Mutually exclusive with Address/Port and skips TCP_NODELAY. Empty
	// on Windows, where Unix sockets are not supported by this server.
	UnixPath string

	// BufferSize is the per-connection static read buffer.
	BufferSize int
	// MaxSize is the largest single message (summed across fragments)
	// the reader will assemble before failing with ErrTooLarge.
	MaxSize int
	// MaxHeaders bounds the handshake's header count.
	MaxHeaders int

	// HandshakeMaxSize bounds the raw bytes accumulated while waiting for
	// the handshake's terminating CRLFCRLF.
	HandshakeMaxSize int
	// HandshakePoolCount bounds the number of concurrent handshakes.
	HandshakePoolCount int
	// HandshakeTimeoutMS is the absolute handshake deadline in
	// milliseconds, measured from when the server starts reading the
	// handshake; the wait for the first byte counts against it. Nil or 0
	// means no deadline.
	HandshakeTimeoutMS *int

	// LargeBufferPoolCount and LargeBufferSize configure the shared pool
	// of oversized read/write buffers backing the Reader and WriteBuffer.
	LargeBufferPoolCount int
	LargeBufferSize      int

	// HandlePing/HandlePong/HandleClose route the corresponding control
	// frame to the user Handler instead of the built-in reply policy.
	HandlePing  bool
	HandlePong  bool
	HandleClose bool
}

const defaultHandshakeTimeoutMS = 10000

// DefaultConfig returns a Config with reasonable defaults for a
// general-purpose deployment on a single host.
func DefaultConfig() Config {
	timeout := defaultHandshakeTimeoutMS
	return Config{
		Port:                 9223,
		Address:              "127.0.0.1",
		BufferSize:           4096,
		MaxSize:              65536,
		MaxHeaders:           32,
		HandshakeMaxSize:     1024,
		HandshakePoolCount:   50,
		HandshakeTimeoutMS:   &timeout,
		LargeBufferPoolCount: 32,
		LargeBufferSize:      32768,
	}
}

// minStaticBufferSize is the smallest BufferSize Validate accepts. It is
// larger than a maximal frame header (14 bytes: 2 + 8 extended length + 4
// mask key) plus a full 125-byte control frame payload, so a control frame
// parsed from the start of the buffer fits without spilling to a large
// buffer.
const minStaticBufferSize = 256

// Validate checks the configuration for internal consistency, returning a
// descriptive error naming the offending field.
func (c Config) Validate() error {
	if c.UnixPath != "" {
		if runtime.GOOS == "windows" {
			return fmt.Errorf("wsocket: config: unix_path is not supported on windows")
		}
	} else if c.Port < 0 || c.Port > 65535 {
		// Port 0 is valid and means "let the OS assign an ephemeral port",
		// discoverable afterward via Server.Addr.
		return fmt.Errorf("wsocket: config: port %d out of range", c.Port)
	}
	if c.BufferSize < minStaticBufferSize {
		return fmt.Errorf("wsocket: config: buffer_size must be >= %d", minStaticBufferSize)
	}
	if c.MaxSize < c.BufferSize {
		return fmt.Errorf("wsocket: config: max_size must be >= buffer_size")
	}
	if c.MaxHeaders <= 0 {
		return fmt.Errorf("wsocket: config: max_headers must be > 0")
	}
	if c.HandshakeMaxSize <= 0 {
		return fmt.Errorf("wsocket: config: handshake_max_size must be > 0")
	}
	if c.HandshakePoolCount <= 0 {
		return fmt.Errorf("wsocket: config: handshake_pool_count must be > 0")
	}
	if c.LargeBufferPoolCount < 0 {
		return fmt.Errorf("wsocket: config: large_buffer_pool_count must be >= 0")
	}
	if c.LargeBufferSize <= 0 {
		return fmt.Errorf("wsocket: config: large_buffer_size must be > 0")
	}
	if c.HandshakeTimeoutMS != nil && *c.HandshakeTimeoutMS < 0 {
		return fmt.Errorf("wsocket: config: handshake_timeout_ms must be >= 0")
	}
	return nil
}

// fileConfig mirrors Config for YAML decoding. Fields are optional; zero
// values mean "use the default". HandshakeTimeoutMS uses a pointer so a
// YAML `handshake_timeout_ms: 0` (disable the deadline) is distinguishable
// from an absent key.
type fileConfig struct {
	Port                 *int   `yaml:"port"`
	Address              string `yaml:"address"`
	UnixPath             string `yaml:"unix_path"`
	BufferSize           int    `yaml:"buffer_size"`
	MaxSize              int    `yaml:"max_size"`
	MaxHeaders           int    `yaml:"max_headers"`
	HandshakeMaxSize     int    `yaml:"handshake_max_size"`
	HandshakePoolCount   int    `yaml:"handshake_pool_count"`
	HandshakeTimeoutMS   *int   `yaml:"handshake_timeout_ms"`
	LargeBufferPoolCount *int   `yaml:"large_buffer_pool_count"`
	LargeBufferSize      int    `yaml:"large_buffer_size"`
	HandlePing           bool   `yaml:"handle_ping"`
	HandlePong           bool   `yaml:"handle_pong"`
	HandleClose          bool   `yaml:"handle_close"`
}

// LoadConfigFile reads a YAML configuration document at path and applies it
// over DefaultConfig(), so a file only needs to name the fields it wants to
// override.
func LoadConfigFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("wsocket: read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return Config{}, fmt.Errorf("wsocket: parse config: %w", err)
	}

	cfg := DefaultConfig()
	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if fc.Address != "" {
		cfg.Address = fc.Address
	}
	if fc.UnixPath != "" {
		cfg.UnixPath = fc.UnixPath
	}
	if fc.BufferSize != 0 {
		cfg.BufferSize = fc.BufferSize
	}
	if fc.MaxSize != 0 {
		cfg.MaxSize = fc.MaxSize
	}
	if fc.MaxHeaders != 0 {
		cfg.MaxHeaders = fc.MaxHeaders
	}
	if fc.HandshakeMaxSize != 0 {
		cfg.HandshakeMaxSize = fc.HandshakeMaxSize
	}
	if fc.HandshakePoolCount != 0 {
		cfg.HandshakePoolCount = fc.HandshakePoolCount
	}
	if fc.HandshakeTimeoutMS != nil {
		cfg.HandshakeTimeoutMS = fc.HandshakeTimeoutMS
	}
	if fc.LargeBufferPoolCount != nil {
		cfg.LargeBufferPoolCount = *fc.LargeBufferPoolCount
	}
	if fc.LargeBufferSize != 0 {
		cfg.LargeBufferSize = fc.LargeBufferSize
	}
	cfg.HandlePing = fc.HandlePing
	cfg.HandlePong = fc.HandlePong
	cfg.HandleClose = fc.HandleClose

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
