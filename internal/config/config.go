package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sheerbytes/sheerread/internal/progress"
	"github.com/sheerbytes/sheerread/pkg/protocol"
)

// ServerConfig holds configuration for the sheerreadd binary.
type ServerConfig struct {
	Addr      string // QUIC listen address
	WSAddr    string // optional WebSocket listen address
	BucketURL string // gocloud blob URL, e.g. file:///srv/data or mem://
	FrameSize uint32 // largest read the server answers
	LogLevel  string
	CertFile  string
	KeyFile   string
}

// ClientConfig holds configuration for the sheerread binary.
type ClientConfig struct {
	Server      string // host:port for quic, ws:// URL for ws
	Transport   string // "quic" or "ws"
	Path        string
	Start       uint64
	End         *uint64 // inclusive; nil reads to end of file
	Encoding    string
	Concurrency int
	FrameSize   uint32
	Output      string // "-" writes to stdout
	LogLevel    string
	Insecure    bool // skip server certificate verification
}

const envPrefix = "SHEERREAD_"

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":4433",
		BucketURL: "file://.",
		FrameSize: 64 * 1024,
		LogLevel:  "info",
	}
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Server:      "localhost:4433",
		Transport:   "quic",
		Concurrency: 2,
		FrameSize:   64 * 1024,
		Output:      "-",
		LogLevel:    "info",
		Insecure:    true,
	}
}

// ParseServerConfig reads, in increasing priority: defaults, the YAML file
// named by -config or SHEERREAD_CONFIG, SHEERREAD_* environment variables,
// and flags.
func ParseServerConfig() (ServerConfig, error) {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseServerConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) (ServerConfig, error) {
	cfg := DefaultServerConfig()

	path := configPath(args)
	if path != "" {
		if err := loadServerFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	// Read from environment next
	if err := cfg.loadFromEnv(); err != nil {
		return cfg, err
	}

	// Flags override environment
	var configFile string
	fs.StringVar(&configFile, "config", path, "YAML config file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "QUIC listen address")
	fs.StringVar(&cfg.WSAddr, "ws-addr", cfg.WSAddr, "WebSocket listen address (empty disables)")
	fs.StringVar(&cfg.BucketURL, "bucket", cfg.BucketURL, "bucket URL (file:///path or mem://)")
	fs.Var((*byteSize)(&cfg.FrameSize), "frame-size", "largest read answered (e.g. 64KiB)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.CertFile, "cert", cfg.CertFile, "TLS certificate file (self-signed when empty)")
	fs.StringVar(&cfg.KeyFile, "key", cfg.KeyFile, "TLS key file")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// ParseClientConfig is ParseServerConfig for the client.
func ParseClientConfig() (ClientConfig, error) {
	return parseClientConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseClientConfigWithFlagSet is an internal helper for testing with isolated flag sets.
func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) (ClientConfig, error) {
	cfg := DefaultClientConfig()

	path := configPath(args)
	if path != "" {
		if err := loadClientFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := cfg.loadFromEnv(); err != nil {
		return cfg, err
	}

	var configFile string
	fs.StringVar(&configFile, "config", path, "YAML config file")
	fs.StringVar(&cfg.Server, "server", cfg.Server, "server address (host:port, or ws:// URL)")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "transport (quic, ws)")
	fs.StringVar(&cfg.Path, "path", cfg.Path, "remote file path")
	fs.Var((*byteOffset)(&cfg.Start), "start", "first byte offset to read")
	fs.Var(&optionalOffset{p: &cfg.End}, "end", "last byte offset to read, inclusive")
	fs.StringVar(&cfg.Encoding, "encoding", cfg.Encoding, "decode chunks from this charset to UTF-8")
	fs.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "reads kept in flight")
	fs.Var((*byteSize)(&cfg.FrameSize), "frame-size", "bytes per read request (e.g. 64KiB)")
	fs.StringVar(&cfg.Output, "output", cfg.Output, "output file, - for stdout")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.Insecure, "insecure", cfg.Insecure, "skip server certificate verification")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// configPath finds -config ahead of flag parsing so the file can sit
// beneath environment and flags. It falls back to SHEERREAD_CONFIG.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
	}
	return os.Getenv(envPrefix + "CONFIG")
}

func (c *ServerConfig) loadFromEnv() error {
	if v := os.Getenv(envPrefix + "ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv(envPrefix + "WS_ADDR"); v != "" {
		c.WSAddr = v
	}
	if v := os.Getenv(envPrefix + "BUCKET"); v != "" {
		c.BucketURL = v
	}
	if v := os.Getenv(envPrefix + "FRAME_SIZE"); v != "" {
		if err := (*byteSize)(&c.FrameSize).Set(v); err != nil {
			return fmt.Errorf("parse %sFRAME_SIZE: %w", envPrefix, err)
		}
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(envPrefix + "CERT"); v != "" {
		c.CertFile = v
	}
	if v := os.Getenv(envPrefix + "KEY"); v != "" {
		c.KeyFile = v
	}
	return nil
}

func (c *ClientConfig) loadFromEnv() error {
	if v := os.Getenv(envPrefix + "SERVER"); v != "" {
		c.Server = v
	}
	if v := os.Getenv(envPrefix + "TRANSPORT"); v != "" {
		c.Transport = v
	}
	if v := os.Getenv(envPrefix + "CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sCONCURRENCY: %w", envPrefix, err)
		}
		c.Concurrency = n
	}
	if v := os.Getenv(envPrefix + "FRAME_SIZE"); v != "" {
		if err := (*byteSize)(&c.FrameSize).Set(v); err != nil {
			return fmt.Errorf("parse %sFRAME_SIZE: %w", envPrefix, err)
		}
	}
	if v := os.Getenv(envPrefix + "ENCODING"); v != "" {
		c.Encoding = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(envPrefix + "INSECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %sINSECURE: %w", envPrefix, err)
		}
		c.Insecure = b
	}
	return nil
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("config: addr is required")
	}
	if c.BucketURL == "" {
		return errors.New("config: bucket is required")
	}
	if c.FrameSize == 0 || c.FrameSize > protocol.MaxReadLength {
		return fmt.Errorf("config: frame size must be between 1 and %d", protocol.MaxReadLength)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("config: cert and key must be set together")
	}
	return nil
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	if c.Server == "" {
		return errors.New("config: server is required")
	}
	switch c.Transport {
	case "quic", "ws":
	default:
		return fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if c.Concurrency <= 0 {
		return errors.New("config: concurrency must be positive")
	}
	if c.FrameSize == 0 || c.FrameSize > protocol.MaxReadLength {
		return fmt.Errorf("config: frame size must be between 1 and %d", protocol.MaxReadLength)
	}
	return nil
}

// byteSize implements flag.Value for sizes such as 64KiB.
type byteSize uint32

func (b *byteSize) String() string {
	if b == nil {
		return "0"
	}
	return strconv.FormatUint(uint64(*b), 10)
}

func (b *byteSize) Set(value string) error {
	n, err := progress.ParseBytes(value)
	if err != nil {
		return err
	}
	if n > 1<<32-1 {
		return fmt.Errorf("size %q does not fit in 32 bits", value)
	}
	*b = byteSize(n)
	return nil
}

// byteOffset implements flag.Value for file offsets, accepting size suffixes.
type byteOffset uint64

func (b *byteOffset) String() string {
	if b == nil {
		return "0"
	}
	return strconv.FormatUint(uint64(*b), 10)
}

func (b *byteOffset) Set(value string) error {
	n, err := progress.ParseBytes(value)
	if err != nil {
		return err
	}
	*b = byteOffset(n)
	return nil
}

// optionalOffset implements flag.Value for an offset that may be absent.
type optionalOffset struct {
	p **uint64
}

func (o *optionalOffset) String() string {
	if o == nil || o.p == nil || *o.p == nil {
		return ""
	}
	return strconv.FormatUint(**o.p, 10)
}

func (o *optionalOffset) Set(value string) error {
	n, err := progress.ParseBytes(value)
	if err != nil {
		return err
	}
	*o.p = &n
	return nil
}

var (
	_ flag.Value = (*byteSize)(nil)
	_ flag.Value = (*byteOffset)(nil)
	_ flag.Value = (*optionalOffset)(nil)
)
