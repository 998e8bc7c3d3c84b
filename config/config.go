// Package config loads the server's settings from defaults, an optional
// JSON or TOML file, SEGSERVER_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pbnjay/memory"
	"github.com/rs/zerolog"
)

// EnvPrefix prefixes every environment variable the server reads.
const EnvPrefix = "SEGSERVER"

var (
	ErrInvalid  = errors.New("invalid configuration")
	ErrFileType = errors.New("unsupported config file type")
)

// Config holds all application configuration. It is not modified after
// the workers start.
type Config struct {
	Network       string  `config:"network"`
	Addr          string  `config:"addr"`
	Workers       int     `config:"workers"`
	SegmentSize   int     `config:"segment_size"`
	RingDepth     int     `config:"ring_depth"`
	MaxConns      int     `config:"max_conns"`
	IdleWaitMs    int     `config:"idle_wait_ms"`
	PrefetchLines int     `config:"prefetch_lines"`
	PinThreads    bool    `config:"pin_threads"`
	Secret        string  `config:"secret"`
	AdminAddr     string  `config:"admin_addr"`
	LogLevel      string  `config:"log_level"`
	LogFormat     string  `config:"log_format"`
	Env           string  `config:"env"`
	GOGC          int     `config:"gogc"`
	MemRatio      float64 `config:"mem_ratio"`
}

// Default returns the built-in settings. Workers 0 means one per
// GOMAXPROCS.
func Default() *Config {
	return &Config{
		Network:       "tcp",
		Addr:          ":7878",
		SegmentSize:   os.Getpagesize(),
		RingDepth:     256,
		MaxConns:      10000,
		IdleWaitMs:    100,
		PrefetchLines: 2,
		LogLevel:      "info",
		LogFormat:     "json",
		Env:           "development",
		GOGC:          200,
		MemRatio:      0.9,
	}
}

// New loads configuration from os.Args and the environment, exiting on
// error the way flag.Parse does.
func New() *Config {
	cfg, err := Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return cfg
}

// Parse builds a Config from args and the environment.
func Parse(args []string) (*Config, error) {
	def := Default()
	fs := flag.NewFlagSet("segserver", flag.ContinueOnError)

	file := fs.String("config", "", "JSON or TOML config file, or $SEGSERVER_CONFIG")
	fs.String("network", def.Network, "listener network (tcp/unix)")
	fs.String("addr", def.Addr, "listen address or socket path")
	fs.Int("workers", def.Workers, "worker count, 0 for one per CPU")
	fs.Int("segment-size", def.SegmentSize, "segment size in bytes")
	fs.Int("ring-depth", def.RingDepth, "segments per worker")
	fs.Int("max-conns", def.MaxConns, "connections per worker, 0 for no limit")
	fs.Int("idle-wait-ms", def.IdleWaitMs, "poll timeout when idle")
	fs.Int("prefetch-lines", def.PrefetchLines, "cache lines to prefetch per segment, 0 disables")
	fs.Bool("pin-threads", def.PinThreads, "pin worker threads to CPUs")
	fs.String("secret", def.Secret, "shared secret the record keys derive from")
	fs.String("admin-addr", def.AdminAddr, "admin h2c address, empty disables")
	fs.String("log-level", def.LogLevel, "log level")
	fs.String("log-format", def.LogFormat, "log format (json/console)")
	fs.String("env", def.Env, "environment (development/production)")
	fs.Int("gogc", def.GOGC, "GC target percentage, 0 keeps the runtime default")
	fs.Float64("mem-ratio", def.MemRatio, "fraction of memory used as the Go memory limit, 0 disables")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	m := NewManager()
	m.LoadFromEnv(EnvPrefix)
	path := *file
	if path == "" {
		path = m.GetString("config")
	}
	if path != "" {
		if err := m.LoadFile(path); err != nil {
			return nil, err
		}
		// The environment outranks the file.
		m.LoadFromEnv(EnvPrefix)
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name != "config" {
			m.Set(strings.ReplaceAll(f.Name, "-", "_"), f.Value.String())
		}
	})

	cfg := def
	if err := m.Unmarshal("", cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IdleWait is the poll timeout of an idle worker.
func (c *Config) IdleWait() time.Duration {
	return time.Duration(c.IdleWaitMs) * time.Millisecond
}

// Footprint is the memory all rings map, for the given worker count.
func (c *Config) Footprint(workers int) uint64 {
	return uint64(workers) * uint64(c.SegmentSize) * uint64(c.RingDepth)
}

// Validate checks ranges and that the rings fit in half the host memory.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Network == "tcp" || c.Network == "unix", "network %q must be tcp or unix", c.Network)
	check(c.Addr != "", "addr is empty")
	check(c.Workers >= 0, "workers %d is negative", c.Workers)
	check(c.SegmentSize >= 512 && c.SegmentSize <= 1<<24, "segment_size %d outside [512, 16MiB]", c.SegmentSize)
	check(c.RingDepth >= 1 && c.RingDepth <= 1<<20, "ring_depth %d outside [1, 1048576]", c.RingDepth)
	check(c.MaxConns >= 0, "max_conns %d is negative", c.MaxConns)
	check(c.IdleWaitMs >= 0, "idle_wait_ms %d is negative", c.IdleWaitMs)
	check(c.PrefetchLines >= 0 && c.PrefetchLines <= 64, "prefetch_lines %d outside [0, 64]", c.PrefetchLines)
	check(c.Secret != "", "secret is required")
	check(c.LogFormat == "json" || c.LogFormat == "console", "log_format %q must be json or console", c.LogFormat)
	check(c.GOGC >= 0, "gogc %d is negative", c.GOGC)
	check(c.MemRatio >= 0 && c.MemRatio <= 1, "mem_ratio %g outside [0, 1]", c.MemRatio)
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if total := memory.TotalMemory(); total > 0 && c.Workers > 0 {
		check(c.Footprint(c.Workers) <= total/2,
			"rings need %d bytes, host has %d", c.Footprint(c.Workers), total)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
