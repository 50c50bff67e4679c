// Package config loads the server configuration: defaults, then an optional
// yaml file, then POLLSERVE_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/s00inx/pollserve/server/engine"
	"github.com/s00inx/pollserve/server/protocol"
	"github.com/s00inx/pollserve/server/static"
)

type Config struct {
	Server  Server  `yaml:"server"`
	Engine  Engine  `yaml:"engine"`
	Static  Static  `yaml:"static"`
	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
}

type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Backlog  int    `yaml:"backlog"`
	MaxConns int    `yaml:"max_conns"`
}

type Engine struct {
	Workers        int           `yaml:"workers"` // 0 means one per cpu
	QueueSize      int           `yaml:"queue_size"`
	QueueTimeout   time.Duration `yaml:"queue_timeout"`
	PollTimeout    time.Duration `yaml:"poll_timeout"`
	MaxEvents      int           `yaml:"max_events"`
	ReadChunk      int           `yaml:"read_chunk"`
	StepReads      int           `yaml:"step_reads"`
	StepWrites     int           `yaml:"step_writes"`
	ChunkSize      int           `yaml:"chunk_size"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	MaxHeaders     int           `yaml:"max_headers"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	KeepAlive      bool          `yaml:"keep_alive"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

type Static struct {
	Root       string            `yaml:"root"`
	Index      string            `yaml:"index"`
	ErrorPages bool              `yaml:"error_pages"`
	Sniff      bool              `yaml:"sniff"`
	Types      map[string]string `yaml:"types"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

type Metrics struct {
	Endpoint    string        `yaml:"endpoint"` // otlp grpc host:port, empty disables export
	Insecure    bool          `yaml:"insecure"`
	Interval    time.Duration `yaml:"interval"`
	ServiceName string        `yaml:"service_name"`
}

func Default() Config {
	ec := engine.DefaultConfig()
	lim := protocol.DefaultLimits()
	return Config{
		Server: Server{
			Host:    ec.Host,
			Port:    ec.Port,
			Backlog: ec.Backlog,
		},
		Engine: Engine{
			QueueSize:      ec.QueueSize,
			QueueTimeout:   ec.QueueTimeout,
			PollTimeout:    ec.PollTimeout,
			MaxEvents:      ec.MaxEvents,
			ReadChunk:      ec.ReadChunk,
			StepReads:      ec.StepReads,
			StepWrites:     ec.StepWrites,
			ChunkSize:      ec.ChunkSize,
			MaxHeaderBytes: lim.MaxHeaderBytes,
			MaxHeaders:     lim.MaxHeaders,
			MaxBodyBytes:   lim.MaxBodyBytes,
			ShutdownGrace:  ec.ShutdownGrace,
		},
		Static: Static{
			Root:       "public",
			Index:      "index.html",
			ErrorPages: true,
			Sniff:      true,
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
		Metrics: Metrics{
			Insecure:    true,
			Interval:    15 * time.Second,
			ServiceName: "pollserve",
		},
	}
}

// Load reads path over the defaults (an empty path skips the file),
// applies the environment and validates
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.decode(b); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// unknown keys are an error, a typo should not silently fall back to a default
func (c *Config) decode(b []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	// an empty file is fine
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if v := strings.TrimSpace(getenv("POLLSERVE_HOST")); v != "" {
		c.Server.Host = v
	}
	if v := strings.TrimSpace(getenv("POLLSERVE_ROOT")); v != "" {
		c.Static.Root = v
	}
	if v := strings.TrimSpace(getenv("POLLSERVE_LOG_LEVEL")); v != "" {
		c.Log.Level = v
	}

	var errs []error
	if v := strings.TrimSpace(getenv("POLLSERVE_PORT")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("POLLSERVE_PORT: %w", err))
		}
		c.Server.Port = n
	}
	if v := strings.TrimSpace(getenv("POLLSERVE_WORKERS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("POLLSERVE_WORKERS: %w", err))
		}
		c.Engine.Workers = n
	}
	return errors.Join(errs...)
}

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port >= 0 && c.Server.Port <= 65535, "server.port %d out of range", c.Server.Port)
	check(c.Server.Backlog >= 0, "server.backlog must not be negative")
	check(c.Server.MaxConns >= 0, "server.max_conns must not be negative")
	if c.Server.Host != "" && c.Server.Host != "localhost" {
		ip := net.ParseIP(c.Server.Host)
		check(ip != nil && ip.To4() != nil, "server.host %q is not an IPv4 address", c.Server.Host)
	}

	check(c.Engine.Workers >= 0, "engine.workers must not be negative")
	check(c.Engine.QueueSize >= 0, "engine.queue_size must not be negative")
	check(c.Engine.MaxHeaderBytes >= 0, "engine.max_header_bytes must not be negative")
	check(c.Engine.MaxHeaders >= 0, "engine.max_headers must not be negative")
	check(c.Engine.MaxBodyBytes >= 0, "engine.max_body_bytes must not be negative")
	check(c.Engine.ShutdownGrace >= 0, "engine.shutdown_grace must not be negative")

	check(strings.TrimSpace(c.Static.Root) != "", "static.root is required")
	check(!strings.Contains(c.Static.Index, "/"), "static.index %q must be a file name", c.Static.Index)

	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	check(c.Log.Format == "json" || c.Log.Format == "console", "log.format %q is not json or console", c.Log.Format)

	if c.Metrics.Endpoint != "" {
		check(c.Metrics.Interval > 0, "metrics.interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Address is host:port of the listener
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// EngineConfig maps the server and engine sections
func (c *Config) EngineConfig() engine.Config {
	e := c.Engine
	return engine.Config{
		Host:         c.Server.Host,
		Port:         c.Server.Port,
		Backlog:      c.Server.Backlog,
		MaxConns:     c.Server.MaxConns,
		Workers:      e.Workers,
		QueueSize:    e.QueueSize,
		QueueTimeout: e.QueueTimeout,
		PollTimeout:  e.PollTimeout,
		MaxEvents:    e.MaxEvents,
		Limits: protocol.Limits{
			MaxHeaderBytes: e.MaxHeaderBytes,
			MaxHeaders:     e.MaxHeaders,
			MaxBodyBytes:   e.MaxBodyBytes,
		},
		ReadChunk:     e.ReadChunk,
		StepReads:     e.StepReads,
		StepWrites:    e.StepWrites,
		ChunkSize:     e.ChunkSize,
		KeepAlive:     e.KeepAlive,
		ShutdownGrace: e.ShutdownGrace,
	}
}

// StaticConfig maps the static section
func (c *Config) StaticConfig(log zerolog.Logger) static.Config {
	return static.Config{
		Root:       c.Static.Root,
		Index:      c.Static.Index,
		ErrorPages: c.Static.ErrorPages,
		Sniff:      c.Static.Sniff,
		Types:      c.Static.Types,
		Logger:     log,
	}
}
