package engine

import (
	"runtime"
	"time"

	"github.com/s00inx/pollserve/server/protocol"
)

// Config of the engine, zero values get defaults
type Config struct {
	Host    string
	Port    int
	Backlog int

	Workers      int           // pool size, NumCPU by default
	QueueSize    int           // job queue capacity
	QueueTimeout time.Duration // how long the reactor waits on a full queue
	PollTimeout  time.Duration
	MaxEvents    int // epoll events per cycle
	MaxConns     int // 0 means unlimited

	Limits     protocol.Limits
	ReadChunk  int
	StepReads  int
	StepWrites int
	ChunkSize  int // file body chunk

	KeepAlive     bool
	ShutdownGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		Host:          "127.0.0.1",
		Port:          8080,
		Backlog:       128,
		Workers:       runtime.NumCPU(),
		QueueSize:     1024,
		QueueTimeout:  50 * time.Millisecond,
		PollTimeout:   time.Second,
		MaxEvents:     128,
		Limits:        protocol.DefaultLimits(),
		ReadChunk:     4096,
		StepReads:     4,
		StepWrites:    16,
		ChunkSize:     protocol.DefaultChunkSize,
		ShutdownGrace: 5 * time.Second,
	}
}

// fill zero fields from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Backlog <= 0 {
		c.Backlog = d.Backlog
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.QueueTimeout == 0 {
		c.QueueTimeout = d.QueueTimeout
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = d.MaxEvents
	}
	if c.Limits.MaxHeaderBytes <= 0 {
		c.Limits.MaxHeaderBytes = d.Limits.MaxHeaderBytes
	}
	if c.Limits.MaxHeaders <= 0 {
		c.Limits.MaxHeaders = d.Limits.MaxHeaders
	}
	if c.Limits.MaxBodyBytes <= 0 {
		c.Limits.MaxBodyBytes = d.Limits.MaxBodyBytes
	}
	if c.ReadChunk <= 0 {
		c.ReadChunk = d.ReadChunk
	}
	if c.StepReads <= 0 {
		c.StepReads = d.StepReads
	}
	if c.StepWrites <= 0 {
		c.StepWrites = d.StepWrites
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	return c
}
