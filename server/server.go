//go:build linux

// Package server wires the engine, the router and the static file server
package server

import (
	"context"
	"net"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/metric"

	"github.com/s00inx/pollserve/server/engine"
	"github.com/s00inx/pollserve/server/protocol"
	"github.com/s00inx/pollserve/server/router"
	"github.com/s00inx/pollserve/server/static"
)

// Config of a Server
type Config struct {
	Engine engine.Config
	Static static.Config
}

type Option func(*options)

type options struct {
	log zerolog.Logger
	mp  metric.MeterProvider
	fs  afero.Fs
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.mp = mp }
}

// WithFs replaces the disk, the static root is resolved inside it
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

type Server struct {
	R     *router.Router
	Files *static.FileServer

	eng *engine.Engine
	log zerolog.Logger
}

// New binds the listener, routes can be added to R until Run
func New(cfg Config, opts ...Option) (*Server, error) {
	o := options{log: zerolog.Nop(), fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(&o)
	}

	cfg.Static.Logger = o.log.With().Str("component", "static").Logger()
	files := static.New(o.fs, cfg.Static)

	s := &Server{
		R:     router.New(files),
		Files: files,
		log:   o.log,
	}

	engOpts := []engine.Option{engine.WithLogger(o.log.With().Str("component", "engine").Logger())}
	if o.mp != nil {
		engOpts = append(engOpts, engine.WithMeterProvider(o.mp))
	}
	eng, err := engine.New(cfg.Engine, s.R, engOpts...)
	if err != nil {
		return nil, err
	}
	s.eng = eng

	s.R.Get("/-/healthz", s.healthz)
	s.R.Get("/-/stats", s.stats)
	return s, nil
}

// Run serves until ctx is done and the engine has shut down
func (s *Server) Run(ctx context.Context) error {
	return s.eng.Serve(ctx)
}

func (s *Server) Addr() *net.TCPAddr {
	return s.eng.Addr()
}

func (s *Server) Stats() engine.Stats {
	return s.eng.Stats()
}

func (s *Server) healthz(c *router.Context) *protocol.Response {
	return c.String(200, "ok\n")
}

// engine counters as "name value" lines
func (s *Server) stats(c *router.Context) *protocol.Response {
	st := s.eng.Stats()

	b := make([]byte, 0, 256)
	line := func(name string, v uint64) {
		b = append(b, name...)
		b = append(b, ' ')
		b = strconv.AppendUint(b, v, 10)
		b = append(b, '\n')
	}
	line("accepted", st.Accepted)
	line("open", uint64(max(st.Open, 0)))
	line("requests", st.Requests)
	line("errors", st.Errors)
	line("saturated", st.Saturated)
	line("cancelled", st.Cancelled)
	line("panics", st.Panics)
	line("reentrant", st.Reentrant)
	line("queue_depth", uint64(st.QueueDepth))
	line("busy", uint64(st.Busy))

	return c.Send(200, "text/plain; charset=utf-8", b)
}
