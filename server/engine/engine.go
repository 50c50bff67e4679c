//go:build linux

// event loop: acceptor + reactor on one goroutine, sessions advanced by the worker pool
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sys/unix"
)

// how long the listener stays disarmed after accept ran out of descriptors
const acceptBackoff = 100 * time.Millisecond

// Option configures an Engine
type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMeterProvider sets where metrics go, the otel global provider by default
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.mp = mp }
}

// Engine owns the listening socket, the reactor and the worker pool
type Engine struct {
	cfg     Config
	log     zerolog.Logger
	mp      metric.MeterProvider
	handler Handler

	lnfd     int
	addr     *net.TCPAddr
	accept4  func(fd, flags int) (int, unix.Sockaddr, error)
	acceptAt time.Time // listener paused until then, reactor goroutine only
	reactor *Reactor
	queue   *Queue[Job]
	pool    atomic.Pointer[Pool[Job]]
	env     stepEnv
	met     *metrics

	started  atomic.Bool
	draining atomic.Bool
	stats    counters
}

// New binds the listening socket, nothing is accepted until Serve
func New(cfg Config, h Handler, opts ...Option) (*Engine, error) {
	if h == nil {
		return nil, errors.New("engine: nil handler")
	}

	e := &Engine{
		cfg:     cfg.withDefaults(),
		log:     zerolog.Nop(),
		handler: h,
		lnfd:    -1,
		accept4: unix.Accept4,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.mp == nil {
		e.mp = otel.GetMeterProvider()
	}

	e.queue = NewQueue[Job](e.cfg.QueueSize, e.cfg.QueueTimeout)

	met, err := newMetrics(e.mp, func() int64 { return int64(e.queue.Len()) })
	if err != nil {
		return nil, fmt.Errorf("engine: metrics: %w", err)
	}
	e.met = met

	e.reactor, err = NewReactor(e.cfg.MaxEvents)
	if err != nil {
		met.close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	e.lnfd, e.addr, err = listenSocket(e.cfg.Host, e.cfg.Port, e.cfg.Backlog)
	if err != nil {
		e.reactor.Close()
		met.close()
		return nil, fmt.Errorf("engine: %w", err)
	}

	e.env = stepEnv{
		handler:    h,
		limits:     e.cfg.Limits,
		readChunk:  e.cfg.ReadChunk,
		stepReads:  e.cfg.StepReads,
		stepWrites: e.cfg.StepWrites,
		chunkSize:  e.cfg.ChunkSize,
		keepAlive:  e.cfg.KeepAlive,
		draining:   &e.draining,
		observe:    e.observe,
	}
	return e, nil
}

// Addr is the bound listening address
func (e *Engine) Addr() *net.TCPAddr {
	return e.addr
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Stats() Stats {
	st := Stats{
		Accepted:   e.stats.accepted.Load(),
		Open:       e.stats.open.Load(),
		Requests:   e.stats.requests.Load(),
		Errors:     e.stats.rejected.Load(),
		Saturated:  e.stats.saturated.Load(),
		Cancelled:  e.stats.cancelled.Load(),
		Reentrant:  e.stats.reentrant.Load(),
		QueueDepth: e.queue.Len(),
	}
	if p := e.pool.Load(); p != nil {
		st.Panics = p.Panics()
		st.Busy = p.Busy()
	}
	return st
}

// Serve runs the event loop until ctx is cancelled, then shuts down:
// stop accepting, give open sessions ShutdownGrace to finish, drain the pool,
// force close whatever is left. It can be called once.
func (e *Engine) Serve(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine: Serve called twice")
	}

	e.pool.Store(NewPool(e.cfg.Workers, e.queue, e.runJob, PoolHooks[Job]{
		Cancel: e.cancelJob,
		Panic:  e.recoverJob,
	}))

	if err := e.reactor.Register(e.lnfd, nil, InterestRead); err != nil {
		return errors.Join(fmt.Errorf("engine: register listener: %w", err), e.shutdown())
	}

	stop := context.AfterFunc(ctx, func() {
		if err := e.reactor.Wake(); err != nil {
			e.log.Error().Err(err).Msg("waking reactor")
		}
	})
	defer stop()

	e.log.Info().
		Stringer("addr", e.addr).
		Int("workers", e.cfg.Workers).
		Int("queue", e.cfg.QueueSize).
		Bool("keep_alive", e.cfg.KeepAlive).
		Msg("serving")

	err := e.loop(ctx)
	return errors.Join(err, e.shutdown())
}

// the reactor goroutine: poll, accept, submit
func (e *Engine) loop(ctx context.Context) error {
	ready := make([]Ready, 0, e.cfg.MaxEvents)
	var deadline time.Time

	for {
		if ctx.Err() != nil && !e.draining.Load() {
			e.beginDrain()
			deadline = time.Now().Add(e.cfg.ShutdownGrace)
		}

		timeout := e.cfg.PollTimeout
		if e.draining.Load() {
			left := time.Until(deadline)
			if e.stats.open.Load() == 0 || left <= 0 {
				return nil
			}
			timeout = min(timeout, left)
		}
		if wait := e.resumeAccept(time.Now()); wait > 0 {
			timeout = min(timeout, wait)
		}

		var err error
		ready, err = e.reactor.Poll(timeout, ready[:0])
		if err != nil {
			return fmt.Errorf("engine: %w", err)
		}

		for _, rd := range ready {
			if rd.Session == nil {
				e.accept()
				continue
			}
			e.submit(rd)
		}
	}
}

// accept drains the listener backlog and registers every new socket for Read
func (e *Engine) accept() {
	if e.lnfd < 0 {
		return
	}

	for {
		nfd, _, err := e.accept4(e.lnfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EAGAIN:
			case unix.EMFILE, unix.ENFILE:
				// the pending connection stays in the backlog, re-arming now would spin
				e.acceptAt = time.Now().Add(acceptBackoff)
				e.log.Warn().Err(err).Dur("backoff", acceptBackoff).Msg("out of descriptors, accept paused")
				return
			default:
				e.log.Error().Err(err).Msg("accept")
			}
			break
		}

		if e.cfg.MaxConns > 0 && e.stats.open.Load() >= int64(e.cfg.MaxConns) {
			e.log.Warn().Int("max_conns", e.cfg.MaxConns).Msg("connection limit reached, dropping new connection")
			unix.Close(nfd)
			continue
		}
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		s := newSession(nfd, e.log)
		e.stats.open.Add(1)
		e.stats.accepted.Add(1)
		e.met.open.Add(context.Background(), 1)
		e.met.accepted.Add(context.Background(), 1)

		if err := e.reactor.Register(nfd, s, InterestRead); err != nil {
			s.log.Error().Err(err).Msg("register")
			e.stats.open.Add(-1)
			e.met.open.Add(context.Background(), -1)
			s.release()
			continue
		}
		s.log.Debug().Msg("accepted")
	}

	if err := e.reactor.Reregister(e.lnfd, InterestRead); err != nil {
		e.log.Error().Err(err).Msg("re-arming listener")
	}
}

// resumeAccept re-arms a listener paused by accept once its backoff is over,
// it returns how long the pause still lasts
func (e *Engine) resumeAccept(now time.Time) time.Duration {
	if e.acceptAt.IsZero() {
		return 0
	}
	if left := e.acceptAt.Sub(now); left > 0 {
		return left
	}
	e.acceptAt = time.Time{}
	if e.lnfd < 0 {
		return 0
	}
	if err := e.reactor.Reregister(e.lnfd, InterestRead); err != nil {
		e.log.Error().Err(err).Msg("re-arming listener")
	}
	return 0
}

// submit hands a ready session to the pool. The reactor never waits
// longer than QueueTimeout: on a full queue the socket is re-armed and
// readiness fires again on the next cycle.
func (e *Engine) submit(rd Ready) {
	err := e.pool.Load().Submit(Job{s: rd.Session, ev: rd.Events})
	switch {
	case err == nil:
	case errors.Is(err, ErrQueueFull):
		e.stats.saturated.Add(1)
		e.met.saturated.Add(context.Background(), 1)
		e.log.Warn().Int("fd", rd.Fd).Int("depth", e.queue.Len()).Msg("job queue saturated, retrying next cycle")
		if err := e.reactor.Reregister(rd.Fd, rd.Armed); err != nil {
			e.release(rd.Session)
		}
	default:
		rd.Session.log.Debug().Err(err).Msg("submit refused, closing")
		e.release(rd.Session)
	}
}

// runJob is executed by a worker
func (e *Engine) runJob(j Job) {
	s := j.s
	if n := s.active.Add(1); n != 1 {
		e.stats.reentrant.Add(1)
		s.log.Error().Int32("active", n).Msg("session advanced by two jobs at once")
	}

	next := s.advance(j.ev, &e.env)
	// must drop to zero before re-arming, the next job may start right after
	s.active.Add(-1)

	if s.state == StateClosing {
		e.release(s)
		return
	}
	if err := e.reactor.Reregister(s.fd, next); err != nil {
		s.log.Warn().Err(err).Msg("re-arming session")
		e.release(s)
	}
}

func (e *Engine) cancelJob(j Job) {
	e.stats.cancelled.Add(1)
	e.met.cancelled.Add(context.Background(), 1)
	j.s.log.Warn().Stringer("state", j.s.state).Msg("job cancelled by shutdown, closing connection")
	e.release(j.s)
}

// a panicking step force closes its session, the worker keeps going
func (e *Engine) recoverJob(j Job, rec any) {
	j.s.log.Error().
		Interface("panic", rec).
		Bytes("stack", debug.Stack()).
		Stringer("state", j.s.state).
		Msg("step panicked, closing connection")
	e.release(j.s)
}

// release deregisters and closes a session, called by its current owner only
func (e *Engine) release(s *Session) {
	if err := e.reactor.Deregister(s.fd); err != nil {
		s.log.Debug().Err(err).Msg("deregister")
	}
	s.log.Debug().Int("served", s.served).Msg("closed")
	// counted out before the peer can see the close
	e.stats.open.Add(-1)
	e.met.open.Add(context.Background(), -1)
	s.release()
}

func (e *Engine) observe(status int) {
	e.stats.requests.Add(1)
	if status >= 400 {
		e.stats.rejected.Add(1)
	}
	e.met.response(status)
}

// stop accepting: the listener goes away first
func (e *Engine) beginDrain() {
	e.draining.Store(true)
	if e.lnfd < 0 {
		return
	}
	if err := e.reactor.Deregister(e.lnfd); err != nil {
		e.log.Debug().Err(err).Msg("deregister listener")
	}
	unix.Close(e.lnfd)
	e.lnfd = -1
	e.log.Info().Int64("open", e.stats.open.Load()).Dur("grace", e.cfg.ShutdownGrace).Msg("draining")
}

// second phase: drain or cancel the queue, then force close the rest
func (e *Engine) shutdown() error {
	e.beginDrain()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownGrace)
	defer cancel()
	pool := e.pool.Load()
	err := pool.Shutdown(ctx)
	if err != nil {
		e.log.Warn().Err(err).Uint64("cancelled", pool.Cancelled()).Msg("pool shutdown forced")
	}

	// workers are gone, nobody else touches the sessions now
	forced := 0
	for _, s := range e.reactor.Sessions() {
		e.release(s)
		forced++
	}

	e.log.Info().
		Int("forced", forced).
		Uint64("requests", e.stats.requests.Load()).
		Msg("stopped")

	return errors.Join(err, e.reactor.Close(), e.met.close())
}
