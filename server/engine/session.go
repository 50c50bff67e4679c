//go:build linux

// session management: per socket state machine
package engine

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/s00inx/pollserve/server/protocol"
)

// State of a session
type State uint8

const (
	StateAwaitingRequest State = iota
	StateReadingHeaders
	StateReadingBody
	StateDispatching
	StateWritingResponse
	StateClosing
)

var stateNames = [...]string{
	StateAwaitingRequest: "awaiting-request",
	StateReadingHeaders:  "reading-headers",
	StateReadingBody:     "reading-body",
	StateDispatching:     "dispatching",
	StateWritingResponse: "writing-response",
	StateClosing:         "closing",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Job is one "advance this session" unit, consumed by exactly one worker
type Job struct {
	s  *Session
	ev Event
}

// Session is the arena of one accepted socket: buffers, parser and response state.
// Only the worker holding its job touches it, the reactor keeps just a pointer.
type Session struct {
	id    string
	fd    int
	state State

	rbuf     *bytebufferpool.ByteBuffer // raw request bytes, pipelined leftovers included
	headLen  int
	consumed int // bytes of rbuf taken by the current request
	req      protocol.Request

	wbuf      *bytebufferpool.ByteBuffer // pending response bytes
	woff      int                        // how much of wbuf already hit the socket
	stream    protocol.Stream
	keepAlive bool

	served int
	active atomic.Int32 // steps running right now, anything above 1 is a bug
	log    zerolog.Logger
}

// pool for sessions
var sessionPool = sync.Pool{
	New: func() any {
		return &Session{}
	},
}

// newSession takes an accepted non-blocking fd
func newSession(fd int, log zerolog.Logger) *Session {
	s := sessionPool.Get().(*Session)
	s.id = uuid.NewString()
	s.fd = fd
	s.state = StateAwaitingRequest
	s.rbuf = bytebufferpool.Get()
	s.wbuf = bytebufferpool.Get()
	s.log = log.With().Str("conn", s.id).Int("fd", fd).Logger()
	return s
}

func (s *Session) State() State {
	return s.state
}

// release closes the socket and recycles the session, the caller has
// already removed it from the reactor
func (s *Session) release() {
	if err := s.stream.Close(); err != nil {
		s.log.Debug().Err(err).Msg("closing response body")
	}
	unix.Close(s.fd)

	bytebufferpool.Put(s.rbuf)
	bytebufferpool.Put(s.wbuf)

	// clearing session before put it to pool
	s.id = ""
	s.fd = -1
	s.state = StateAwaitingRequest
	s.rbuf, s.wbuf = nil, nil
	s.headLen, s.consumed, s.woff = 0, 0, 0
	s.req = protocol.Request{Headers: s.req.Headers[:0]}
	s.keepAlive = false
	s.served = 0
	s.active.Store(0)
	s.log = zerolog.Nop()

	sessionPool.Put(s)
}

// stepEnv is what a step needs from the engine
type stepEnv struct {
	handler    Handler
	limits     protocol.Limits
	readChunk  int // min free space offered to one read(2)
	stepReads  int // reads per step
	stepWrites int // writes per step
	chunkSize  int // file body chunk
	keepAlive  bool
	draining   *atomic.Bool
	observe    func(status int)
}

var errHeadCut = &protocol.ParseError{Status: 400, Reason: "connection closed inside the request head"}

type ioResult uint8

const (
	ioProgress ioResult = iota
	ioWouldBlock
	ioBudget // step budget used up, socket may still be ready
	ioEOF
	ioFailed
	ioDone
)

// advance runs one bounded, non-blocking step and returns the interest
// to re-arm. When the session ends up in StateClosing the caller releases it.
func (s *Session) advance(ev Event, env *stepEnv) Interest {
	if ev&(EventErr|EventHup) != 0 {
		s.log.Debug().Uint8("events", uint8(ev)).Msg("socket error, closing")
		s.state = StateClosing
		return InterestNone
	}

	reads, writes := 0, 0
	for {
		switch s.state {
		case StateAwaitingRequest, StateReadingHeaders, StateReadingBody:
			if s.parse(env) {
				continue
			}
			if reads == env.stepReads {
				return InterestRead
			}
			reads++

			switch s.fill(env.readChunk) {
			case ioWouldBlock:
				return InterestRead
			case ioEOF:
				// half-closed: the buffered bytes are the whole head, and it didn't parse
				if s.state == StateReadingHeaders && len(s.rbuf.B) > 0 {
					s.reject(errHeadCut, env)
					continue
				}
				if s.state == StateReadingBody {
					s.log.Debug().Int64("want", s.req.ContentLength).Msg("peer closed mid-body")
				}
				s.state = StateClosing
				return InterestNone
			case ioFailed:
				s.state = StateClosing
				return InterestNone
			}

		case StateDispatching:
			s.dispatch(env)

		case StateWritingResponse:
			switch s.flush(env, &writes) {
			case ioWouldBlock, ioBudget:
				return InterestWrite
			case ioFailed:
				s.state = StateClosing
				return InterestNone
			case ioDone:
				s.finish(env)
				if s.state == StateAwaitingRequest && len(s.rbuf.B) == 0 {
					return InterestRead
				}
			}

		default:
			return InterestNone
		}
	}
}

// parse moves the request states forward with what is already buffered,
// true means the state changed and the step should go on
func (s *Session) parse(env *stepEnv) bool {
	raw := s.rbuf.B
	if len(raw) == 0 {
		return false
	}

	switch s.state {
	case StateAwaitingRequest:
		s.state = StateReadingHeaders
		fallthrough

	case StateReadingHeaders:
		n, err := protocol.ParseHead(raw, &s.req, env.limits)
		if errors.Is(err, protocol.ErrIncomplete) {
			return false
		}
		if err != nil {
			s.reject(err, env)
			return true
		}
		s.headLen = n
		s.state = StateReadingBody
		fallthrough

	case StateReadingBody:
		if int64(len(raw)-s.headLen) < s.req.ContentLength {
			return false
		}
		// rbuf may have been reallocated since the head was parsed,
		// so the request views are rebuilt over the current bytes
		n, err := protocol.Parse(raw, &s.req, env.limits)
		if err != nil {
			s.reject(err, env)
			return true
		}
		s.consumed = n
		s.state = StateDispatching
		return true
	}
	return false
}

// reject answers a request the parser refused, the connection closes after it
func (s *Session) reject(err error, env *stepEnv) {
	status := protocol.StatusOf(err)
	s.log.Debug().Err(err).Int("status", status).Msg("request rejected")

	var resp *protocol.Response
	if eh, ok := env.handler.(ErrorHandler); ok {
		resp = eh.ServeError(status)
	}
	if resp == nil {
		resp = protocol.ErrorResponse(status)
	}
	s.respond(resp, false, true, env)
}

// dispatch hands the request to the handler and stages its response
func (s *Session) dispatch(env *stepEnv) {
	resp := env.handler.Serve(&s.req)
	if resp == nil {
		resp = protocol.ErrorResponse(500)
	}

	closing := !env.keepAlive || s.req.WantsClose() || env.draining.Load()
	s.respond(resp, s.req.IsMethod("HEAD"), closing, env)
}

func (s *Session) respond(resp *protocol.Response, omitBody, closing bool, env *stepEnv) {
	s.stream.Reset(resp, omitBody, closing, env.chunkSize)
	s.keepAlive = !closing
	s.wbuf.B = s.wbuf.B[:0]
	s.woff = 0
	s.state = StateWritingResponse
	if env.observe != nil {
		env.observe(resp.Status)
	}
}

// finish is called once the whole response is out
func (s *Session) finish(env *stepEnv) {
	if err := s.stream.Close(); err != nil {
		s.log.Debug().Err(err).Msg("closing response body")
	}
	s.served++

	if !s.keepAlive || env.draining.Load() {
		s.state = StateClosing
		return
	}

	// keep pipelined bytes for the next request
	rem := copy(s.rbuf.B, s.rbuf.B[s.consumed:])
	s.rbuf.B = s.rbuf.B[:rem]
	s.headLen, s.consumed = 0, 0
	s.wbuf.B = s.wbuf.B[:0]
	s.woff = 0
	s.state = StateAwaitingRequest
}
