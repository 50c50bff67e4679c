//go:build linux

// file with epoll settings: the readiness poller and its registration table
// only detects readiness, it never reads or writes a client socket
package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is the readiness a socket is subscribed to
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite

	InterestNone Interest = 0
)

func (in Interest) String() string {
	switch in {
	case InterestNone:
		return "none"
	case InterestRead:
		return "read"
	case InterestWrite:
		return "write"
	default:
		return "read|write"
	}
}

// Event is what a poll cycle observed on a socket
type Event uint8

const (
	EventRead Event = 1 << iota
	EventWrite
	EventErr // EPOLLERR, e.g. peer reset
	EventHup // both directions are gone
)

var (
	ErrAlreadyRegistered = errors.New("engine: fd already registered")
	ErrNotRegistered     = errors.New("engine: fd not registered")
	ErrReactorClosed     = errors.New("engine: reactor closed")
)

// one entry of the registration table
type registration struct {
	s        *Session // nil for the listener
	interest Interest
}

// Ready is one socket reported by Poll
type Ready struct {
	Fd      int
	Session *Session
	Events  Event
	Armed   Interest // interest that fired, re-arm with it to retry later
}

// Reactor wraps an epoll instance. Every registration is EPOLLONESHOT:
// once a socket is reported the kernel disarms it and the table records
// InterestNone until somebody re-arms it. That's what keeps a socket out
// of the next poll cycles while a worker owns it.
type Reactor struct {
	epfd   int
	wakefd int
	events []unix.EpollEvent

	mu     sync.Mutex
	table  map[int]*registration
	closed bool
}

// NewReactor creates the epoll instance and the eventfd used by Wake
func NewReactor(maxEvents int) (*Reactor, error) {
	if maxEvents < 1 {
		maxEvents = 128
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	// level triggered, wakeups are drained by Poll
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakefd),
	}); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl add eventfd: %w", err)
	}

	return &Reactor{
		epfd:   epfd,
		wakefd: wakefd,
		events: make([]unix.EpollEvent, maxEvents),
		table:  make(map[int]*registration),
	}, nil
}

// kernel event mask for an interest
func epollEvents(in Interest) uint32 {
	ev := uint32(unix.EPOLLONESHOT)
	if in&InterestRead != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Register adds fd with its initial interest, a socket is registered at most once
func (r *Reactor) Register(fd int, s *Session, in Interest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrReactorClosed
	}
	if _, ok := r.table[fd]; ok {
		return ErrAlreadyRegistered
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: epollEvents(in),
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("epoll_ctl add %d: %w", fd, err)
	}

	r.table[fd] = &registration{s: s, interest: in}
	return nil
}

// Reregister replaces the interest of fd and arms it for the next poll cycle.
// InterestNone only updates the table: a socket reported by Poll is already
// disarmed, and a MOD with an empty mask would still arm EPOLLERR/EPOLLHUP.
func (r *Reactor) Reregister(fd int, in Interest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrReactorClosed
	}
	reg, ok := r.table[fd]
	if !ok {
		return ErrNotRegistered
	}
	if in != InterestNone {
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
			Events: epollEvents(in),
			Fd:     int32(fd),
		}); err != nil {
			return fmt.Errorf("epoll_ctl mod %d: %w", fd, err)
		}
	}

	reg.interest = in
	return nil
}

// Deregister removes fd, it must be called before the fd is closed
func (r *Reactor) Deregister(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.table[fd]; !ok {
		return ErrNotRegistered
	}
	delete(r.table, fd)

	if r.closed {
		return nil
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del %d: %w", fd, err)
	}
	return nil
}

// Poll waits up to timeout (negative means forever) and appends the ready
// sockets to dst. Every socket shows up once per cycle with all of its
// events combined. A Wake or a signal returns early, possibly with nothing.
func (r *Reactor) Poll(timeout time.Duration, dst []Ready) ([]Ready, error) {
	msec := -1
	if timeout >= 0 {
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	n, err := unix.EpollWait(r.epfd, r.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, fmt.Errorf("epoll_wait: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range n {
		e := r.events[i]
		fd := int(e.Fd)

		if fd == r.wakefd {
			r.drainWake()
			continue
		}
		reg, ok := r.table[fd]
		if !ok {
			continue
		}

		rd := Ready{Fd: fd, Session: reg.s, Armed: reg.interest}
		if e.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 && reg.interest&InterestRead != 0 {
			rd.Events |= EventRead
		}
		if e.Events&unix.EPOLLOUT != 0 && reg.interest&InterestWrite != 0 {
			rd.Events |= EventWrite
		}
		if e.Events&unix.EPOLLERR != 0 {
			rd.Events |= EventErr
		}
		if e.Events&unix.EPOLLHUP != 0 {
			rd.Events |= EventHup
		}
		if rd.Events == 0 {
			// spurious, still disarmed now so hand it out as what it was armed for
			rd.Events = Event(reg.interest)
		}

		// oneshot: the kernel has disarmed it
		reg.interest = InterestNone
		dst = append(dst, rd)
	}
	return dst, nil
}

// Wake makes a blocked Poll return
func (r *Reactor) Wake() error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(r.wakefd, b[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (r *Reactor) drainWake() {
	var b [8]byte
	unix.Read(r.wakefd, b[:])
}

// Interest returns the current table interest of fd
func (r *Reactor) Interest(fd int) (Interest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.table[fd]
	if !ok {
		return InterestNone, false
	}
	return reg.interest, true
}

// Sessions returns a snapshot of every registered session
func (r *Reactor) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Session, 0, len(r.table))
	for _, reg := range r.table {
		if reg.s != nil {
			out = append(out, reg.s)
		}
	}
	return out
}

// Len is the number of registered sockets
func (r *Reactor) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table)
}

// Close releases the epoll instance, registered fds are left to their owners
func (r *Reactor) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return errors.Join(unix.Close(r.wakefd), unix.Close(r.epfd))
}
