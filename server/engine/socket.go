//go:build linux

// only low level socket creation
package engine

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// parse a dotted IPv4 host, empty means every interface
func hostAddr(host string) ([4]byte, error) {
	var addr [4]byte
	switch host {
	case "", "0.0.0.0":
		return addr, nil
	case "localhost":
		return [4]byte{127, 0, 0, 1}, nil
	}

	ip := net.ParseIP(host).To4()
	if ip == nil {
		return addr, fmt.Errorf("engine: %q is not an IPv4 address", host)
	}
	copy(addr[:], ip)
	return addr, nil
}

// create new non-blocking socket, bind and start listening;
// returns the fd and the bound address (port 0 picks a free one)
func listenSocket(host string, port, backlog int) (int, *net.TCPAddr, error) {
	addr, err := hostAddr(host)
	if err != nil {
		return -1, nil, err
	}

	// SOCK_STREAM = TCP
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("socket: %w", err)
	}

	fail := func(op string, err error) (int, *net.TCPAddr, error) {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("%s %s:%d: %w", op, host, port, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: addr}); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	bound, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return fail("getsockname", fmt.Errorf("unexpected address %T", sa))
	}

	return fd, &net.TCPAddr{
		IP:   net.IPv4(bound.Addr[0], bound.Addr[1], bound.Addr[2], bound.Addr[3]),
		Port: bound.Port,
	}, nil
}
