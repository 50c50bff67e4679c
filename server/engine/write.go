//go:build linux

// raw socket reads and writes of a session, every call is non-blocking
package engine

import (
	"io"
	"slices"

	"golang.org/x/sys/unix"
)

// fill does one read(2) into the spare capacity of rbuf
func (s *Session) fill(chunk int) ioResult {
	b := s.rbuf.B
	if cap(b)-len(b) < chunk {
		b = slices.Grow(b, chunk)
		s.rbuf.B = b
	}

	for {
		n, err := unix.Read(s.fd, b[len(b):cap(b)])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return ioWouldBlock
		case err != nil:
			s.log.Debug().Err(err).Msg("read failed")
			return ioFailed
		case n == 0:
			return ioEOF
		}
		s.rbuf.B = b[:len(b)+n]
		return ioProgress
	}
}

// flush writes as much of the response as the socket takes.
// wbuf is refilled from the stream whenever it has been fully written.
func (s *Session) flush(env *stepEnv, writes *int) ioResult {
	for {
		if s.woff == len(s.wbuf.B) {
			s.woff = 0
			b, err := s.stream.Next(s.wbuf.B[:0])
			s.wbuf.B = b
			if err == io.EOF {
				return ioDone
			}
			if err != nil {
				// head is already out, the framing can't be kept anymore
				s.log.Warn().Err(err).Msg("response body failed mid-stream")
				return ioFailed
			}
			if len(b) == 0 {
				continue
			}
		}

		if *writes == env.stepWrites {
			return ioBudget
		}
		*writes++

		n, err := unix.Write(s.fd, s.wbuf.B[s.woff:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return ioWouldBlock
		case err != nil:
			// peer reset, broken pipe: nothing to tell the client
			s.log.Debug().Err(err).Msg("write failed")
			return ioFailed
		}
		s.woff += n
	}
}
