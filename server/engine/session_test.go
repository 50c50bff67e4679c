//go:build linux

package engine

import (
	"bytes"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/s00inx/pollserve/server/protocol"
)

var echoPath = HandlerFunc(func(req *protocol.Request) *protocol.Response {
	return protocol.Text(200, string(req.Path))
})

func testEnv(h Handler, keepAlive bool) *stepEnv {
	return &stepEnv{
		handler:    h,
		limits:     protocol.DefaultLimits(),
		readChunk:  512,
		stepReads:  4,
		stepWrites: 16,
		chunkSize:  protocol.DefaultChunkSize,
		keepAlive:  keepAlive,
		draining:   new(atomic.Bool),
	}
}

// session on one end of a socket pair, the other end is the client
func testSession(t *testing.T) (*Session, int) {
	t.Helper()
	a, b := socketPair(t)
	s := newSession(a, zerolog.Nop())
	t.Cleanup(func() {
		if s.fd == a {
			s.release()
		}
		unix.Close(b)
	})
	return s, b
}

// everything the peer can read right now
func readAvailable(t *testing.T, fd int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 64<<10)
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n <= 0 {
			return out
		}
		out = append(out, buf[:n]...)
	}
}

func send(t *testing.T, fd int, s string) {
	t.Helper()
	if _, err := unix.Write(fd, []byte(s)); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func TestSessionSingleRequest(t *testing.T) {
	s, c := testSession(t)
	env := testEnv(echoPath, false)

	send(t, c, "GET /x HTTP/1.1\r\nHost: a\r\n\r\n")
	if in := s.advance(EventRead, env); in != InterestNone {
		t.Fatalf("interest = %v", in)
	}
	if s.State() != StateClosing {
		t.Fatalf("state = %v, want closing", s.State())
	}

	want := "HTTP/1.1 200 OK\r\nServer: pollserve\r\nContent-Type: text/plain; charset=utf-8\r\n" +
		"Content-Length: 2\r\nConnection: close\r\n\r\n/x"
	if got := string(readAvailable(t, c)); got != want {
		t.Fatalf("response:\n%q\nwant\n%q", got, want)
	}
}

// one byte per readiness event, the outcome must not change
func TestSessionTrickle(t *testing.T) {
	s, c := testSession(t)
	env := testEnv(echoPath, false)
	req := "GET /slow HTTP/1.1\r\nHost: a\r\n\r\n"

	for i := range len(req) {
		send(t, c, req[i:i+1])
		in := s.advance(EventRead, env)
		if i < len(req)-1 {
			if in != InterestRead {
				t.Fatalf("byte %d: interest = %v, want read", i, in)
			}
			if s.State() != StateReadingHeaders {
				t.Fatalf("byte %d: state = %v", i, s.State())
			}
		}
	}

	if s.State() != StateClosing {
		t.Fatalf("state = %v", s.State())
	}
	if got := readAvailable(t, c); !bytes.HasSuffix(got, []byte("\r\n\r\n/slow")) {
		t.Fatalf("response = %q", got)
	}
}

func TestSessionBodyAcrossReads(t *testing.T) {
	s, c := testSession(t)
	echoBody := HandlerFunc(func(req *protocol.Request) *protocol.Response {
		return protocol.Text(201, string(req.Body))
	})
	env := testEnv(echoBody, false)

	body := strings.Repeat("b", 3000)
	send(t, c, "POST /up HTTP/1.1\r\nContent-Length: 3000\r\n\r\n"+body[:10])
	if in := s.advance(EventRead, env); in != InterestRead || s.State() != StateReadingBody {
		t.Fatalf("interest %v state %v", in, s.State())
	}
	send(t, c, body[10:])
	// the read budget may need more than one step
	for i := 0; s.State() == StateReadingBody && i < 100; i++ {
		s.advance(EventRead, env)
	}

	got := string(readAvailable(t, c))
	if !strings.HasPrefix(got, "HTTP/1.1 201 Created\r\n") || !strings.HasSuffix(got, "\r\n\r\n"+body) {
		t.Fatalf("response = %.120q", got)
	}
}

func TestSessionRejectsGarbage(t *testing.T) {
	s, c := testSession(t)
	var statuses []int
	env := testEnv(echoPath, true)
	env.observe = func(code int) { statuses = append(statuses, code) }

	send(t, c, "GARBAGE\r\n\r\n")
	s.advance(EventRead, env)

	got := string(readAvailable(t, c))
	if !strings.HasPrefix(got, "HTTP/1.1 400 Bad Request\r\n") || !strings.Contains(got, "Connection: close\r\n") {
		t.Fatalf("response = %q", got)
	}
	if s.State() != StateClosing {
		t.Fatalf("a rejected request must close the connection, state = %v", s.State())
	}
	if len(statuses) != 1 || statuses[0] != 400 {
		t.Fatalf("observed %v", statuses)
	}
}

type pageHandler struct{ Handler }

func (pageHandler) ServeError(status int) *protocol.Response {
	return &protocol.Response{Status: status, ContentType: "text/html", Body: []byte("<h1>custom</h1>")}
}

func TestSessionRejectUsesErrorHandler(t *testing.T) {
	s, c := testSession(t)
	env := testEnv(pageHandler{echoPath}, false)

	send(t, c, "GET /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n")
	s.advance(EventRead, env)

	got := string(readAvailable(t, c))
	if !strings.HasPrefix(got, "HTTP/1.1 411 Length Required\r\n") || !strings.HasSuffix(got, "<h1>custom</h1>") {
		t.Fatalf("response = %q", got)
	}
}

func TestSessionHead(t *testing.T) {
	s, c := testSession(t)
	env := testEnv(echoPath, false)

	send(t, c, "HEAD /abc HTTP/1.1\r\n\r\n")
	s.advance(EventRead, env)

	got := string(readAvailable(t, c))
	if !strings.Contains(got, "Content-Length: 4\r\n") || !strings.HasSuffix(got, "\r\n\r\n") {
		t.Fatalf("HEAD response = %q", got)
	}
}

// the client half-closes after sending in: a head that is cut short can
// never complete and gets 400, an empty or mid-body close gets nothing
func TestSessionPeerClosed(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string // response prefix, empty for a silent close
	}{
		{"nothing sent", "", ""},
		{"garbage without line end", "GARBAGE", "HTTP/1.1 400 Bad Request\r\n"},
		{"half request line", "GET /half", "HTTP/1.1 400 Bad Request\r\n"},
		{"headers cut", "GET / HTTP/1.1\r\nHost: x\r\n", "HTTP/1.1 400 Bad Request\r\n"},
		{"body cut", "POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\nab", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, c := testSession(t)
			env := testEnv(echoPath, true)

			if tt.in != "" {
				send(t, c, tt.in)
			}
			unix.Shutdown(c, unix.SHUT_WR)

			if in := s.advance(EventRead, env); in != InterestNone || s.State() != StateClosing {
				t.Fatalf("interest %v state %v", in, s.State())
			}
			got := string(readAvailable(t, c))
			if tt.want == "" {
				if got != "" {
					t.Fatalf("nothing should be answered, got %q", got)
				}
				return
			}
			if !strings.HasPrefix(got, tt.want) || !strings.Contains(got, "Connection: close\r\n") {
				t.Fatalf("response = %q", got)
			}

			s.release()
			if n, err := unix.Read(c, make([]byte, 16)); n != 0 || err != nil {
				t.Fatalf("after the response: n=%d err=%v, want EOF", n, err)
			}
		})
	}
}

func TestSessionErrorEvent(t *testing.T) {
	s, _ := testSession(t)
	s.advance(EventErr, testEnv(echoPath, false))
	if s.State() != StateClosing {
		t.Fatalf("state = %v", s.State())
	}
}

func TestSessionKeepAlivePipelined(t *testing.T) {
	s, c := testSession(t)
	env := testEnv(echoPath, true)

	send(t, c, "GET /1 HTTP/1.1\r\n\r\nGET /2 HTTP/1.1\r\n\r\n")
	if in := s.advance(EventRead, env); in != InterestRead {
		t.Fatalf("interest = %v", in)
	}
	if s.State() != StateAwaitingRequest || s.served != 2 {
		t.Fatalf("state %v served %d", s.State(), s.served)
	}

	got := string(readAvailable(t, c))
	first := strings.Index(got, "/1")
	second := strings.Index(got, "/2")
	if first < 0 || second < first || strings.Count(got, "Connection: keep-alive\r\n") != 2 {
		t.Fatalf("responses = %q", got)
	}

	// client asks to close
	send(t, c, "GET /3 HTTP/1.1\r\nConnection: close\r\n\r\n")
	s.advance(EventRead, env)
	if s.State() != StateClosing {
		t.Fatalf("state = %v", s.State())
	}
	if got := string(readAvailable(t, c)); !strings.Contains(got, "Connection: close\r\n") {
		t.Fatalf("response = %q", got)
	}
}

func TestSessionDrainingCloses(t *testing.T) {
	s, c := testSession(t)
	env := testEnv(echoPath, true)
	env.draining.Store(true)

	send(t, c, "GET / HTTP/1.1\r\n\r\n")
	s.advance(EventRead, env)
	if s.State() != StateClosing {
		t.Fatalf("state = %v", s.State())
	}
	if got := string(readAvailable(t, c)); !strings.Contains(got, "Connection: close\r\n") {
		t.Fatalf("response = %q", got)
	}
}

// a body bigger than the socket buffer: the step stops on EAGAIN
// or its write budget and resumes on write readiness
func TestSessionStreamsLargeFile(t *testing.T) {
	s, c := testSession(t)
	body := bytes.Repeat([]byte("0123456789abcdef"), 64<<10) // 1MiB
	h := HandlerFunc(func(*protocol.Request) *protocol.Response {
		return &protocol.Response{
			Status:      200,
			ContentType: "application/octet-stream",
			File:        io.NopCloser(bytes.NewReader(body)),
			Size:        int64(len(body)),
		}
	})
	env := testEnv(h, false)

	send(t, c, "GET /big HTTP/1.1\r\n\r\n")
	in := s.advance(EventRead, env)

	var got []byte
	for i := 0; s.State() != StateClosing; i++ {
		if i > 10000 {
			t.Fatal("response never completed")
		}
		if in != InterestWrite {
			t.Fatalf("mid-response interest = %v", in)
		}
		got = append(got, readAvailable(t, c)...)
		in = s.advance(EventWrite, env)
	}
	got = append(got, readAvailable(t, c)...)

	i := bytes.Index(got, []byte("\r\n\r\n"))
	if i < 0 || !bytes.Equal(got[i+4:], body) {
		t.Fatalf("body mismatch: got %d bytes after head", len(got)-i-4)
	}
}

func TestSessionNilResponse(t *testing.T) {
	s, c := testSession(t)
	env := testEnv(HandlerFunc(func(*protocol.Request) *protocol.Response { return nil }), false)

	send(t, c, "GET / HTTP/1.1\r\n\r\n")
	s.advance(EventRead, env)
	if got := string(readAvailable(t, c)); !strings.HasPrefix(got, "HTTP/1.1 500 Internal Server Error\r\n") {
		t.Fatalf("response = %q", got)
	}
}

func TestStateString(t *testing.T) {
	if StateWritingResponse.String() != "writing-response" || State(99).String() != "unknown" {
		t.Fatal("state names")
	}
}
