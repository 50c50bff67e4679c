package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"testing"
)

func BenchmarkAppendHead(b *testing.B) {
	r := &Response{Status: 200, ContentType: "application/json", Body: []byte(`{"status":"ok","message":"hello world"}`)}
	dst := make([]byte, 0, 1024)

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		_ = Build(dst[:0], r, true)
	}
}

func BenchmarkParse(b *testing.B) {
	raw := []byte("POST /very/long/path/for/testing/purposes HTTP/1.1\r\n" +
		"Host: localhost:8080\r\n" +
		"User-Agent: pollserve-benchmark\r\n" +
		"Content-Length: 19\r\n" +
		"Content-Type: application/json\r\n" +
		"\r\n" +
		"{\"key\":\"value_123\"}")

	req := &Request{Headers: make([]Header, 0, 64)}
	lim := DefaultLimits()

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		if _, err := Parse(raw, req, lim); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParseHeavy(b *testing.B) {
	headers := ""
	for i := range 20 {
		headers += fmt.Sprintf("X-Header-%d: value-%d-extra-long-data-for-stress-test\r\n", i, i)
	}
	body := bytes.Repeat([]byte{'a'}, 1024)

	raw := []byte(fmt.Sprintf("POST /api/v1/resource/update/large HTTP/1.1\r\n"+
		"Host: localhost\r\n"+
		"Content-Length: %d\r\n"+
		"Content-Type: application/octet-stream\r\n"+
		"%s\r\n%s", len(body), headers, body))

	req := &Request{}
	lim := DefaultLimits()

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		if _, err := Parse(raw, req, lim); err != nil {
			b.Fatal(err)
		}
	}
}

func Test_parser_all_cases(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		expectStatus int // 0 means success
		incomplete   bool
		consumed     int
		checkRequest func(t *testing.T, req *Request)
	}{
		{
			name: "valid get request",
			raw:  "GET /index.html HTTP/1.1\r\nHost: localhost\r\nUser-Agent: test\r\n\r\n",
			checkRequest: func(t *testing.T, req *Request) {
				if string(req.Method) != "GET" {
					t.Error("wrong method")
				}
				if string(req.Path) != "/index.html" {
					t.Error("wrong path")
				}
				if len(req.Headers) != 2 {
					t.Errorf("expected 2 headers, got %d", len(req.Headers))
				}
				if string(req.Header("host")) != "localhost" {
					t.Errorf("case-insensitive lookup failed: %q", req.Header("host"))
				}
			},
		},
		{
			name: "valid post with body",
			raw:  "POST /api/v1 HTTP/1.1\r\nContent-Length: 11\r\n\r\nhello world",
			checkRequest: func(t *testing.T, req *Request) {
				if string(req.Body) != "hello world" {
					t.Errorf("wrong body %q", req.Body)
				}
				if req.ContentLength != 11 {
					t.Errorf("wrong content length %d", req.ContentLength)
				}
			},
		},
		{
			name:     "pipelined requests consume only the first",
			raw:      "GET /1 HTTP/1.1\r\n\r\nGET /2 HTTP/1.1\r\n\r\n",
			consumed: len("GET /1 HTTP/1.1\r\n\r\n"),
			checkRequest: func(t *testing.T, req *Request) {
				if string(req.Path) != "/1" {
					t.Errorf("wrong path %q", req.Path)
				}
			},
		},
		{
			name: "query is split off",
			raw:  "GET /a/b?x=1&y=2 HTTP/1.1\r\n\r\n",
			checkRequest: func(t *testing.T, req *Request) {
				if string(req.Path) != "/a/b" || string(req.Query) != "x=1&y=2" {
					t.Errorf("path %q query %q", req.Path, req.Query)
				}
			},
		},
		{
			name: "duplicate headers kept in order",
			raw:  "GET / HTTP/1.1\r\nX-A: 1\r\nx-a: 2\r\nX-B:3\r\n\r\n",
			checkRequest: func(t *testing.T, req *Request) {
				vals := req.Values("X-A")
				if len(vals) != 2 || string(vals[0]) != "1" || string(vals[1]) != "2" {
					t.Errorf("values %q", vals)
				}
				if string(req.Header("x-b")) != "3" {
					t.Errorf("no-space value %q", req.Header("x-b"))
				}
			},
		},
		{
			name: "unknown method parses",
			raw:  "BREW /pot HTTP/1.1\r\n\r\n",
			checkRequest: func(t *testing.T, req *Request) {
				if !req.IsMethod("BREW") {
					t.Error("wrong method")
				}
			},
		},
		{
			name: "identical content-length duplicates are fine",
			raw:  "POST / HTTP/1.1\r\nContent-Length: 2\r\ncontent-length: 2\r\n\r\nok",
			checkRequest: func(t *testing.T, req *Request) {
				if string(req.Body) != "ok" {
					t.Errorf("wrong body %q", req.Body)
				}
			},
		},
		{name: "incomplete request", raw: "GET /partial HTTP/1.1\r\nHost: local", incomplete: true},
		{name: "incomplete request line", raw: "GET /partial HT", incomplete: true},
		{name: "body incomplete", raw: "POST / HTTP/1.1\r\nContent-Length: 100\r\n\r\nsmall body", incomplete: true},
		{name: "garbage line", raw: "GARBAGE\r\n\r\n", expectStatus: 400},
		{name: "missing version", raw: "GET /\r\n\r\n", expectStatus: 400},
		{name: "http/1.0 is refused", raw: "GET / HTTP/1.0\r\n\r\n", expectStatus: 400},
		{name: "double space", raw: "GET  / HTTP/1.1\r\n\r\n", expectStatus: 400},
		{name: "invalid method", raw: "G(T / HTTP/1.1\r\n\r\n", expectStatus: 400},
		{name: "absolute target", raw: "GET http://x/ HTTP/1.1\r\n\r\n", expectStatus: 400},
		{name: "bare lf", raw: "GET / HTTP/1.1\nHost: x\n\n", expectStatus: 400},
		{name: "malformed header", raw: "GET / HTTP/1.1\r\nNoColonHeader\r\n\r\n", expectStatus: 400},
		{name: "space before colon", raw: "GET / HTTP/1.1\r\nHost : x\r\n\r\n", expectStatus: 400},
		{name: "obs fold", raw: "GET / HTTP/1.1\r\nX-A: 1\r\n  2\r\n\r\n", expectStatus: 400},
		{name: "conflicting content-length", raw: "POST / HTTP/1.1\r\nContent-Length: 2\r\nContent-Length: 3\r\n\r\nabc", expectStatus: 400},
		{name: "signed content-length", raw: "POST / HTTP/1.1\r\nContent-Length: -1\r\n\r\n", expectStatus: 400},
		{name: "overflowing content-length", raw: "POST / HTTP/1.1\r\nContent-Length: 99999999999999999999\r\n\r\n", expectStatus: 400},
		{name: "chunked body", raw: "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n0\r\n\r\n", expectStatus: 411},
		{name: "body over limit", raw: "POST / HTTP/1.1\r\nContent-Length: 2000000\r\n\r\n", expectStatus: 413},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &Request{}
			n, err := Parse([]byte(tt.raw), req, DefaultLimits())

			switch {
			case tt.incomplete:
				if !errors.Is(err, ErrIncomplete) {
					t.Fatalf("expected ErrIncomplete, got %v", err)
				}
				return
			case tt.expectStatus != 0:
				var pe *ParseError
				if !errors.As(err, &pe) {
					t.Fatalf("expected ParseError, got %v", err)
				}
				if pe.Status != tt.expectStatus {
					t.Errorf("expected status %d, got %d (%s)", tt.expectStatus, pe.Status, pe.Reason)
				}
				return
			case err != nil:
				t.Fatalf("unexpected error: %v", err)
			}

			want := tt.consumed
			if want == 0 {
				want = len(tt.raw)
			}
			if n != want {
				t.Errorf("consumed %d, want %d", n, want)
			}
			if tt.checkRequest != nil {
				tt.checkRequest(t, req)
			}
		})
	}
}

func TestParseHeadLimits(t *testing.T) {
	lim := Limits{MaxHeaderBytes: 64, MaxHeaders: 2, MaxBodyBytes: 10}

	long := "GET /" + strings.Repeat("a", 100)
	if _, err := ParseHead([]byte(long), &Request{}, lim); StatusOf(err) != 431 {
		t.Errorf("oversized incomplete head: got %v", err)
	}

	many := "GET / HTTP/1.1\r\nA: 1\r\nB: 2\r\nC: 3\r\n\r\n"
	if _, err := ParseHead([]byte(many), &Request{}, lim); StatusOf(err) != 431 {
		t.Errorf("too many headers: got %v", err)
	}

	// head complete, body pending: ParseHead succeeds, Parse waits
	raw := []byte("POST / HTTP/1.1\r\nContent-Length: 5\r\n\r\nab")
	req := &Request{}
	n, err := ParseHead(raw, req, lim)
	if err != nil || n != len(raw)-2 || req.ContentLength != 5 {
		t.Fatalf("head: n=%d cl=%d err=%v", n, req.ContentLength, err)
	}
	if _, err := Parse(raw, req, lim); !errors.Is(err, ErrIncomplete) {
		t.Errorf("body pending: got %v", err)
	}
}

// same request whatever way the bytes were cut
func TestParseSplitInvariance(t *testing.T) {
	raw := []byte("POST /upload/file.txt?v=2 HTTP/1.1\r\n" +
		"Host: example\r\n" +
		"X-Trace: a\r\n" +
		"x-trace: b\r\n" +
		"Content-Length: 12\r\n" +
		"\r\n" +
		"hello, world")
	lim := DefaultLimits()

	whole := &Request{}
	wantN, err := Parse(raw, whole, lim)
	if err != nil {
		t.Fatal(err)
	}
	want := snapshot(whole)

	check := func(t *testing.T, cuts []int) {
		t.Helper()
		req := &Request{}
		var buf []byte
		prev := 0
		for _, c := range append(cuts, len(raw)) {
			buf = append(buf, raw[prev:c]...)
			prev = c
			n, err := Parse(buf, req, lim)
			if c < len(raw) {
				if !errors.Is(err, ErrIncomplete) {
					t.Fatalf("cuts %v: prefix of %d bytes gave %v", cuts, c, err)
				}
				continue
			}
			if err != nil || n != wantN {
				t.Fatalf("cuts %v: n=%d err=%v", cuts, n, err)
			}
			if got := snapshot(req); got != want {
				t.Fatalf("cuts %v:\n got %s\nwant %s", cuts, got, want)
			}
		}
	}

	for i := 1; i < len(raw); i++ {
		check(t, []int{i})
	}

	rng := rand.New(rand.NewPCG(1, 2))
	for range 200 {
		var cuts []int
		for i := 1; i < len(raw); i++ {
			if rng.IntN(6) == 0 {
				cuts = append(cuts, i)
			}
		}
		check(t, cuts)
	}
}

func snapshot(r *Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s|%s|%s|%s|%s|%d|%s", r.Method, r.Target, r.Path, r.Query, r.Proto, r.ContentLength, r.Body)
	for _, h := range r.Headers {
		fmt.Fprintf(&sb, "|%s=%s", h.Key, h.Val)
	}
	return sb.String()
}

func TestWantsClose(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"GET / HTTP/1.1\r\n\r\n", false},
		{"GET / HTTP/1.1\r\nConnection: close\r\n\r\n", true},
		{"GET / HTTP/1.1\r\nconnection: Upgrade, CLOSE\r\n\r\n", true},
		{"GET / HTTP/1.1\r\nConnection: keep-alive\r\n\r\n", false},
	}
	for _, tt := range tests {
		req := &Request{}
		if _, err := Parse([]byte(tt.raw), req, DefaultLimits()); err != nil {
			t.Fatal(err)
		}
		if got := req.WantsClose(); got != tt.want {
			t.Errorf("%q: got %v want %v", tt.raw, got, tt.want)
		}
	}
}

func TestAppendHead(t *testing.T) {
	r := &Response{Status: 200, ContentType: "text/html", Body: []byte("<p>hi</p>")}
	r.SetHeader("X-Id", "7")
	r.SetHeader("Content-Length", "999") // framing can't be overridden

	got := string(Build(nil, r, true))
	want := "HTTP/1.1 200 OK\r\n" +
		"Server: pollserve\r\n" +
		"Content-Type: text/html\r\n" +
		"Content-Length: 9\r\n" +
		"X-Id: 7\r\n" +
		"Connection: close\r\n" +
		"\r\n<p>hi</p>"
	if got != want {
		t.Errorf("got\n%q\nwant\n%q", got, want)
	}

	if h := string(AppendHead(nil, &Response{Status: 999}, false)); !strings.HasPrefix(h, "HTTP/1.1 500 Internal Server Error\r\n") {
		t.Errorf("out of range status: %q", h)
	}
	if h := string(AppendHead(nil, &Response{Status: 299}, false)); !strings.HasPrefix(h, "HTTP/1.1 299 Unknown\r\n") {
		t.Errorf("unknown status: %q", h)
	}
}

func TestAppendUint(t *testing.T) {
	for _, n := range []uint64{0, 7, 42, 1000, 18446744073709551615} {
		if got, want := string(AppendUint(nil, n)), fmt.Sprint(n); got != want {
			t.Errorf("got %s want %s", got, want)
		}
	}
}

type closeCounter struct {
	io.Reader
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func drain(t *testing.T, st *Stream) (string, error) {
	t.Helper()
	var out []byte
	for range 1000 {
		var err error
		out, err = st.Next(out)
		if err != nil {
			if err == io.EOF {
				return string(out), nil
			}
			return string(out), err
		}
	}
	t.Fatal("stream never ended")
	return "", nil
}

func TestStreamFileBody(t *testing.T) {
	body := strings.Repeat("0123456789", 10)
	f := &closeCounter{Reader: strings.NewReader(body)}
	r := &Response{Status: 200, ContentType: "text/plain", File: f, Size: int64(len(body))}

	var st Stream
	st.Reset(r, false, true, 7)
	out, err := drain(t, &st)
	if err != nil {
		t.Fatal(err)
	}

	head, got, ok := strings.Cut(out, "\r\n\r\n")
	if !ok || got != body {
		t.Fatalf("body mismatch: %q", got)
	}
	if !strings.Contains(head, "Content-Length: 100\r\n") {
		t.Errorf("head: %q", head)
	}

	if err := st.Close(); err != nil || f.closed != 1 {
		t.Errorf("close: err=%v closed=%d", err, f.closed)
	}
}

func TestStreamShortFile(t *testing.T) {
	f := &closeCounter{Reader: strings.NewReader("short")}
	r := &Response{Status: 200, File: f, Size: 50}

	var st Stream
	st.Reset(r, false, true, 0)
	_, err := drain(t, &st)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestStreamHead(t *testing.T) {
	f := &closeCounter{Reader: strings.NewReader("never read")}
	r := &Response{Status: 200, File: f, Size: 10}

	var st Stream
	st.Reset(r, true, true, 0)
	out, err := drain(t, &st)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out, "\r\n\r\n") || !strings.Contains(out, "Content-Length: 10\r\n") {
		t.Errorf("head only expected, got %q", out)
	}
}
