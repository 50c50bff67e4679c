// parse raw bytes to Request struct w zero-copy
// only parser logic, parser is stateless so it always works on the whole accumulated buffer
package protocol

import (
	"bytes"
	"math"
)

// Limits bounds the parser before it gives up on a request
type Limits struct {
	MaxHeaderBytes int   // request line + headers + final CRLF
	MaxHeaders     int   // header lines
	MaxBodyBytes   int64 // Content-Length ceiling
}

func DefaultLimits() Limits {
	return Limits{
		MaxHeaderBytes: 16 << 10,
		MaxHeaders:     64,
		MaxBodyBytes:   1 << 20,
	}
}

var (
	version = []byte("HTTP/1.1")
	clKey   = "Content-Length"
	teKey   = "Transfer-Encoding"
)

// ParseHead parses the request line and headers from raw.
// It returns the head length in bytes, ErrIncomplete if raw is a valid prefix
// or a *ParseError. Body is not touched, see Parse.
func ParseHead(raw []byte, req *Request, lim Limits) (int, error) {
	req.reset()
	crs := 0

	// find a separator
	findsep := func(start int, sep byte) int {
		idx := bytes.IndexByte(raw[start:], sep)
		if idx == -1 {
			return -1
		}
		return start + idx
	}

	// tolerate empty lines before the request line
	for crs+1 < len(raw) && raw[crs] == '\r' && raw[crs+1] == '\n' {
		crs += 2
	}

	// request line
	lf := findsep(crs, '\n')
	if lf == -1 {
		return 0, incomplete(raw, lim)
	}
	if lf == crs || raw[lf-1] != '\r' {
		return 0, badRequest("request line must end with CRLF")
	}
	if err := parseRequestLine(raw[crs:lf-1], req); err != nil {
		return 0, err
	}
	crs = lf + 1

	// headers
	var (
		contentlen int64 = -1
		chunked    bool
	)
	for {
		if crs > lim.MaxHeaderBytes {
			return 0, tooLarge(431, "request head too large")
		}
		// check if we are out of bounds
		if crs+1 >= len(raw) {
			return 0, incomplete(raw, lim)
		}

		// CRLF means that headers is over
		if raw[crs] == '\r' && raw[crs+1] == '\n' {
			crs += 2
			break
		}

		lf := findsep(crs, '\n')
		if lf == -1 {
			return 0, incomplete(raw, lim)
		}
		if raw[lf-1] != '\r' {
			return 0, badRequest("header line must end with CRLF")
		}
		line := raw[crs : lf-1]

		if line[0] == ' ' || line[0] == '\t' {
			return 0, badRequest("obsolete line folding")
		}
		coloni := bytes.IndexByte(line, ':')
		if coloni <= 0 {
			return 0, badRequest("header without name")
		}
		key := line[:coloni]
		if !isToken(key) {
			return 0, badRequest("invalid header name")
		}
		val := bytes.Trim(line[coloni+1:], " \t")

		if len(req.Headers) >= lim.MaxHeaders {
			return 0, tooLarge(431, "too many headers")
		}
		req.Headers = append(req.Headers, Header{Key: key, Val: val})

		switch {
		case equalFold(key, clKey):
			n, ok := parseLength(val)
			if !ok {
				return 0, badRequest("invalid Content-Length")
			}
			if contentlen != -1 && contentlen != n {
				return 0, badRequest("conflicting Content-Length")
			}
			contentlen = n
		case equalFold(key, teKey):
			chunked = true
		}

		crs = lf + 1
	}

	if crs > lim.MaxHeaderBytes {
		return 0, tooLarge(431, "request head too large")
	}
	if chunked {
		return 0, tooLarge(411, "transfer-encoding is not supported, send Content-Length")
	}
	if contentlen > lim.MaxBodyBytes {
		return 0, tooLarge(413, "body exceeds limit")
	}
	// note: no Content-Length means req has NO body
	req.ContentLength = max(contentlen, 0)

	return crs, nil
}

// Parse is ParseHead plus the body: it returns ErrIncomplete until
// Content-Length body bytes follow the head. Result is the full request length.
func Parse(raw []byte, req *Request, lim Limits) (int, error) {
	n, err := ParseHead(raw, req, lim)
	if err != nil {
		return 0, err
	}
	if int64(len(raw)-n) < req.ContentLength {
		return 0, ErrIncomplete
	}
	end := n + int(req.ContentLength)
	req.Body = raw[n:end]
	return end, nil
}

// METHOD SP TARGET SP HTTP/1.1, exactly
func parseRequestLine(line []byte, req *Request) error {
	sp := bytes.IndexByte(line, ' ')
	if sp <= 0 {
		return badRequest("malformed request line")
	}
	req.Method = line[:sp]
	if !isToken(req.Method) {
		return badRequest("invalid method")
	}

	rest := line[sp+1:]
	sp = bytes.IndexByte(rest, ' ')
	if sp <= 0 {
		return badRequest("malformed request line")
	}
	req.Target = rest[:sp]
	req.Proto = rest[sp+1:]

	if !bytes.Equal(req.Proto, version) {
		return badRequest("unsupported protocol version")
	}
	for _, c := range req.Target {
		if c <= ' ' || c == 0x7f {
			return badRequest("invalid request target")
		}
	}
	if req.Target[0] != '/' && !(len(req.Target) == 1 && req.Target[0] == '*') {
		return badRequest("request target must be origin-form")
	}

	req.Path = req.Target
	if q := bytes.IndexByte(req.Target, '?'); q != -1 {
		req.Path = req.Target[:q]
		req.Query = req.Target[q+1:]
	}
	return nil
}

// incomplete decides between waiting for more bytes and giving up on a head
// that already exceeds the limit
func incomplete(raw []byte, lim Limits) error {
	if len(raw) > lim.MaxHeaderBytes {
		return tooLarge(431, "request head too large")
	}
	return ErrIncomplete
}

// strict decimal, no sign no spaces, overflow is an error
func parseLength(v []byte) (int64, bool) {
	if len(v) == 0 {
		return 0, false
	}
	var n int64
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0, false
		}
		if n > (math.MaxInt64-int64(c-'0'))/10 {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

// lookup table for tchar (RFC 9110 5.6.2)
var tokenTable = func() (t [256]bool) {
	for c := '0'; c <= '9'; c++ {
		t[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		t[c] = true
		t[c-32] = true
	}
	for _, c := range "!#$%&'*+-.^_`|~" {
		t[c] = true
	}
	return t
}()

func isToken(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if !tokenTable[c] {
			return false
		}
	}
	return true
}
