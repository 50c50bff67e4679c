package protocol

import "bytes"

// header, key and val refer to the raw request buffer
type Header struct {
	Key, Val []byte
}

// Request is a fully parsed request. Every slice is a window into the
// connection read buffer, so it is valid only until the buffer is reset.
type Request struct {
	Method []byte
	Target []byte // raw request-target
	Path   []byte // target without query
	Query  []byte // after '?', without it
	Proto  []byte

	Headers       []Header // in arrival order, duplicates kept
	ContentLength int64
	Body          []byte
}

// reset keeps the header backing array for the next parse
func (r *Request) reset() {
	h := r.Headers[:0]
	*r = Request{Headers: h}
}

// Header returns the first value for name, compared case-insensitively
func (r *Request) Header(name string) []byte {
	for _, h := range r.Headers {
		if equalFold(h.Key, name) {
			return h.Val
		}
	}
	return nil
}

// Values returns every value for name in arrival order
func (r *Request) Values(name string) [][]byte {
	var out [][]byte
	for _, h := range r.Headers {
		if equalFold(h.Key, name) {
			out = append(out, h.Val)
		}
	}
	return out
}

// IsMethod compares the request method with m
func (r *Request) IsMethod(m string) bool {
	return string(r.Method) == m
}

// WantsClose reports whether any Connection header carries the close token
func (r *Request) WantsClose() bool {
	for _, h := range r.Headers {
		if !equalFold(h.Key, "Connection") {
			continue
		}
		for tok := range bytes.SplitSeq(h.Val, []byte{','}) {
			if equalFold(bytes.TrimSpace(tok), "close") {
				return true
			}
		}
	}
	return false
}

// ascii-only case folding, header names are tokens so this is enough
func equalFold(b []byte, s string) bool {
	if len(b) != len(s) {
		return false
	}
	for i := range len(b) {
		c1, c2 := b[i], s[i]
		if c1 == c2 {
			continue
		}
		if c1|0x20 != c2|0x20 || c1|0x20 < 'a' || c1|0x20 > 'z' {
			return false
		}
	}
	return true
}
