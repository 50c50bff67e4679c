package protocol

import (
	"io"
	"strconv"
)

// Response is what a handler hands back to the engine.
// Body source is either Body (in memory) or File with a known Size, never both.
type Response struct {
	Status      int
	ContentType string
	Header      []Header // extra headers, written in order

	Body []byte
	File io.ReadCloser
	Size int64
}

// ContentLength is the exact number of body bytes the response announces
func (r *Response) ContentLength() int64 {
	if r.File != nil {
		return r.Size
	}
	return int64(len(r.Body))
}

// SetHeader appends an extra header
func (r *Response) SetHeader(key, val string) {
	r.Header = append(r.Header, Header{Key: []byte(key), Val: []byte(val)})
}

// Text builds an in-memory plain text response
func Text(code int, body string) *Response {
	return &Response{
		Status:      code,
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte(body),
	}
}

// ErrorResponse is the generated body used when no error page is available
func ErrorResponse(code int) *Response {
	return Text(code, strconv.Itoa(code)+" "+string(StatusText(code))+"\n")
}
