package router

import (
	"slices"

	"github.com/s00inx/pollserve/server/protocol"
)

// ! Context as response writer (setters)

// SetHeader adds a header to the response built by the next Send
func (c *Context) SetHeader(key, val string) {
	c.header = append(c.header, protocol.Header{Key: []byte(key), Val: []byte(val)})
}

// Send builds an in-memory response with the headers set so far
func (c *Context) Send(code int, contentType string, body []byte) *protocol.Response {
	return &protocol.Response{
		Status:      code,
		ContentType: contentType,
		Header:      slices.Clone(c.header), // context goes back to the pool
		Body:        body,
	}
}

func (c *Context) String(code int, body string) *protocol.Response {
	return c.Send(code, "text/plain; charset=utf-8", []byte(body))
}

// Status sends the default body for code
func (c *Context) Status(code int) *protocol.Response {
	resp := protocol.ErrorResponse(code)
	resp.Header = slices.Clone(c.header)
	return resp
}
