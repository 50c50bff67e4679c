// context is request getters + response helpers
package router

import (
	"bytes"

	"github.com/s00inx/pollserve/server/protocol"
)

// max params captured per request, extra ones are not recorded
const maxParams = 8

type Context struct {
	Req *protocol.Request

	pbuf   [maxParams]Param
	params Params
	header []protocol.Header
}

func (c *Context) reset(req *protocol.Request) {
	c.Req = req
	c.params = c.pbuf[:0]
	c.header = c.header[:0]
}

// !! Context as abstraction upon Request (getters)
// get Request method
func (c *Context) Method() []byte {
	return c.Req.Method
}

// get Request path
func (c *Context) Path() []byte {
	return c.Req.Path
}

func (c *Context) Query() []byte {
	return c.Req.Query
}

func (c *Context) QueryGet(key []byte) []byte {
	q := c.Req.Query
	if len(q) == 0 {
		return nil
	}

	for len(q) > 0 {
		idx := bytes.IndexByte(q, '&')
		var pair []byte
		if idx == -1 {
			pair = q
			q = nil
		} else {
			pair = q[:idx]
			q = q[idx+1:]
		}

		before, after, ok := bytes.Cut(pair, []byte{'='})
		if ok && bytes.Equal(before, key) {
			return after
		}
	}
	return nil
}

func (c *Context) Params() Params {
	return c.params
}

func (c *Context) Param(key string) []byte {
	return c.params.Get(key)
}

// Header is the first request header named key, case-insensitive
func (c *Context) Header(key string) []byte {
	return c.Req.Header(key)
}

func (c *Context) Body() []byte {
	return c.Req.Body
}
