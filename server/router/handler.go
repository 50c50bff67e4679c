package router

import "github.com/s00inx/pollserve/server/protocol"

// Handle serves a matched route, it works only with context
type Handle func(c *Context) *protocol.Response

// Param is one :name segment of a matched route.
// Val points into the request buffer, copy it to keep it past the handler.
type Param struct {
	Key []byte
	Val []byte
}

type Params []Param

// Get returns the value of the named param, nil when absent
func (ps Params) Get(key string) []byte {
	for _, p := range ps {
		if string(p.Key) == key {
			return p.Val
		}
	}
	return nil
}
