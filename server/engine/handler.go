package engine

import "github.com/s00inx/pollserve/server/protocol"

// Handler resolves a parsed request to a response. It runs on a worker,
// so it may do blocking work (open/stat a file) but should not read the body
// of a big file itself: return the file handle and let the engine stream it.
type Handler interface {
	Serve(req *protocol.Request) *protocol.Response
}

// HandlerFunc adapts a func to Handler
type HandlerFunc func(req *protocol.Request) *protocol.Response

func (f HandlerFunc) Serve(req *protocol.Request) *protocol.Response {
	return f(req)
}

// ErrorHandler is optionally implemented by a Handler that wants to
// render the responses for requests the parser refused
type ErrorHandler interface {
	ServeError(status int) *protocol.Response
}
