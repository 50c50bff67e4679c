// Package router dispatches parsed requests to handlers by method and path,
// anything unrouted goes to a fallback handler (the static file server).
package router

import (
	"slices"
	"strings"
	"sync"

	"github.com/s00inx/pollserve/server/engine"
	"github.com/s00inx/pollserve/server/protocol"
)

type Router struct {
	trees    map[string]*node // one tree per method
	fallback engine.Handler
	ctxPool  sync.Pool
}

// New makes a router, fallback serves GET/HEAD requests no route matched.
// A nil fallback answers them with 404.
func New(fallback engine.Handler) *Router {
	return &Router{
		trees:    make(map[string]*node),
		fallback: fallback,
		ctxPool: sync.Pool{
			New: func() any { return new(Context) },
		},
	}
}

// Handle registers h for method and path, :name segments capture a param.
// Routes must be registered before serving starts.
func (r *Router) Handle(method, path string, h Handle) {
	if h == nil {
		panic("router: nil handle for " + method + " " + path)
	}
	method = strings.ToUpper(method)
	root, ok := r.trees[method]
	if !ok {
		root = &node{}
		r.trees[method] = root
	}
	root.insert([]byte(path), h)
}

func (r *Router) Get(path string, h Handle) {
	r.Handle("GET", path, h)
}

func (r *Router) Post(path string, h Handle) {
	r.Handle("POST", path, h)
}

// Serve implements engine.Handler
func (r *Router) Serve(req *protocol.Request) *protocol.Response {
	c := r.ctxPool.Get().(*Context)
	c.reset(req)
	defer func() {
		c.reset(nil)
		r.ctxPool.Put(c)
	}()

	method := string(req.Method)
	if h := r.lookup(method, c); h != nil {
		return h(c)
	}
	// HEAD is GET without the body, the engine drops it
	if method == "HEAD" {
		if h := r.lookup("GET", c); h != nil {
			return h(c)
		}
	}

	if allow := r.allowed(req.Path); len(allow) > 0 {
		return r.notAllowed(strings.Join(allow, ", "))
	}

	if method == "GET" || method == "HEAD" {
		if r.fallback != nil {
			return r.fallback.Serve(req)
		}
		return r.ServeError(404)
	}
	return r.notAllowed("GET, HEAD")
}

// ServeError implements engine.ErrorHandler, error pages come from the fallback
func (r *Router) ServeError(status int) *protocol.Response {
	if eh, ok := r.fallback.(engine.ErrorHandler); ok {
		if resp := eh.ServeError(status); resp != nil {
			return resp
		}
	}
	return protocol.ErrorResponse(status)
}

func (r *Router) lookup(method string, c *Context) Handle {
	root, ok := r.trees[method]
	if !ok {
		return nil
	}
	c.params = c.pbuf[:0]
	return root.find(c.Req.Path, &c.params)
}

// methods that have a route for path, sorted
func (r *Router) allowed(path []byte) []string {
	var allow []string
	var ps Params // cap 0, nothing is captured
	for method, root := range r.trees {
		if root.find(path, &ps) != nil {
			allow = append(allow, method)
		}
	}
	if slices.Contains(allow, "GET") && !slices.Contains(allow, "HEAD") {
		allow = append(allow, "HEAD")
	}
	slices.Sort(allow)
	return allow
}

func (r *Router) notAllowed(allow string) *protocol.Response {
	resp := r.ServeError(405)
	resp.SetHeader("Allow", allow)
	return resp
}
