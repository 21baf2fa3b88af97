// Package router dispatches parsed requests through an ordered table of
// matchers. Gopher and Gemini each get their own table; the first matching
// route wins.
package router

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"

	"github.com/EntropyParadigm/pure-gopher/internal/gopher"
)

// Protocol identifies the wire format a request arrived in.
type Protocol string

const (
	ProtocolGopher Protocol = "gopher"
	ProtocolGemini Protocol = "gemini"
)

// ErrNoRoute is returned by Serve when no matcher accepts the request.
var ErrNoRoute = errors.New("router: no route")

// Request is a parsed request plus the connection facts handlers need to
// build links back to this server.
type Request struct {
	Protocol Protocol
	Path     string // gopher selector or gemini path, query removed by the matcher
	Query    string // URL-decoded
	Host     string // advertised host for self links
	Port     int
	Onion    bool
	Source   string
	ConnID   string
}

// Response is what a handler produced. A Buffered body is written by the
// router; Streamed means the handler has already written everything and the
// router must not write again.
type Response interface {
	written() bool
}

// Buffered is a complete, already framed response.
type Buffered struct {
	Body []byte
}

func (Buffered) written() bool { return false }

// Streamed marks a response the handler wrote incrementally.
type Streamed struct{}

func (Streamed) written() bool { return true }

// Handler serves one routed request. Errors are reserved for write failures;
// protocol-level failures are framed into the returned Response.
type Handler func(ctx context.Context, w io.Writer, req *Request) (Response, error)

// Matcher reports whether a route accepts req. A matcher may rewrite
// req.Path and req.Query, e.g. to split a search string off the selector.
type Matcher func(req *Request) bool

// Exact matches one path. For Gopher the empty selector and "/" are the same.
func Exact(path string) Matcher {
	return func(req *Request) bool {
		return samePath(req.Path, path)
	}
}

// Prefix matches a path that may carry a query. Gopher requests separate the
// query with a tab (type-7 search), a space or "?"; Gemini requests have
// already had their query split off by the codec.
func Prefix(path string) Matcher {
	return func(req *Request) bool {
		if req.Protocol == ProtocolGemini {
			return samePath(req.Path, path)
		}
		q, ok := gopher.SplitQuery(req.Path, path)
		if !ok {
			return false
		}
		req.Path = path
		req.Query = decodeQuery(q)
		return true
	}
}

// CatchAll matches everything.
func CatchAll() Matcher {
	return func(*Request) bool { return true }
}

type route struct {
	match   Matcher
	handler Handler
}

// Router is an ordered route table. It is built once at startup and is
// read-only afterwards.
type Router struct {
	routes []route
}

// New creates an empty Router.
func New() *Router { return &Router{} }

// Handle appends a route.
func (r *Router) Handle(m Matcher, h Handler) *Router {
	r.routes = append(r.routes, route{match: m, handler: h})
	return r
}

// Match returns the first handler whose matcher accepts req.
func (r *Router) Match(req *Request) (Handler, bool) {
	for _, rt := range r.routes {
		if rt.match(req) {
			return rt.handler, true
		}
	}
	return nil, false
}

// Serve routes req and writes a Buffered response to w.
func (r *Router) Serve(ctx context.Context, w io.Writer, req *Request) error {
	h, ok := r.Match(req)
	if !ok {
		return ErrNoRoute
	}
	resp, err := h(ctx, w, req)
	if err != nil {
		return err
	}
	if resp == nil || resp.written() {
		return nil
	}
	if b, ok := resp.(Buffered); ok && len(b.Body) > 0 {
		_, err = w.Write(b.Body)
	}
	return err
}

func samePath(got, want string) bool {
	if got == want {
		return true
	}
	return (got == "" || got == "/") && (want == "" || want == "/")
}

// decodeQuery URL-decodes hand-typed queries and keeps the raw text when it
// is not valid percent-encoding.
func decodeQuery(q string) string {
	q = strings.TrimSpace(q)
	if !strings.Contains(q, "%") {
		return q
	}
	if dec, err := url.PathUnescape(q); err == nil {
		return dec
	}
	return q
}
