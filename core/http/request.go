package http

import (
	"context"
	"net/url"
	"strings"
)

// UserVerifier checks or registers a user. isLogin selects between the two.
type UserVerifier interface {
	Verify(ctx context.Context, name, password string, isLogin bool) (bool, error)
}

// KeyValueStore is the backend for body commands. Get returns "" for a
// missing key.
type KeyValueStore interface {
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
}

// ParseState is the request parser's position
type ParseState int

const (
	StateRequestLine ParseState = iota
	StateHeaders
	StateBody
	StateFinished
)

func (s ParseState) String() string {
	switch s {
	case StateRequestLine:
		return "request-line"
	case StateHeaders:
		return "headers"
	case StateBody:
		return "body"
	case StateFinished:
		return "finished"
	}
	return "unknown"
}

// Bare routes that are served as their .html page
var defaultHTML = map[string]struct{}{
	"/index":    {},
	"/register": {},
	"/login":    {},
	"/welcome":  {},
	"/video":    {},
	"/picture":  {},
}

// Form targets that go through the verifier; true means login
var authPaths = map[string]bool{
	"/register.html": false,
	"/login.html":    true,
}

const formContentType = "application/x-www-form-urlencoded"

// Request is an HTTP/1.1 request parsed incrementally from a connection's
// read buffer. A Request is reused across the requests of one connection.
type Request struct {
	method  string
	path    string
	version string
	headers map[string]string
	body    string
	post    map[string]string
	state   ParseState

	command    string
	hasCommand bool
	commandErr error
	authErr    error

	verifier UserVerifier
	store    KeyValueStore
}

// NewRequest creates a request bound to its collaborators. Either may be nil.
func NewRequest(verifier UserVerifier, store KeyValueStore) *Request {
	r := &Request{
		verifier: verifier,
		store:    store,
		headers:  make(map[string]string),
		post:     make(map[string]string),
	}
	return r
}

// Init resets the request for the next message on the connection
func (r *Request) Init() {
	r.method = ""
	r.path = ""
	r.version = ""
	r.body = ""
	r.state = StateRequestLine
	r.command = ""
	r.hasCommand = false
	r.commandErr = nil
	r.authErr = nil
	clear(r.headers)
	clear(r.post)
}

func (r *Request) Method() string    { return r.method }
func (r *Request) Path() string      { return r.path }
func (r *Request) Version() string   { return r.version }
func (r *Request) Body() string      { return r.body }
func (r *Request) State() ParseState { return r.state }

// Header returns the value stored for name, matched exactly
func (r *Request) Header(name string) string { return r.headers[name] }

// Post returns a decoded form field
func (r *Request) Post(key string) string { return r.post[key] }

// CommandResult returns the output of a body command, if one ran
func (r *Request) CommandResult() (string, bool) { return r.command, r.hasCommand }

// CommandErr is the store error from the last body command
func (r *Request) CommandErr() error { return r.commandErr }

// AuthErr is the verifier error from the last login or register
func (r *Request) AuthErr() error { return r.authErr }

// KeepAlive reports whether the connection should stay open
func (r *Request) KeepAlive() bool {
	return r.headers["Connection"] == "keep-alive" && r.version == "1.1"
}

func normalizePath(p string) string {
	if p == "/" {
		return "/index.html"
	}
	if _, ok := defaultHTML[p]; ok {
		return p + ".html"
	}
	return p
}

// handleBody runs form decoding, credential checks and the body command
func (r *Request) handleBody(ctx context.Context) {
	formEncoded := r.headers["Content-Type"] == formContentType
	if r.method == "POST" && formEncoded {
		r.parseForm()
		if isLogin, ok := authPaths[r.path]; ok {
			r.path = r.verify(ctx, isLogin)
		}
	}

	text := r.body
	if formEncoded {
		if s, err := url.QueryUnescape(text); err == nil {
			text = s
		}
	}
	r.runCommand(ctx, text)
}

// parseForm decodes the body into post; a repeated key keeps its last value
func (r *Request) parseForm() {
	// Pairs with bad escapes are dropped, the rest are kept
	values, _ := url.ParseQuery(r.body)
	for k, v := range values {
		if len(v) > 0 {
			r.post[k] = v[len(v)-1]
		}
	}
}

func (r *Request) verify(ctx context.Context, isLogin bool) string {
	name, pwd := r.post["username"], r.post["password"]
	if r.verifier == nil || name == "" || pwd == "" {
		return "/error.html"
	}
	ok, err := r.verifier.Verify(ctx, name, pwd, isLogin)
	if err != nil {
		r.authErr = err
		return "/error.html"
	}
	if ok {
		return "/welcome.html"
	}
	return "/error.html"
}

// runCommand interprets "set k v", "get k" or "del k" at the start of text
func (r *Request) runCommand(ctx context.Context, text string) {
	if r.store == nil {
		return
	}
	fields := strings.Fields(text)
	if len(fields) > 3 {
		fields = fields[:3]
	}
	if len(fields) < 2 {
		return
	}

	var err error
	switch fields[0] {
	case "set":
		if len(fields) < 3 {
			return
		}
		err = r.store.Set(ctx, fields[1], fields[2])
		r.command = "OK"
	case "get":
		r.command, err = r.store.Get(ctx, fields[1])
	case "del":
		err = r.store.Del(ctx, fields[1])
		r.command = "OK"
	default:
		return
	}

	if err != nil {
		r.command = ""
		r.commandErr = err
	}
	r.hasCommand = true
}
