package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/searchktools/super-server/core/buffer"
)

var (
	ErrMalformedRequest = errors.New("malformed HTTP request")
	ErrRequestTooLarge  = errors.New("HTTP request too large")
)

// Limits on what a client can make the read buffer hold for one request
const (
	MaxHeaderBytes = 64 << 10
	MaxBodyBytes   = 1 << 20
)

// ParseResult tells the caller whether a full request is available
type ParseResult int

const (
	ParseIncomplete ParseResult = iota
	ParseFinished
)

var crlf = []byte("\r\n")

// Parse reads one request from the unread bytes of buf. It scans without
// consuming and starts over from the request line on every call, so an
// incomplete request leaves buf untouched for the next read. Once the
// request is finished its bytes are retrieved from buf.
func (r *Request) Parse(ctx context.Context, buf *buffer.Buffer) (ParseResult, error) {
	r.Init()

	data := buf.Peek()
	pos := 0

	for r.state != StateFinished {
		if r.state == StateBody {
			n, ok, err := r.parseBody(data[pos:])
			if err != nil {
				return ParseIncomplete, err
			}
			if !ok {
				return ParseIncomplete, nil
			}
			pos += n
			r.handleBody(ctx)
			r.state = StateFinished
			break
		}

		end := bytes.Index(data[pos:], crlf)
		if end < 0 {
			if len(data) > MaxHeaderBytes {
				return ParseIncomplete, fmt.Errorf("%w: header block over %d bytes", ErrRequestTooLarge, MaxHeaderBytes)
			}
			return ParseIncomplete, nil
		}
		line := data[pos : pos+end]
		pos += end + len(crlf)
		if pos > MaxHeaderBytes {
			return ParseIncomplete, fmt.Errorf("%w: header block over %d bytes", ErrRequestTooLarge, MaxHeaderBytes)
		}

		switch r.state {
		case StateRequestLine:
			if err := r.parseRequestLine(line); err != nil {
				return ParseIncomplete, err
			}
			r.state = StateHeaders
		case StateHeaders:
			if len(line) == 0 {
				r.state = StateBody
				continue
			}
			if err := r.parseHeader(line); err != nil {
				return ParseIncomplete, err
			}
		}
	}

	buf.Retrieve(pos)
	return ParseFinished, nil
}

// parseRequestLine matches METHOD SP PATH SP HTTP/VERSION
func (r *Request) parseRequestLine(line []byte) error {
	s := string(line)
	method, rest, ok1 := strings.Cut(s, " ")
	path, proto, ok2 := strings.Cut(rest, " ")
	version, ok3 := strings.CutPrefix(proto, "HTTP/")
	if !ok1 || !ok2 || !ok3 || method == "" || path == "" || version == "" ||
		strings.Contains(version, " ") || !httpguts.ValidHeaderFieldName(method) {
		return fmt.Errorf("%w: request line %q", ErrMalformedRequest, s)
	}

	r.method = method
	r.path = normalizePath(path)
	r.version = version
	return nil
}

// parseHeader stores NAME: VALUE, last write wins
func (r *Request) parseHeader(line []byte) error {
	name, value, ok := bytes.Cut(line, []byte(":"))
	if !ok || !httpguts.ValidHeaderFieldName(string(name)) {
		return fmt.Errorf("%w: header line %q", ErrMalformedRequest, line)
	}
	v := strings.Trim(string(value), " \t")
	if !httpguts.ValidHeaderFieldValue(v) {
		return fmt.Errorf("%w: header %s value", ErrMalformedRequest, name)
	}
	r.headers[string(name)] = v
	return nil
}

// parseBody takes Content-Length bytes when the header is set, otherwise
// the rest of the current line. GET and HEAD without a length have no body,
// so a pipelined request behind them is left alone. It reports how many
// bytes were consumed.
func (r *Request) parseBody(data []byte) (int, bool, error) {
	if cl, ok := r.headers["Content-Length"]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return 0, false, fmt.Errorf("%w: content length %q", ErrMalformedRequest, cl)
		}
		if n > MaxBodyBytes {
			return 0, false, fmt.Errorf("%w: content length %d", ErrRequestTooLarge, n)
		}
		if len(data) < n {
			return 0, false, nil
		}
		r.body = string(data[:n])
		return n, true, nil
	}

	if r.method == "GET" || r.method == "HEAD" {
		return 0, true, nil
	}
	if end := bytes.Index(data, crlf); end >= 0 {
		r.body = string(data[:end])
		return end + len(crlf), true, nil
	}
	r.body = string(data)
	return len(data), true, nil
}
