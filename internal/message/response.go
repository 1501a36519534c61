package message

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
)

// Response reframes the backend reply to a Request for the client.
type Response struct {
	Header     http.Header
	StatusCode int

	// Chunked reports whether the body is re-chunked toward the client.
	Chunked bool
	// NoLength reports that the backend gave neither Content-Length nor
	// Transfer-Encoding, so only its connection close ends the body.
	NoLength bool
	// BufferMode reports that the body is held back until complete so a
	// Content-Length can be synthesized for an HTTP/1.0 client.
	BufferMode bool

	req      *Request
	parser   *Parser
	out      bytes.Buffer
	body     bytes.Buffer
	started  bool
	complete bool
}

func newResponse(req *Request) *Response {
	r := &Response{req: req, StatusCode: http.StatusInternalServerError}
	r.parser = NewResponseParser(req.Method, r)
	return r
}

// Feed parses backend bytes and returns what is ready for the client.
func (r *Response) Feed(data []byte) ([]byte, error) {
	err := r.parser.Feed(data)
	return r.take(), err
}

// Close ends the backend stream. Bodies delimited by connection close
// complete here.
func (r *Response) Close() ([]byte, error) {
	err := r.parser.Close()
	return r.take(), err
}

// Started reports whether a final response head has been parsed.
func (r *Response) Started() bool {
	return r.started
}

// Complete reports whether the whole response has been produced.
func (r *Response) Complete() bool {
	return r.complete
}

func (r *Response) take() []byte {
	if r.out.Len() == 0 {
		return nil
	}
	out := bytes.Clone(r.out.Bytes())
	r.out.Reset()
	return out
}

// OnHeaders implements Handler.
func (r *Response) OnHeaders(head *Head) error {
	h := head.Header
	if head.Interim() {
		stripHopByHop(h)
		r.writeHead(head.StatusCode, h)
		return nil
	}

	r.started = true
	r.StatusCode = head.StatusCode

	hasTE := len(h.Values("Transfer-Encoding")) > 0
	hasCL := len(h.Values("Content-Length")) > 0
	bodyExpected := !r.req.IsHead() && head.StatusCode != http.StatusNoContent &&
		head.StatusCode != http.StatusNotModified

	chunked := false
	switch {
	case !hasTE && !hasCL && bodyExpected:
		r.NoLength = true
		r.req.KeepAlive = false
	case hasTE && !r.reqAtLeast11() && bodyExpected:
		h.Del("Content-Length")
		r.BufferMode = true
	case hasTE:
		h.Del("Content-Length")
		chunked = true
		r.Chunked = bodyExpected
	}

	stripHopByHop(h)
	if chunked && r.reqAtLeast11() {
		h.Set("Transfer-Encoding", "chunked")
	}
	if r.req.KeepAlive {
		h.Set("Connection", "Keep-Alive")
	} else {
		h.Set("Connection", "close")
	}
	appendVia(h)
	r.Header = h

	if !r.BufferMode {
		r.writeHead(r.StatusCode, h)
	}
	return nil
}

// OnBody implements Handler.
func (r *Response) OnBody(chunk []byte) {
	switch {
	case r.Chunked:
		writeChunk(&r.out, chunk)
	case r.BufferMode:
		r.body.Write(chunk)
	default:
		r.out.Write(chunk)
	}
}

// OnComplete implements Handler.
func (r *Response) OnComplete() {
	switch {
	case r.Chunked:
		r.out.WriteString(lastChunk)
	case r.BufferMode:
		r.Header.Set("Content-Length", strconv.Itoa(r.body.Len()))
		r.writeHead(r.StatusCode, r.Header)
		r.out.Write(r.body.Bytes())
		r.body.Reset()
	}
	r.complete = true
}

func (r *Response) reqAtLeast11() bool {
	return r.req.Major > 1 || (r.req.Major == 1 && r.req.Minor >= 1)
}

func (r *Response) writeHead(code int, h http.Header) {
	fmt.Fprintf(&r.out, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	h.Write(&r.out)
	r.out.WriteString("\r\n")
}
