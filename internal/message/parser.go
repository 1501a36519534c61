package message

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var (
	ErrMalformed      = errors.New("message: malformed HTTP message")
	ErrHeaderTooLarge = errors.New("message: header section too large")
	ErrBadChunk       = errors.New("message: bad chunked encoding")
	ErrIncomplete     = errors.New("message: stream ended before message was complete")
)

const (
	maxHeaderBytes   = 1 << 20
	maxChunkLineSize = 4096
)

// Head is the parsed start-line and header section of a message.
type Head struct {
	Method     string
	RequestURI string
	StatusCode int
	Reason     string
	Major      int
	Minor      int
	Header     http.Header
}

// ProtoAtLeast reports whether the message version is at least major.minor.
func (h *Head) ProtoAtLeast(major, minor int) bool {
	return h.Major > major || (h.Major == major && h.Minor >= minor)
}

// Interim reports whether h is an informational response that is followed
// by another response on the same stream.
func (h *Head) Interim() bool {
	return h.StatusCode >= 100 && h.StatusCode < 200 && h.StatusCode != http.StatusSwitchingProtocols
}

// Handler receives the parts of each message as the Parser recognizes them.
// Body fragments alias the parser buffer and must be copied if retained.
type Handler interface {
	OnHeaders(head *Head) error
	OnBody(chunk []byte)
	OnComplete()
}

type kind int

const (
	kindRequest kind = iota
	kindResponse
)

type state int

const (
	stateHead state = iota
	stateSized
	stateChunkSize
	stateChunkData
	stateChunkDataEnd
	stateTrailer
	stateUntilClose
	stateDone
)

// Parser is an incremental HTTP/1.x parser. It is not safe for concurrent use.
type Parser struct {
	kind      kind
	method    string
	handler   Handler
	state     state
	buf       []byte
	remaining int64
	err       error
}

// NewRequestParser returns a parser for a stream of pipelined requests.
func NewRequestParser(h Handler) *Parser {
	return &Parser{kind: kindRequest, handler: h}
}

// NewResponseParser returns a parser for the response to a request made
// with the given method.
func NewResponseParser(method string, h Handler) *Parser {
	return &Parser{kind: kindResponse, method: method, handler: h}
}

// Feed appends data to the stream. A returned error is permanent: every
// later call returns it again.
func (p *Parser) Feed(data []byte) error {
	if p.err != nil {
		return p.err
	}
	if p.state == stateDone {
		return nil
	}

	p.buf = append(p.buf, data...)
	off := 0
	for off < len(p.buf) {
		n, more, err := p.step(p.buf[off:])
		off += n
		if err != nil {
			p.err = err
			p.buf = nil
			return err
		}
		if more {
			break
		}
	}
	p.buf = append(p.buf[:0], p.buf[off:]...)
	return nil
}

// Close signals the end of the stream. Messages delimited by connection
// close complete here; any other partial message yields ErrIncomplete.
func (p *Parser) Close() error {
	if p.err != nil {
		return p.err
	}
	switch {
	case p.state == stateUntilClose:
		p.complete()
		return nil
	case p.state == stateDone:
		return nil
	case p.state == stateHead && len(bytes.TrimLeft(p.buf, "\r\n")) == 0:
		return nil
	}
	p.err = ErrIncomplete
	return p.err
}

func (p *Parser) step(b []byte) (n int, more bool, err error) {
	switch p.state {
	case stateHead:
		return p.parseHead(b)

	case stateSized:
		n := min(int64(len(b)), p.remaining)
		p.handler.OnBody(b[:n])
		if p.remaining -= n; p.remaining == 0 {
			p.complete()
		}
		return int(n), false, nil

	case stateChunkSize:
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			if len(b) > maxChunkLineSize {
				return 0, false, ErrBadChunk
			}
			return 0, true, nil
		}
		size, err := parseChunkSize(b[:i])
		if err != nil {
			return 0, false, err
		}
		if size == 0 {
			p.state = stateTrailer
		} else {
			p.remaining = size
			p.state = stateChunkData
		}
		return i + 1, false, nil

	case stateChunkData:
		n := min(int64(len(b)), p.remaining)
		p.handler.OnBody(b[:n])
		if p.remaining -= n; p.remaining == 0 {
			p.state = stateChunkDataEnd
		}
		return int(n), false, nil

	case stateChunkDataEnd:
		switch {
		case b[0] == '\n':
			p.state = stateChunkSize
			return 1, false, nil
		case b[0] != '\r':
			return 0, false, ErrBadChunk
		case len(b) < 2:
			return 0, true, nil
		case b[1] != '\n':
			return 0, false, ErrBadChunk
		}
		p.state = stateChunkSize
		return 2, false, nil

	case stateTrailer:
		i := bytes.IndexByte(b, '\n')
		if i < 0 {
			if len(b) > maxHeaderBytes {
				return 0, false, ErrHeaderTooLarge
			}
			return 0, true, nil
		}
		if len(bytes.TrimRight(b[:i], "\r")) == 0 {
			p.complete()
		}
		return i + 1, false, nil

	case stateUntilClose:
		p.handler.OnBody(b)
		return len(b), false, nil
	}

	// stateDone: anything after the final response is dropped.
	return len(b), false, nil
}

func (p *Parser) complete() {
	if p.kind == kindRequest {
		p.state = stateHead
	} else {
		p.state = stateDone
	}
	p.handler.OnComplete()
}

func (p *Parser) parseHead(b []byte) (int, bool, error) {
	skip := 0
	if p.kind == kindRequest {
		// Stray CRLFs between pipelined requests are tolerated.
		for skip < len(b) && (b[skip] == '\r' || b[skip] == '\n') {
			skip++
		}
	}

	end := headEnd(b[skip:])
	if end < 0 {
		if len(b)-skip > maxHeaderBytes {
			return 0, false, ErrHeaderTooLarge
		}
		return skip, true, nil
	}
	if end > maxHeaderBytes {
		return 0, false, ErrHeaderTooLarge
	}

	head, err := p.readHead(b[skip : skip+end])
	if err != nil {
		return 0, false, err
	}
	next, length, err := p.bodyFraming(head)
	if err != nil {
		return 0, false, err
	}
	if err := p.handler.OnHeaders(head); err != nil {
		return 0, false, err
	}

	switch {
	case p.kind == kindResponse && head.Interim():
		p.state = stateHead
	case next == stateDone:
		p.complete()
	default:
		p.state = next
		p.remaining = length
	}
	return skip + end, false, nil
}

func (p *Parser) readHead(section []byte) (*Head, error) {
	lines := strings.Split(strings.TrimRight(string(section), "\r\n"), "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}

	head := &Head{Header: make(http.Header)}
	var err error
	if p.kind == kindRequest {
		err = parseRequestLine(lines[0], head)
	} else {
		err = parseStatusLine(lines[0], head)
	}
	if err != nil {
		return nil, err
	}

	var last string
	for _, line := range lines[1:] {
		if line[0] == ' ' || line[0] == '\t' {
			// obs-fold continues the previous field value.
			if last == "" {
				return nil, ErrMalformed
			}
			values := head.Header[last]
			values[len(values)-1] += " " + strings.Trim(line, " \t")
			continue
		}

		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, ErrMalformed
		}
		name, value := line[:colon], strings.Trim(line[colon+1:], " \t")
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, ErrMalformed
		}
		last = http.CanonicalHeaderKey(name)
		head.Header[last] = append(head.Header[last], value)
	}
	return head, nil
}

// bodyFraming decides how the body of head is delimited. stateDone means
// the message has no body.
func (p *Parser) bodyFraming(head *Head) (state, int64, error) {
	if p.kind == kindResponse {
		switch {
		case head.StatusCode == http.StatusSwitchingProtocols:
			return stateUntilClose, 0, nil
		case p.method == http.MethodHead,
			head.StatusCode < 200,
			head.StatusCode == http.StatusNoContent,
			head.StatusCode == http.StatusNotModified:
			return stateDone, 0, nil
		}
	}

	if te := head.Header.Values("Transfer-Encoding"); len(te) > 0 {
		if isChunked(te) {
			return stateChunkSize, 0, nil
		}
		if p.kind == kindRequest {
			return 0, 0, ErrMalformed
		}
		return stateUntilClose, 0, nil
	}

	length, ok, err := contentLength(head.Header)
	switch {
	case err != nil:
		return 0, 0, err
	case ok && length == 0:
		return stateDone, 0, nil
	case ok:
		return stateSized, length, nil
	case p.kind == kindRequest:
		return stateDone, 0, nil
	}
	return stateUntilClose, 0, nil
}

func headEnd(b []byte) int {
	for i := 0; ; {
		j := bytes.IndexByte(b[i:], '\n')
		if j < 0 {
			return -1
		}
		line := b[i : i+j]
		i += j + 1
		if len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
			return i
		}
	}
}

func parseRequestLine(line string, head *Head) error {
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[1] == "" {
		return ErrMalformed
	}
	if !httpguts.ValidHeaderFieldName(parts[0]) {
		return ErrMalformed
	}
	major, minor, ok := http.ParseHTTPVersion(parts[2])
	if !ok || major != 1 {
		return ErrMalformed
	}
	head.Method, head.RequestURI = parts[0], parts[1]
	head.Major, head.Minor = major, minor
	return nil
}

func parseStatusLine(line string, head *Head) error {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || len(parts[1]) != 3 {
		return ErrMalformed
	}
	major, minor, ok := http.ParseHTTPVersion(parts[0])
	if !ok || major != 1 {
		return ErrMalformed
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 {
		return ErrMalformed
	}
	head.StatusCode = code
	head.Major, head.Minor = major, minor
	if len(parts) == 3 {
		head.Reason = parts[2]
	}
	return nil
}

func parseChunkSize(line []byte) (int64, error) {
	line = bytes.TrimRight(line, "\r")
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.Trim(line, " \t")
	if len(line) == 0 || len(line) > 16 {
		return 0, ErrBadChunk
	}
	size, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil || size < 0 {
		return 0, ErrBadChunk
	}
	return size, nil
}

func isChunked(te []string) bool {
	var last string
	for _, v := range te {
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				last = token
			}
		}
	}
	return strings.EqualFold(last, "chunked")
}

func contentLength(h http.Header) (int64, bool, error) {
	values := h.Values("Content-Length")
	if len(values) == 0 {
		return 0, false, nil
	}

	length := int64(-1)
	for _, v := range values {
		for _, field := range strings.Split(v, ",") {
			n, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
			if err != nil || n < 0 || (length >= 0 && n != length) {
				return 0, false, ErrMalformed
			}
			length = n
		}
	}
	return length, true, nil
}
