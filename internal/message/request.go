package message

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Pseudo fields that match rules and mangle rules may address besides the
// real header fields.
const (
	FieldMethod      = "http_method"
	FieldRequestURL  = "request_url"
	FieldHTTPVersion = "http_version"
)

// URI keys answered by Request.URIField.
const (
	URIPath  = "path"
	URIQuery = "query"
	URIPort  = "port"
)

// URI holds the request target fragments used for fast matching.
type URI struct {
	Path     string
	Query    string
	HasQuery bool
	Port     string
}

// Request is one client request as it will be forwarded to a backend.
type Request struct {
	Method     string
	RequestURI string
	Major      int
	Minor      int
	Header     http.Header
	URI        URI

	// KeepAlive reports whether the client connection persists after this
	// exchange. The response may clear it.
	KeepAlive bool
	// Chunked reports whether the body is re-chunked toward the backend.
	Chunked bool

	Response *Response

	head     []byte
	headSent bool
	body     bytes.Buffer
	complete bool
}

// NewRequest builds a Request from a parsed head and rewrites its header
// section for the backend hop. head.Header is taken over by the request.
func NewRequest(head *Head) (*Request, error) {
	r := &Request{
		Method:     head.Method,
		RequestURI: head.RequestURI,
		Major:      head.Major,
		Minor:      head.Minor,
		Header:     head.Header,
		KeepAlive:  keepAlive(head),
	}

	h := r.Header
	if len(h.Values("Host")) > 1 {
		return nil, fmt.Errorf("%w: multiple Host fields", ErrMalformed)
	}

	chunked := len(h.Values("Transfer-Encoding")) > 0
	stripHopByHop(h)
	if chunked {
		h.Del("Content-Length")
		h.Set("Transfer-Encoding", "chunked")
		r.Chunked = true
	}
	h.Set("Connection", "close")
	appendVia(h)

	uri, absHost, err := parseTarget(r.RequestURI, h.Get("Host"))
	if err != nil {
		return nil, err
	}
	if absHost != "" {
		h.Set("Host", absHost)
	}
	if h.Get("Host") == "" && head.ProtoAtLeast(1, 1) {
		return nil, fmt.Errorf("%w: missing Host", ErrMalformed)
	}
	r.URI = uri
	r.Response = newResponse(r)
	return r, nil
}

func parseTarget(target, host string) (URI, string, error) {
	if target == "*" {
		return URI{Path: "*", Port: portOf(host, "http")}, "", nil
	}

	u, err := url.ParseRequestURI(target)
	if err != nil {
		return URI{}, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var absHost string
	scheme := "http"
	if u.Host != "" {
		absHost, host = u.Host, u.Host
		scheme = strings.ToLower(u.Scheme)
	}

	return URI{
		Path:     u.EscapedPath(),
		Query:    u.RawQuery,
		HasQuery: u.RawQuery != "" || u.ForceQuery,
		Port:     portOf(host, scheme),
	}, absHost, nil
}

func portOf(host, scheme string) string {
	if _, port, err := net.SplitHostPort(host); err == nil && port != "" {
		return port
	}
	if scheme == "https" {
		return "443"
	}
	return "80"
}

// IsHead reports whether the request method is HEAD.
func (r *Request) IsHead() bool {
	return r.Method == http.MethodHead
}

// Field returns a header value, or a pseudo field, by name. Header names
// are matched case-insensitively; repeated fields are joined with ", ".
func (r *Request) Field(key string) (string, bool) {
	switch key {
	case FieldMethod:
		return r.Method, true
	case FieldRequestURL:
		return r.RequestURI, true
	case FieldHTTPVersion:
		return fmt.Sprintf("%d.%d", r.Major, r.Minor), true
	}

	values := r.Header.Values(key)
	if len(values) == 0 {
		return "", false
	}
	return strings.Join(values, ", "), true
}

// SetField overwrites a header or pseudo field.
func (r *Request) SetField(key, value string) {
	switch key {
	case FieldMethod:
		r.Method = value
	case FieldRequestURL:
		r.RequestURI = value
	case FieldHTTPVersion:
		// the outbound start-line is always HTTP/1.1
	default:
		r.Header.Set(key, value)
	}
}

// URIField returns one of the URI fragments path, query or port.
func (r *Request) URIField(key string) (string, bool) {
	switch key {
	case URIPath:
		return r.URI.Path, true
	case URIQuery:
		return r.URI.Query, r.URI.HasQuery
	case URIPort:
		return r.URI.Port, r.URI.Port != ""
	}
	return "", false
}

// ForwardTarget derives the upstream address from the Host header, for
// backends that forward to whatever host the client asked for.
func (r *Request) ForwardTarget() (string, int) {
	host := r.Header.Get("Host")
	h, p, err := net.SplitHostPort(host)
	if err != nil {
		return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"), 80
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return h, 80
	}
	return h, port
}

// AppendBody adds a body fragment received from the client.
func (r *Request) AppendBody(chunk []byte) {
	if r.Chunked {
		writeChunk(&r.body, chunk)
		return
	}
	r.body.Write(chunk)
}

// Finish marks the client message as complete.
func (r *Request) Finish() {
	if r.Chunked {
		r.body.WriteString(lastChunk)
	}
	r.complete = true
}

// Complete reports whether the whole client message has been received.
func (r *Request) Complete() bool {
	return r.complete
}

// Reconstruct renders the header section for the backend. Host always
// follows the start-line; repeated fields go out one line per value.
func (r *Request) Reconstruct() {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", r.Method, r.RequestURI)
	if host := r.Header.Get("Host"); host != "" {
		fmt.Fprintf(&b, "Host: %s\r\n", host)
	}
	r.Header.WriteSubset(&b, map[string]bool{"Host": true})
	b.WriteString("\r\n")
	r.head = b.Bytes()
}

// Pending reports whether Flush would return data.
func (r *Request) Pending() bool {
	return r.head != nil && (!r.headSent || r.body.Len() > 0)
}

// Flush returns the bytes not yet sent to the backend: the reconstructed
// header section first, then buffered body bytes. Nothing is released
// before Reconstruct has been called.
func (r *Request) Flush() []byte {
	if r.head == nil {
		return nil
	}

	var out []byte
	if !r.headSent {
		out = append(out, r.head...)
		r.headSent = true
	}
	out = append(out, r.body.Bytes()...)
	r.body.Reset()
	return out
}
