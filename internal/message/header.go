package message

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// ViaToken identifies this hop in the Via header.
const ViaToken = "1.1 experella"

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop removes the fixed hop-by-hop fields and every field named
// by the Connection header.
func stripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func appendVia(h http.Header) {
	via := h.Values("Via")
	h.Set("Via", strings.Join(append(via, ViaToken), ", "))
}

// keepAlive applies the HTTP/1.0 and HTTP/1.1 persistence defaults.
func keepAlive(head *Head) bool {
	conn := head.Header.Values("Connection")
	if !head.ProtoAtLeast(1, 1) {
		return httpguts.HeaderValuesContainsToken(conn, "keep-alive")
	}
	return !httpguts.HeaderValuesContainsToken(conn, "close")
}

func writeChunk(w io.Writer, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	io.WriteString(w, strconv.FormatInt(int64(len(chunk)), 16))
	io.WriteString(w, "\r\n")
	w.Write(chunk)
	io.WriteString(w, "\r\n")
}

const lastChunk = "0\r\n\r\n"
