package proxy

import (
	"fmt"
	"net/http"

	"github.com/angeloszaimis/experella/internal/message"
)

const badRequestResponse = "HTTP/1.1 400 Bad Request\r\nVia: " + message.ViaToken + "\r\nConnection: close\r\n\r\n"

// errorResponse renders a proxy generated error. The body is left out for
// HEAD requests but Content-Length still announces it.
func errorResponse(code int, body []byte, head bool) []byte {
	out := fmt.Appendf(nil,
		"HTTP/1.1 %d %s\r\nContent-Length: %d\r\nContent-Type: text/html;charset=utf-8\r\nVia: %s\r\nConnection: close\r\n\r\n",
		code, http.StatusText(code), len(body), message.ViaToken)
	if !head {
		out = append(out, body...)
	}
	return out
}
