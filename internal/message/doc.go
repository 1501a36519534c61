// Package message implements the HTTP/1.x reframing layer shared by the
// request and the response path of the proxy.
//
// A Parser consumes bytes incrementally and reports the start-line and
// header section, every body fragment and the end of each message to a
// Handler. Request and Response sit on top of it: they rewrite the header
// section for the next hop (hop-by-hop stripping, Via, Connection), keep
// the body framing consistent (chunked re-encoding, Content-Length
// synthesis for HTTP/1.0 clients) and hand back the bytes that are ready
// to be written to the other side.
package message
