// Package proxy implements the client side of the proxy: one Connection per
// accepted client socket and one Link per request forwarded to a backend.
//
// A Connection runs a single event loop goroutine that owns all of its state.
// Socket readers, the backend Link and the idle ticker only post events to
// that loop, so request parsing, dispatch, relaying and the keep-alive and
// pipelining bookkeeping happen in one place and in order:
//
//	client bytes -> parser -> Request queue -> ConnectionManager.FindBackend
//	    Assigned: open Link, stream request, relay response, release backend
//	    Queued:   wait until another connection hands the backend over
//	    Rejected: 404 and close
//
// Requests on one connection are served strictly in arrival order. Backends
// are returned to the shared loadbalancer.ConnectionManager when a response
// finishes or the client goes away, which may wake a queued connection.
package proxy
