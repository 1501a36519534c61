// Package backend describes the upstream servers the proxy routes to.
// A Server carries its static descriptor, the runtime workload counter
// maintained by the scheduler, the compiled request matcher and the header
// mangle rules applied before a request is forwarded.
package backend
