// Package handler binds one proxy listener to the shared connection manager.
// It turns every accepted socket into a proxy connection configured with the
// listener's timeout, error pages, hooks, logger and metrics collector.
package handler
