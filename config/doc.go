// Package config loads the proxy configuration from a YAML file and
// environment variables. It describes the listeners, the idle timeout, the
// error pages and the backend servers with their routing and header
// rewriting rules, and can watch the file to pick up backend changes.
package config
