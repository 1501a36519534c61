// Package logger builds the process-wide slog logger: JSON in production,
// text everywhere else, with the configured minimum level.
package logger
