// Package slogx holds small helpers for log/slog attributes.
package slogx

import "log/slog"

// Error returns an "error" attribute carrying the error's message.
func Error(err error) slog.Attr {
	return slog.String("error", err.Error())
}
