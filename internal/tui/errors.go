package tui

import (
	"context"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

// humanError turns a store or pipeline error into one short sentence for the
// chat: "list todos: ping: connection refused" becomes "Connection refused".
func humanError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "Timed out"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	}
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		msg = msg[idx+2:]
	}
	r, size := utf8.DecodeRuneInString(msg)
	if r == utf8.RuneError {
		return msg
	}
	return string(unicode.ToUpper(r)) + msg[size:]
}
