package middleware

import (
	"log/slog"
	"strings"
)

// LogMessages logs every message that passes, like the console echo of a
// chat server. It never drops anything.
func LogMessages(level slog.Level) MiddlewareFunc {
	return func(ctx *Context, next NextFunc) error {
		slog.Log(ctx.Ctx, level, "Msg",
			"peer", ctx.Peer.ID(),
			"slot", ctx.Peer.Slot(),
			"bytes", len(ctx.Data),
			"text", strings.TrimRight(string(ctx.Data), "\r\n"))
		return next(ctx)
	}
}

// DropEmptyLines swallows messages that consist only of line terminators.
func DropEmptyLines(ctx *Context, next NextFunc) error {
	if strings.Trim(string(ctx.Data), "\r\n") == "" {
		return nil
	}
	return next(ctx)
}
