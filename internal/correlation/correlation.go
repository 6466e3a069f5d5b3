// Package correlation carries per-connection correlation ids through
// contexts and log lines.
package correlation

import (
	"context"

	"github.com/google/uuid"

	"pkt.systems/pslog"
)

// LogKey is the log field the id is recorded under.
const LogKey = "cid"

type contextKey struct{}

// Generate returns a new time-ordered id (UUIDv7).
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// With returns a context carrying id.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// ID returns the id carried by ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Start attaches a fresh id to ctx and to logger, and stores the tagged
// logger on the returned context.
func Start(ctx context.Context, logger pslog.Logger) (context.Context, pslog.Logger, string) {
	id := Generate()
	logger = logger.With(LogKey, id)
	ctx = pslog.ContextWithLogger(With(ctx, id), logger)
	return ctx, logger, id
}
