// Package logging provides a context-scoped logrus logger, the same
// calling convention as matrix-org/util.GetLogger(ctx) used throughout the
// teacher codebase, so handlers and pipeline stages can attach fields once
// near the top of a request/event's processing and have every downstream
// log line inherit them.
package logging

import (
	"context"

	"github.com/sirupsen/logrus"
)

type contextKeyType int

const loggerContextKey contextKeyType = 0

// WithLogger returns a context carrying entry, retrievable later with
// Logger(ctx).
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerContextKey, entry)
}

// WithFields attaches fields to whatever logger is already on ctx (or the
// package-level default if none is attached yet) and returns a context
// carrying the result.
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	return WithLogger(ctx, Logger(ctx).WithFields(fields))
}

// Logger returns the logger attached to ctx, or logrus's standard logger
// wrapped as an *Entry if none was attached.
func Logger(ctx context.Context) *logrus.Entry {
	if entry, ok := ctx.Value(loggerContextKey).(*logrus.Entry); ok && entry != nil {
		return entry
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
