// Package correlation carries a request correlation identifier through
// contexts so logs from the HTTP layer and the services it calls line up.
package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
)

// Header is the HTTP header that carries the identifier.
const Header = "X-Correlation-Id"

// MaxIDLength bounds accepted identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With returns ctx carrying id. Invalid identifiers leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the identifier on ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// FromHeader returns ctx carrying the identifier from an inbound header value,
// generating a fresh one when the value is missing or unusable.
func FromHeader(ctx context.Context, value string) context.Context {
	if normalized, ok := Normalize(value); ok {
		return context.WithValue(ctx, contextKey{}, normalized)
	}
	return context.WithValue(ctx, contextKey{}, Generate())
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a new identifier.
func Generate() string {
	return xid.New().String()
}
