package model

import (
	"context"
	"errors"
)

// Well-known actor roles asserted by the host application.
const (
	RoleStudent = "student"
	RoleAdvisor = "advisor"
	RoleStaff   = "staff"
	RoleAdmin   = "admin"
)

// RequestContext carries the identity asserted by the host application and
// the tracing information for the lifetime of a request. It is immutable
// after construction and safe for concurrent reads.
type RequestContext struct {
	SubjectID     string
	Email         string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	Locale        string
	Timezone      string
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	if rc.SubjectID == "" {
		return errors.New("SubjectID is required")
	}
	return nil
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsStaff reports whether the actor may act on other students' activities.
func (rc *RequestContext) IsStaff() bool {
	return rc.HasRole(RoleStaff) || rc.HasRole(RoleAdmin) || rc.HasRole(RoleAdvisor)
}

// Claim returns the value of the given claim key, or nil if not present.
func (rc *RequestContext) Claim(key string) any {
	if rc.Claims == nil {
		return nil
	}
	return rc.Claims[key]
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext extracts the RequestContext from the context, panicking if
// it is not present. Only call it behind the authentication middleware.
func MustRequestContext(ctx context.Context) *RequestContext {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: RequestContext not found in context")
	}
	return rctx
}
