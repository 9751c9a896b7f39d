package middleware

import (
	"context"
	"net/http"

	"github.com/earlence-security/stateful-auth/services/audit"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// CapabilityKey is the context key for the resolved capability
	CapabilityKey contextKey = "capability"

	// ClaimsKey is the context key for claims read from a JWT capability
	ClaimsKey contextKey = "claims"
)

// Claims are the identifying claims of a JWT capability. The token is not
// verified here; it was accepted upstream.
type Claims struct {
	JTI string `json:"jti"`
	Sub string `json:"sub"`
	Iss string `json:"iss"`
	Exp int64  `json:"exp"`
}

// GetRequestIDFromContext retrieves the request ID from context, falling
// back to the id chi's RequestID middleware assigned.
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return chimw.GetReqID(ctx)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetCapabilityFromContext retrieves the capability from context
func GetCapabilityFromContext(ctx context.Context) string {
	if val := ctx.Value(CapabilityKey); val != nil {
		if capability, ok := val.(string); ok {
			return capability
		}
	}
	return ""
}

// WithCapability adds the capability to the context
func WithCapability(ctx context.Context, capability string) context.Context {
	return context.WithValue(ctx, CapabilityKey, capability)
}

// GetClaimsFromContext retrieves JWT claims from context
func GetClaimsFromContext(ctx context.Context) *Claims {
	if val := ctx.Value(ClaimsKey); val != nil {
		if claims, ok := val.(*Claims); ok {
			return claims
		}
	}
	return nil
}

// WithClaims adds JWT claims to the context
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// AuditMeta collects the request metadata recorded in audit logs
func AuditMeta(r *http.Request) audit.Meta {
	return audit.Meta{
		RequestID: GetRequestIDFromContext(r.Context()),
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}
