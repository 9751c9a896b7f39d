package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/earlence-security/stateful-auth/utils"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ErrNoCapability is returned when a request carries no bearer token
var ErrNoCapability = errors.New("missing capability")

// AuthMiddleware resolves the capability a request is made under and guards
// the management API.
type AuthMiddleware struct {
	adminToken string
	logger     *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware. An empty adminToken
// leaves the management API open.
func NewAuthMiddleware(adminToken string, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		adminToken: adminToken,
		logger:     logger,
	}
}

// ResolveCapability maps a bearer token to the key its history is stored
// under. JWTs are keyed by jti, else sub; their signature is not checked.
// Any other token is its own key.
func ResolveCapability(token string) (string, *Claims) {
	if strings.Count(token, ".") != 2 {
		return token, nil
	}
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &rc); err != nil {
		return token, nil
	}

	claims := &Claims{JTI: rc.ID, Sub: rc.Subject, Iss: rc.Issuer}
	if rc.ExpiresAt != nil {
		claims.Exp = rc.ExpiresAt.Unix()
	}
	switch {
	case rc.ID != "":
		return rc.ID, claims
	case rc.Subject != "":
		return rc.Subject, claims
	default:
		return token, claims
	}
}

// CapabilityFromRequest resolves the capability of r
func CapabilityFromRequest(r *http.Request) (string, *Claims, error) {
	token := extractBearerToken(r)
	if token == "" {
		return "", nil, ErrNoCapability
	}
	capability, claims := ResolveCapability(token)
	return capability, claims, nil
}

// RequireCapability rejects requests without a bearer token and stores the
// resolved capability in the context.
func (m *AuthMiddleware) RequireCapability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		capability, claims, err := CapabilityFromRequest(r)
		if err != nil {
			m.logger.Warn("missing capability",
				zap.String("request_id", requestID),
				zap.String("path", r.URL.Path))
			_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
			return
		}

		ctx = WithCapability(ctx, capability)
		if claims != nil {
			ctx = WithClaims(ctx, claims)
		}

		m.logger.Debug("capability resolved",
			zap.String("request_id", requestID),
			zap.Bool("jwt", claims != nil))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OptionalCapability stores the capability in the context when the request
// carries a bearer token and passes it through unchanged otherwise.
func (m *AuthMiddleware) OptionalCapability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capability, claims, err := CapabilityFromRequest(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := WithCapability(r.Context(), capability)
		if claims != nil {
			ctx = WithClaims(ctx, claims)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin guards management routes with the configured admin token
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		requestID := GetRequestIDFromContext(r.Context())
		token := extractBearerToken(r)
		if token == "" {
			m.logger.Warn("missing admin token", zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(m.adminToken)) != 1 {
			m.logger.Warn("invalid admin token", zap.String("request_id", requestID))
			_ = utils.WriteForbidden(w, "Insufficient permissions")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
