package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/FACorreiaa/go-trip-planner/config"
	"github.com/FACorreiaa/go-trip-planner/internal/api"
	"github.com/FACorreiaa/go-trip-planner/internal/types"
)

// Define typed context keys
type contextKey string

const UserIDKey contextKey = "userID"
const UserRoleKey contextKey = "userRole"

var errMissingHeader = errors.New("authorization header required")

// Authenticate is middleware that rejects requests without a valid access token.
func Authenticate(logger *slog.Logger, jwtCfg config.JWTConfig) func(next http.Handler) http.Handler {
	verify := newVerifier(logger, jwtCfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			l := logger.With(slog.String("middleware", "Authenticate"))

			claims, err := verify(r)
			if err != nil {
				l.WarnContext(ctx, "Token validation failed", slog.Any("error", err))
				api.ErrorResponse(w, r, http.StatusUnauthorized, tokenErrorMessage(err))
				return
			}

			ctx = withClaims(ctx, claims)
			l.DebugContext(ctx, "Authentication successful, claims added to context", slog.String("userID", claims.UserID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuthenticate attaches the user to the context when a valid token
// is present and lets anonymous requests through. A token that is present
// but invalid is still rejected.
func OptionalAuthenticate(logger *slog.Logger, jwtCfg config.JWTConfig) func(next http.Handler) http.Handler {
	verify := newVerifier(logger, jwtCfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := verify(r)
			switch {
			case errors.Is(err, errMissingHeader):
				next.ServeHTTP(w, r)
			case err != nil:
				logger.WarnContext(r.Context(), "Token validation failed", slog.String("middleware", "OptionalAuthenticate"), slog.Any("error", err))
				api.ErrorResponse(w, r, http.StatusUnauthorized, tokenErrorMessage(err))
			default:
				next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
			}
		})
	}
}

func newVerifier(logger *slog.Logger, jwtCfg config.JWTConfig) func(r *http.Request) (*Claims, error) {
	secretKey := []byte(jwtCfg.SecretKey)
	if len(secretKey) == 0 {
		logger.Error("FATAL: JWT Secret Key is not configured!")
		panic("JWT Secret Key cannot be empty")
	}

	return func(r *http.Request) (*Claims, error) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			return nil, errMissingHeader
		}
		headerParts := strings.Split(authHeader, " ")
		if len(headerParts) != 2 || strings.ToLower(headerParts[0]) != "bearer" {
			return nil, fmt.Errorf("%w: authorization header format must be Bearer {token}", types.ErrUnauthenticated)
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(headerParts[1], claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secretKey, nil
		})
		if err != nil {
			return nil, err
		}
		if !token.Valid {
			return nil, fmt.Errorf("%w: invalid token", types.ErrUnauthenticated)
		}
		if claims.ExpiresAt == nil || time.Now().After(claims.ExpiresAt.Time) {
			return nil, jwt.ErrTokenExpired
		}
		if jwtCfg.Issuer != "" && claims.Issuer != jwtCfg.Issuer {
			return nil, fmt.Errorf("%w: issuer %q", jwt.ErrTokenInvalidIssuer, claims.Issuer)
		}
		if !api.VerifyAudience(claims.Audience, jwtCfg.Audience) {
			return nil, fmt.Errorf("%w: %v", jwt.ErrTokenInvalidAudience, claims.Audience)
		}
		if _, err := uuid.Parse(claims.UserID); err != nil {
			return nil, fmt.Errorf("%w: user id is not a uuid", types.ErrUnauthenticated)
		}
		return claims, nil
	}
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, errMissingHeader):
		return "Authorization header required"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token has expired"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	default:
		return "Invalid or expired token"
	}
}

func withClaims(ctx context.Context, claims *Claims) context.Context {
	userID, _ := uuid.Parse(claims.UserID)
	ctx = context.WithValue(ctx, UserIDKey, userID)
	if claims.Role != "" {
		ctx = context.WithValue(ctx, UserRoleKey, claims.Role)
	}
	return ctx
}

// GetUserIDFromContext returns the authenticated user, if any.
func GetUserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(UserIDKey).(uuid.UUID)
	return userID, ok && userID != uuid.Nil
}

func GetUserRoleFromContext(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(UserRoleKey).(string)
	return role, ok
}

// UserFromContext returns a pointer to the authenticated user, or nil for
// anonymous requests.
func UserFromContext(ctx context.Context) *uuid.UUID {
	if userID, ok := GetUserIDFromContext(ctx); ok {
		return &userID
	}
	return nil
}

// ContextWithUser is used by tests and internal callers that act on behalf of a user.
func ContextWithUser(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
