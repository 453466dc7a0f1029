package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/MikeHonkers/mementonos/internal/audit"
	apperrors "github.com/MikeHonkers/mementonos/internal/errors"
	"github.com/MikeHonkers/mementonos/internal/token"
)

type contextKey string

const AuthContextKey contextKey = "auth"

type TokenVerifier interface {
	Verify(raw string) token.Verification
}

// GetAuth returns the verified session attached by AuthMiddleware.
func GetAuth(ctx context.Context) (token.Verification, bool) {
	v, ok := ctx.Value(AuthContextKey).(token.Verification)
	return v, ok && v.Authenticated()
}

type AuthMiddleware struct {
	verifier TokenVerifier
}

func NewAuthMiddleware(verifier TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := m.verifier.Verify(TokenFromRequest(r))
		if !v.Authenticated() {
			if v.Status != token.StatusMissing {
				log.Debug().Stringer("status", v.Status).Msg("auth middleware: token rejected")
				audit.LogFromRequest(r, audit.Event{
					Type:    audit.EventTokenRejected,
					Details: map[string]any{"reason": v.Status.String()},
				})
			}
			if v.Status == token.StatusMissing {
				writeError(w, apperrors.Unauthorized("Authentication required"))
			} else {
				writeError(w, apperrors.InvalidToken("Session expired, please log in again"))
			}
			return
		}

		ctx := context.WithValue(r.Context(), AuthContextKey, v)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TokenFromRequest reads the session token cookie, falling back to a bearer header.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(token.CookieName); err == nil && c.Value != "" {
		return c.Value
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
