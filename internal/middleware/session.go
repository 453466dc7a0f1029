package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/MikeHonkers/mementonos/internal/token"
	"github.com/MikeHonkers/mementonos/internal/util"
)

const (
	ClientCookieName   = "mementonos_client"
	ClientCookieMaxAge = 30 * 24 * time.Hour
)

const ClientTokenContextKey contextKey = "clientToken"

// GetClientToken returns the browser identity assigned by ClientIdentityMiddleware.
func GetClientToken(ctx context.Context) string {
	if tok, ok := ctx.Value(ClientTokenContextKey).(string); ok {
		return tok
	}
	return ""
}

func WithClientToken(ctx context.Context, clientToken string) context.Context {
	return context.WithValue(ctx, ClientTokenContextKey, clientToken)
}

// ClientIdentityMiddleware gives every browser a stable opaque identity used
// to key its in-memory pairing state and event streams.
type ClientIdentityMiddleware struct {
	secure bool
}

func NewClientIdentityMiddleware(secure bool) *ClientIdentityMiddleware {
	return &ClientIdentityMiddleware{secure: secure}
}

func (m *ClientIdentityMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientToken := ""
		if c, err := r.Cookie(ClientCookieName); err == nil && util.IsValidUUID(c.Value) {
			clientToken = c.Value
		}

		if clientToken == "" {
			clientToken = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     ClientCookieName,
				Value:    clientToken,
				Path:     "/",
				MaxAge:   int(ClientCookieMaxAge.Seconds()),
				HttpOnly: true,
				Secure:   m.secure,
				SameSite: http.SameSiteLaxMode,
			})
		}

		next.ServeHTTP(w, r.WithContext(WithClientToken(r.Context(), clientToken)))
	})
}

func SetTokenCookie(w http.ResponseWriter, value string, expiresAt time.Time, secure bool) {
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge <= 0 {
		maxAge = int(token.DefaultTTL.Seconds())
	}

	http.SetCookie(w, &http.Cookie{
		Name:     token.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func ClearTokenCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     token.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
