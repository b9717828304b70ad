package api

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Authenticator resolves the calling user. Identity lives outside this
// service; the production implementation trusts the header the reverse proxy
// injects after verifying the session.
type Authenticator interface {
	UserID(r *http.Request) (string, error)
}

// HeaderAuthenticator reads the user ID from a trusted request header.
type HeaderAuthenticator struct {
	Header string
}

func (a HeaderAuthenticator) UserID(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(a.Header))
	if id == "" {
		return "", ErrNoIdentity
	}
	return id, nil
}

// ErrNoIdentity means the request carried no usable identity.
var ErrNoIdentity = &authError{"request carries no identity"}

type authError struct{ msg string }

func (e *authError) Error() string { return e.msg }

type userIDKey struct{}

// AuthMiddleware resolves the caller once and stores the user ID in the
// request context. Unauthenticated requests never reach the handlers.
func AuthMiddleware(auth Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := auth.UserID(r)
			if err != nil {
				logger.Debug("request rejected without identity",
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
				writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required", "")
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey{}, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID returns the authenticated user stored by AuthMiddleware.
func UserID(r *http.Request) (string, bool) {
	id, ok := r.Context().Value(userIDKey{}).(string)
	return id, ok && id != ""
}
