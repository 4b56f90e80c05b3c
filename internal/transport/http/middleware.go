package httptransport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKeyReviewer struct{}

// ReviewerIdentity returns the verified human identity from the request
// context, or empty when the request was not authenticated.
func ReviewerIdentity(ctx context.Context) string {
	identity, _ := ctx.Value(contextKeyReviewer{}).(string)
	return identity
}

// RequireReviewer authenticates review endpoints. The token's subject claim
// is the human identity recorded on approvals; a request without one cannot
// approve anything, which keeps automated callers out by construction.
func RequireReviewer(key []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "missing bearer token"})
				return
			}
			subject, err := verifyToken(raw, key)
			if err != nil {
				logger.Warn("review token rejected", "error", err)
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "invalid or expired token"})
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyReviewer{}, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verifyToken(raw string, key []byte) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("token has no subject claim")
	}
	return subject, nil
}
