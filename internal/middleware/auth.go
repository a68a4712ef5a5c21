package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/rentora/internal/service"
)

// BearerAuth проверяет токен из Authorization: Bearer ... (или ?token= для
// WebSocket-апгрейда, где заголовки недоступны из браузера) и кладёт user_id
// в контекст запроса.
func BearerAuth(auth *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			userID, err := auth.ValidateToken(r.Context(), token)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok && after != "" {
		return after
	}
	return r.URL.Query().Get("token")
}
