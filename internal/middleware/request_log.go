package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rentora/internal/logger"
)

// RequestLog логирует каждый запрос: method, path, статус ответа и время
// выполнения. Пишет асинхронно, не блокирует handler.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrap, r)
		logger.LogDuration(fmt.Sprintf("http %s %s %d", r.Method, r.URL.Path, wrap.status), start)
	})
}
