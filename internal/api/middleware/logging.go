package middleware

import (
	"net/http"

	"auction-engine/pkg/logger"
)

// RequestLogging logs every request reaching a plain net/http router. The
// websocket routes live outside Echo's own request logger.
func RequestLogging(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Info("Websocket request",
				"method", r.Method,
				"path", r.URL.Path,
				"origin", r.Header.Get("Origin"),
				"remote_addr", r.RemoteAddr,
				"user_agent", r.Header.Get("User-Agent"))

			next.ServeHTTP(w, r)
		})
	}
}
