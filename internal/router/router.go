package router

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/readmark/auth-service/internal/auth"
	"github.com/readmark/auth-service/internal/auth/entity"
)

// loggingResponseWriter wraps http.ResponseWriter to capture status and size.
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.status == 0 {
		lrw.status = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.size += n
	return n, err
}

// LoggingMiddleware returns a middleware that logs requests at debug level using the provided sugared logger.
func LoggingMiddleware(logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}
			next.ServeHTTP(lrw, r)
			dur := time.Since(start)
			// ensure status is set
			status := lrw.status
			if status == 0 {
				status = http.StatusOK
			}
			logger.Debugw("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"status", status,
				"duration_ms", float64(dur.Microseconds())/1000.0,
				"size", lrw.size,
			)
		})
	}
}

// SecurityHeadersMiddleware sets common HTTP security headers. Auth responses
// carry tokens, so caching is disabled across the board.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Prevent MIME sniffing
			w.Header().Set("X-Content-Type-Options", "nosniff")

			// Clickjacking protection
			w.Header().Set("X-Frame-Options", "DENY")

			// Referrer policy
			w.Header().Set("Referrer-Policy", "no-referrer-when-downgrade")

			// Token-bearing responses must never be cached
			w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
			w.Header().Set("Pragma", "no-cache")

			// HSTS - instruct browsers to use HTTPS for future requests. Only set if request is over TLS.
			if r.TLS != nil {
				// 30 days by default
				w.Header().Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RegisterRoutes mounts the auth endpoints on the standard library's
// http.ServeMux and wraps them with the shared middleware.
func RegisterRoutes(logger *zap.SugaredLogger, authHandler *auth.Handler) http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /api/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/auth/login", authHandler.Login)
	mux.HandleFunc("POST /api/auth/external", authHandler.ExternalLogin)
	mux.HandleFunc("POST /api/auth/refresh", authHandler.Refresh)
	mux.HandleFunc("POST /api/auth/logout", authHandler.Logout)
	mux.HandleFunc("POST /api/auth/password/forgot", authHandler.ForgotPassword)
	mux.HandleFunc("POST /api/auth/password/reset", authHandler.ResetPassword)
	mux.HandleFunc("POST /api/auth/password/change", authHandler.RequireAuth(authHandler.ChangePassword))
	mux.HandleFunc("POST /api/auth/verify-email", authHandler.VerifyEmail)
	mux.HandleFunc("POST /api/auth/verify-email/resend", authHandler.RequireAuth(authHandler.ResendVerification))

	mux.HandleFunc("GET /api/users/me", authHandler.RequireAuth(authHandler.Me))
	mux.HandleFunc("PATCH /api/users/me", authHandler.RequireAuth(authHandler.UpdateProfile))
	mux.HandleFunc("DELETE /api/users/me", authHandler.RequireAuth(authHandler.DeleteAccount))

	// admin surface
	mux.HandleFunc("GET /api/admin/users", authHandler.RequireAuth(authHandler.RequireRole(entity.RoleAdmin, authHandler.ListUsers)))
	mux.HandleFunc("GET /api/admin/users/{id}", authHandler.RequireAuth(authHandler.RequireRole(entity.RoleAdmin, authHandler.GetUserByID)))
	mux.HandleFunc("PATCH /api/admin/users/{id}/role", authHandler.RequireAuth(authHandler.RequireRole(entity.RoleAdmin, authHandler.UpdateUserRole)))

	// wrap with security headers middleware then logging middleware
	handler := LoggingMiddleware(logger)(SecurityHeadersMiddleware()(mux))
	return handler
}
