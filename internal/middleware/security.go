package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apperrors "keygate/internal/errors"
	"keygate/internal/infrastructure"
)

type adminClientKey struct{}

// AdminAuth guards operator routes with a static token supplied in the
// X-Admin-Token header and compared in constant time. An empty
// configured token disables the gate, which is the local development
// mode.
func AdminAuth(token string, logger *slog.Logger) func(next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			provided := r.Header.Get("X-Admin-Token")
			if provided == "" {
				logger.WarnContext(ctx, "missing admin token",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				renderUnauthorized(w, r, "Admin token required")
				return
			}

			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				logger.WarnContext(ctx, "invalid admin token",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				renderUnauthorized(w, r, "Invalid admin token")
				return
			}

			ctx = context.WithValue(ctx, adminClientKey{}, "admin")
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminClient returns the identity set by AdminAuth, or "" when the
// request did not pass the gate.
func AdminClient(ctx context.Context) string {
	if client, ok := ctx.Value(adminClientKey{}).(string); ok {
		return client
	}
	return ""
}

func renderUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	problem := apperrors.NewProblemDetails(
		http.StatusUnauthorized,
		apperrors.TypeUnauthorized,
		"Unauthorized",
		detail,
		r.URL.Path,
	).WithExtension("trace_id", infrastructure.GetTraceID(r.Context()))

	render.Render(w, r, problem)
}

// AuditLog records operator actions on the admin surface after they
// complete, with the outcome status attached.
func AuditLog(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := time.Now()

			client := AdminClient(ctx)
			if client == "" {
				client = "anonymous"
			}

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.InfoContext(ctx, "admin action",
				slog.String("client", client),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("query", r.URL.RawQuery),
				slog.Int("status", ww.Status()),
				slog.String("remote_addr", r.RemoteAddr),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
