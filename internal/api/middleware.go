package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"
)

type contextKey int

const (
	ctxKeyWorker contextKey = iota
	ctxKeyLogger
)

// workerFromContext returns the authenticated worker id, or 0.
func workerFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(ctxKeyWorker).(int64)
	return id
}

// logFor returns the context-scoped logger, falling back to the default logger.
func logFor(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKeyLogger).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// loggerMiddleware creates a per-request logger with the request ID and
// stores it in the context. The ID is echoed in the X-Request-ID header.
func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := middleware.GetReqID(r.Context())
		if rid != "" {
			w.Header().Set("X-Request-ID", rid)
		}
		l := slog.Default().With("rid", rid)
		ctx := context.WithValue(r.Context(), ctxKeyLogger, l)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusOf returns the status a wrapped writer sent; 0 means nothing was
// written and net/http answers 200.
func statusOf(ww middleware.WrapResponseWriter) int {
	if ww.Status() == 0 {
		return http.StatusOK
	}
	return ww.Status()
}

// metricsMiddleware records request counts and categorizes response status codes.
func metricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			m.ObserveRequest(statusOf(ww), time.Since(start))
		})
	}
}

// recoveryMiddleware catches panics and returns a 500 response.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logFor(r.Context()).Error("panic recovered", "panic", rec, "path", r.URL.Path)
				writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request with method, path, status, and duration.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logFor(r.Context()).Info("req",
			"method", r.Method,
			"path", r.URL.Path,
			"status", statusOf(ww),
			"dur", time.Since(start).String(),
		)
	})
}

// requireWorker rejects requests without a valid access token and stores
// the worker id from the token subject in the context. It runs after
// jwtauth.Verifier.
func requireWorker(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _, err := jwtauth.FromContext(r.Context())
		if err != nil || token == nil {
			msg := "missing authorization header"
			if err != nil && !errors.Is(err, jwtauth.ErrNoTokenFound) {
				msg = "invalid or expired token"
			}
			writeError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, msg)
			return
		}
		id, err := strconv.ParseInt(token.Subject(), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "token subject is not a worker")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyWorker, id)
		ctx = context.WithValue(ctx, ctxKeyLogger, logFor(ctx).With("worker", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
