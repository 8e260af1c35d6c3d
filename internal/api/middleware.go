package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"rental-queue/internal/common/auth"
	"rental-queue/internal/common/errors"
	"rental-queue/internal/common/logger"

	"github.com/google/uuid"
)

type contextKey string

const (
	ctxCallerKey    contextKey = "caller"
	ctxRequestIDKey contextKey = "request_id"
)

// Caller is the authenticated subject of a request.
type Caller struct {
	ID    string
	Roles []string
}

func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(ctxCallerKey).(Caller)
	return c, ok
}

func withCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, ctxCallerKey, c)
}

// TokenValidator resolves a bearer token to its subject.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*auth.TokenInfo, error)
}

type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so the first one listed runs outermost.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRequestIDKey, id)))
	})
}

func Logging(log logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			fields := map[string]interface{}{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     rec.status,
				"durationMs": time.Since(start).Milliseconds(),
			}
			if id, ok := r.Context().Value(ctxRequestIDKey).(string); ok {
				fields["requestId"] = id
			}
			if rec.status >= http.StatusInternalServerError {
				log.Error("request failed", fields)
				return
			}
			log.Info("request handled", fields)
		})
	}
}

func Recover(log logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					log.Error("panic in handler", map[string]interface{}{
						"path":  r.URL.Path,
						"panic": fmt.Sprint(p),
					})
					writeError(w, errors.NewInternalError(fmt.Errorf("panic: %v", p)))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func Timeout(d time.Duration) Middleware {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Authenticate introspects the bearer token and stores the caller in the context.
func Authenticate(tokens TokenValidator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				writeUnauthenticated(w, "missing or malformed bearer token")
				return
			}

			info, err := tokens.ValidateToken(r.Context(), strings.TrimSpace(parts[1]))
			if err != nil {
				if errors.IsAuthorization(err) {
					writeUnauthenticated(w, "invalid token")
					return
				}
				writeError(w, err)
				return
			}

			caller := Caller{ID: info.Sub, Roles: info.RealmAccess.Roles}
			next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
		})
	}
}
