package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tjfontaine/switchboard/internal/core/domain"
)

// TimeoutMiddleware bounds every request's context. Handlers here only touch
// storage and the buffer, so the bound guards against a stalled database;
// dispatch runs on workers and is never tied to an HTTP request.
//
// Cancellation is cooperative. A handler that gives up on the deadline
// without writing anything gets a 504 with a timeout error body.
// A non-positive timeout disables the middleware.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			tw := &timeoutWriter{ResponseWriter: w}
			r = r.WithContext(ctx)
			next.ServeHTTP(tw, r)

			if !tw.wrote && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				writeError(w, r, domain.ErrTimeout("request exceeded %s", timeout))
			}
		})
	}
}

type timeoutWriter struct {
	http.ResponseWriter
	wrote bool
}

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.wrote = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.wrote = true
	return tw.ResponseWriter.Write(b)
}

func (tw *timeoutWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}
