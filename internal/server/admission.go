package server

import (
	"math"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/tjfontaine/switchboard/internal/core/domain"
)

// AdmissionMiddleware sheds load with a token bucket. Rejected calls get an
// overload_rejected error and a Retry-After hint. A non-positive limit
// disables admission control.
func AdmissionMiddleware(limit float64, burst int) func(http.Handler) http.Handler {
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = int(math.Ceil(limit))
	}
	limiter := rate.NewLimiter(rate.Limit(limit), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := limiter.Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				writeError(w, r, domain.ErrOverloaded("ingress is over its admission rate"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
