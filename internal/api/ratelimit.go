package api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// DeleteRateLimiter is a token bucket shared by all DELETE requests.
type DeleteRateLimiter struct {
	limiter *rate.Limiter
}

// NewDeleteRateLimiter allows a burst of burst requests and refills one token
// every refill.
func NewDeleteRateLimiter(burst int, refill time.Duration) *DeleteRateLimiter {
	return &DeleteRateLimiter{
		limiter: rate.NewLimiter(rate.Every(refill), burst),
	}
}

// Middleware rejects requests with 429 once the bucket is empty.
func (d *DeleteRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := d.limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			WriteProblem(w, r, http.StatusTooManyRequests, "Delete rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
