package session

import (
	"golang.org/x/time/rate"
)

// ClientRateLimiter token-gates inbound frames per connection, so one
// misbehaving client cannot starve the read pump's CPU budget. Uses a
// standard token bucket, the same algorithm the teacher documents and
// implements for per-connection inbound throttling.
type ClientRateLimiter struct {
	limiter *rate.Limiter
}

// NewClientRateLimiter allows up to burst frames immediately, then
// ratePerSecond sustained.
func NewClientRateLimiter(ratePerSecond float64, burst int) *ClientRateLimiter {
	return &ClientRateLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// CheckLimit reports whether the current frame is within budget.
func (r *ClientRateLimiter) CheckLimit() bool {
	return r.limiter.Allow()
}
