package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// FailedLoginLimiter throttles repeated failed login attempts per account, independently of the coarse,
// route-wide API rate limiter: a token bucket keyed by email address, refilling at FailedLoginThreshold tokens over
// FailedLoginCooldown, so an attacker hammering one account is slowed without affecting any other account sharing
// the same IP (something the Fiber middleware's single shared limiter key cannot express).
type FailedLoginLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	threshold int
	cooldown  time.Duration
}

// NewFailedLoginLimiter constructs a limiter allowing threshold failed attempts per account, refilling fully over
// cooldown.
func NewFailedLoginLimiter(threshold int, cooldown time.Duration) *FailedLoginLimiter {
	return &FailedLoginLimiter{
		limiters:  make(map[string]*rate.Limiter),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether another failed-login attempt against email is currently permitted. Call this before
// verifying a password; it does not itself record the attempt as failed (call RecordFailure after a failed check).
func (l *FailedLoginLimiter) Allow(email string) bool {
	return l.limiterFor(email).Tokens() >= 1
}

// RecordFailure consumes one token from email's bucket, tightening the limit after a failed attempt.
func (l *FailedLoginLimiter) RecordFailure(email string) {
	l.limiterFor(email).Allow()
}

// Reset restores email's bucket to full, called after a successful login.
func (l *FailedLoginLimiter) Reset(email string) {
	l.mu.Lock()
	delete(l.limiters, email)
	l.mu.Unlock()
}

func (l *FailedLoginLimiter) limiterFor(email string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[email]
	if !ok {
		every := rate.Every(l.cooldown / time.Duration(max(l.threshold, 1)))
		lim = rate.NewLimiter(every, l.threshold)
		l.limiters[email] = lim
	}
	return lim
}
