package auth

import (
	"testing"
	"time"
)

func TestFailedLoginLimiterBlocksAfterThreshold(t *testing.T) {
	t.Parallel()

	l := NewFailedLoginLimiter(3, time.Minute)
	email := "attacker@example.com"

	for i := 0; i < 3; i++ {
		if !l.Allow(email) {
			t.Fatalf("attempt %d should still be allowed", i)
		}
		l.RecordFailure(email)
	}
	if l.Allow(email) {
		t.Error("attempt after threshold failures should be blocked")
	}
}

func TestFailedLoginLimiterIsolatesKeys(t *testing.T) {
	t.Parallel()

	l := NewFailedLoginLimiter(1, time.Minute)
	l.RecordFailure("a@example.com")

	if !l.Allow("b@example.com") {
		t.Error("a different account's bucket should be unaffected")
	}
}

func TestFailedLoginLimiterResetRestoresBucket(t *testing.T) {
	t.Parallel()

	l := NewFailedLoginLimiter(1, time.Minute)
	email := "user@example.com"
	l.RecordFailure(email)
	if l.Allow(email) {
		t.Fatal("bucket should be exhausted before reset")
	}

	l.Reset(email)
	if !l.Allow(email) {
		t.Error("bucket should be allowed again after Reset")
	}
}
