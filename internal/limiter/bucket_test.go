package limiter

import (
	"testing"
	"time"
)

func TestRetryAfter(t *testing.T) {
	p := Policy{Capacity: 100, Window: time.Minute}
	if got := retryAfter(p, 0); got != 600*time.Millisecond {
		t.Errorf("empty bucket: expected 600ms, got %s", got)
	}
	if got := retryAfter(p, 0.5); got != 300*time.Millisecond {
		t.Errorf("half token: expected 300ms, got %s", got)
	}
	if got := retryAfter(p, 1); got != 0 {
		t.Errorf("full token: expected 0, got %s", got)
	}
}

func TestDecide_FloorsRemaining(t *testing.T) {
	d := decide("k", Policy{Capacity: 10, Window: time.Hour}, true, 8.9)
	if d.Remaining != 8 {
		t.Errorf("expected remaining 8, got %d", d.Remaining)
	}
	if d.RetryAfter != 0 {
		t.Errorf("allowed decision should carry no retry hint, got %s", d.RetryAfter)
	}
}
