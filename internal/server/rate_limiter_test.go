package server

import (
	"testing"
	"time"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Enabled: true, Limit: 3, Window: time.Minute})
	defer rl.close()

	now := time.Now()
	for i := 0; i < 3; i++ {
		v := rl.allow("owner-a", now.Add(time.Duration(i)*time.Second))
		if !v.Allowed {
			t.Fatalf("request %d denied under the limit", i)
		}
		if v.Count != i+1 {
			t.Errorf("count = %d, want %d", v.Count, i+1)
		}
	}

	v := rl.allow("owner-a", now.Add(3*time.Second))
	if v.Allowed {
		t.Fatal("4th request allowed over limit 3")
	}
	if v.Count != 3 || v.Limit != 3 {
		t.Errorf("verdict = %+v", v)
	}
	if want := now.Add(time.Minute); !v.ResetAt.Equal(want) {
		t.Errorf("resetAt = %v, want oldest + window = %v", v.ResetAt, want)
	}

	// a denied attempt is not recorded: sliding past the oldest frees a slot
	v = rl.allow("owner-a", now.Add(time.Minute+time.Millisecond))
	if !v.Allowed {
		t.Error("request after window slide denied")
	}
}

func TestRateLimiterIsolatesOwners(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Enabled: true, Limit: 1, Window: time.Minute})
	defer rl.close()

	now := time.Now()
	if v := rl.allow("owner-a", now); !v.Allowed {
		t.Fatal("owner-a first request denied")
	}
	if v := rl.allow("owner-b", now); !v.Allowed {
		t.Error("owner-b throttled by owner-a's submissions")
	}
	if v := rl.allow("owner-a", now); v.Allowed {
		t.Error("owner-a second request allowed over limit 1")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Enabled: false, Limit: 1, Window: time.Minute})
	defer rl.close()

	now := time.Now()
	for i := 0; i < 10; i++ {
		if v := rl.allow("owner-a", now); !v.Allowed {
			t.Fatal("disabled limiter denied a request")
		}
	}
}

func TestPrune(t *testing.T) {
	now := time.Now()
	times := []time.Time{now.Add(-3 * time.Minute), now.Add(-2 * time.Minute), now.Add(-30 * time.Second)}
	got := prune(times, now.Add(-time.Minute))
	if len(got) != 1 {
		t.Fatalf("survivors = %d, want 1", len(got))
	}
	if !got[0].Equal(times[2]) {
		t.Error("wrong survivor")
	}
}
