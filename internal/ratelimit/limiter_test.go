package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(max int, window time.Duration) (*Limiter, *time.Time) {
	l := NewLimiter(Config{Window: window, MaxRequests: max, Enabled: true})
	current := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return current }
	return l, &current
}

func TestCheckAndRecord_AdmitsUpToCap(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !l.CheckAndRecord("device-1") {
			t.Fatalf("request %d should be admitted", i)
		}
	}
	if l.CheckAndRecord("device-1") {
		t.Error("request over cap should be rejected")
	}
}

func TestCheckAndRecord_RejectionNotRecorded(t *testing.T) {
	l, current := newTestLimiter(1, time.Minute)

	if !l.CheckAndRecord("device-1") {
		t.Fatal("first request should be admitted")
	}
	// Hammering while capped must not extend the window.
	for i := 0; i < 5; i++ {
		if l.CheckAndRecord("device-1") {
			t.Fatal("capped request should be rejected")
		}
	}

	*current = current.Add(time.Minute + time.Second)
	if !l.CheckAndRecord("device-1") {
		t.Error("request after window elapsed should be admitted")
	}
}

func TestCheckAndRecord_WindowSlides(t *testing.T) {
	l, current := newTestLimiter(2, time.Minute)

	l.CheckAndRecord("device-1")
	*current = current.Add(40 * time.Second)
	l.CheckAndRecord("device-1")

	if l.CheckAndRecord("device-1") {
		t.Fatal("should be capped with two requests in window")
	}

	// First timestamp ages out; the second is still inside the window.
	*current = current.Add(30 * time.Second)
	if !l.CheckAndRecord("device-1") {
		t.Error("should be admitted after oldest timestamp expired")
	}
	if l.CheckAndRecord("device-1") {
		t.Error("should be capped again")
	}
}

func TestCheckAndRecord_ActorsIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	if !l.CheckAndRecord("device-1") {
		t.Fatal("device-1 should be admitted")
	}
	if !l.CheckAndRecord("device-2") {
		t.Error("device-2 should have its own window")
	}
}

func TestCheckAndRecord_Disabled(t *testing.T) {
	l := NewLimiter(Config{Window: time.Minute, MaxRequests: 1, Enabled: false})
	for i := 0; i < 10; i++ {
		if !l.CheckAndRecord("device-1") {
			t.Fatal("disabled limiter should always admit")
		}
	}
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)

	if got := l.Remaining("device-1"); got != 3 {
		t.Errorf("Remaining = %d, want 3", got)
	}
	l.CheckAndRecord("device-1")
	l.CheckAndRecord("device-1")
	if got := l.Remaining("device-1"); got != 1 {
		t.Errorf("Remaining = %d, want 1", got)
	}
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	l.CheckAndRecord("device-1")
	if l.CheckAndRecord("device-1") {
		t.Fatal("should be capped")
	}
	l.Reset("device-1")
	if !l.CheckAndRecord("device-1") {
		t.Error("should be admitted after reset")
	}
}

func TestGetStatus(t *testing.T) {
	l, _ := newTestLimiter(2, time.Minute)

	status := l.GetStatus("device-1")
	if !status.AllowedNow || status.Remaining != 2 {
		t.Errorf("status = %+v, want allowed with 2 remaining", status)
	}

	l.CheckAndRecord("device-1")
	l.CheckAndRecord("device-1")
	status = l.GetStatus("device-1")
	if status.AllowedNow || status.Remaining != 0 {
		t.Errorf("status = %+v, want blocked with 0 remaining", status)
	}
}
