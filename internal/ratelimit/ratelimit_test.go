package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestAdmitUpToMax(t *testing.T) {
	l := New(5, 10*time.Minute)
	now := time.Now()

	for i := 0; i < 5; i++ {
		ok, _ := l.Admit(42, now)
		if !ok {
			t.Fatalf("submission %d should be admitted", i+1)
		}
	}

	ok, retryAfter := l.Admit(42, now)
	if ok {
		t.Fatal("sixth submission should be denied")
	}
	if retryAfter != 10*time.Minute {
		t.Errorf("retryAfter = %v, want 10m", retryAfter)
	}
}

func TestWindowSlides(t *testing.T) {
	l := New(5, 10*time.Minute)
	base := time.Now()

	// Fill the window with submissions one minute apart.
	for i := 0; i < 5; i++ {
		if ok, _ := l.Admit(7, base.Add(time.Duration(i)*time.Minute)); !ok {
			t.Fatalf("submission %d should be admitted", i+1)
		}
	}

	now := base.Add(5 * time.Minute)
	ok, retryAfter := l.Admit(7, now)
	if ok {
		t.Fatal("window is full, should deny")
	}
	// Oldest submission was at base, so it ages out at base+10m.
	if retryAfter != 5*time.Minute {
		t.Errorf("retryAfter = %v, want 5m", retryAfter)
	}

	// Once the oldest entry falls out of the window the user gets a slot back.
	if ok, _ := l.Admit(7, base.Add(10*time.Minute+time.Second)); !ok {
		t.Fatal("should be admitted after oldest entry aged out")
	}
}

func TestUsersAreIndependent(t *testing.T) {
	l := New(2, time.Minute)
	now := time.Now()

	l.Admit(1, now)
	l.Admit(1, now)
	if ok, _ := l.Admit(1, now); ok {
		t.Fatal("user 1 should be rate limited")
	}
	if ok, _ := l.Admit(2, now); !ok {
		t.Fatal("user 2 should not be affected by user 1")
	}
}

func TestPeekDoesNotRecord(t *testing.T) {
	l := New(2, time.Minute)
	now := time.Now()

	for i := 0; i < 10; i++ {
		if ok, _ := l.Peek(5, now); !ok {
			t.Fatal("peek should never consume a slot")
		}
	}
	if got := l.Remaining(5, now); got != 2 {
		t.Errorf("Remaining = %d, want 2", got)
	}

	l.Admit(5, now)
	l.Admit(5, now)
	if ok, retryAfter := l.Peek(5, now); ok || retryAfter != time.Minute {
		t.Errorf("Peek after fill = (%v, %v), want (false, 1m)", ok, retryAfter)
	}
}

func TestReset(t *testing.T) {
	l := New(1, time.Hour)
	now := time.Now()

	l.Admit(9, now)
	if ok, _ := l.Admit(9, now); ok {
		t.Fatal("should be limited")
	}
	l.Reset(9)
	if ok, _ := l.Admit(9, now); !ok {
		t.Fatal("should be admitted after reset")
	}
}

func TestConcurrentAdmitNeverExceedsMax(t *testing.T) {
	const max = 5
	l := New(max, time.Hour)
	now := time.Now()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Admit(1, now); ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != max {
		t.Errorf("admitted %d submissions, want exactly %d", admitted, max)
	}
}
