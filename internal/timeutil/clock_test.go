package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	if d := clock.Since(past); d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_NewTimer(t *testing.T) {
	clock := RealClock{}
	timer := clock.NewTimer(10 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Error("timer did not fire")
	}
}

func TestMockClock_TimerFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	timer := clock.NewTimer(50 * time.Millisecond)

	clock.Advance(49 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired before its deadline")
	default:
	}
	if got := clock.PendingTimers(); got != 1 {
		t.Errorf("PendingTimers() = %d, want 1", got)
	}

	clock.Advance(time.Millisecond)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire at its deadline")
	}
	if got := clock.PendingTimers(); got != 0 {
		t.Errorf("PendingTimers() = %d after firing, want 0", got)
	}
}

func TestMockClock_StoppedTimerDoesNotFire(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	timer := clock.NewTimer(time.Millisecond)
	if !timer.Stop() {
		t.Fatal("Stop() on an armed timer should report true")
	}
	clock.Advance(time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
	if timer.Stop() {
		t.Error("second Stop() should report false")
	}
}

func TestMockClock_SleepRecords(t *testing.T) {
	start := time.Unix(100, 0)
	clock := NewMockClock(start)
	clock.Sleep(3 * time.Millisecond)
	clock.Sleep(5 * time.Millisecond)

	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 3*time.Millisecond || sleeps[1] != 5*time.Millisecond {
		t.Errorf("Sleeps() = %v", sleeps)
	}
	if !clock.Now().Equal(start) {
		t.Errorf("Sleep moved a manual clock to %v", clock.Now())
	}
}

func TestMockClock_AutoAdvance(t *testing.T) {
	start := time.Unix(0, 0)
	clock := NewMockClock(start)
	clock.SetAutoAdvance(true)

	clock.Sleep(3 * time.Millisecond)
	if got := clock.Since(start); got != 3*time.Millisecond {
		t.Errorf("Since(start) = %v after auto sleep, want 3ms", got)
	}

	timer := clock.NewTimer(20 * time.Millisecond)
	select {
	case <-timer.C():
	default:
		t.Fatal("auto-advance timer should already have fired")
	}
	if got := clock.Since(start); got != 23*time.Millisecond {
		t.Errorf("Since(start) = %v, want 23ms", got)
	}
}
