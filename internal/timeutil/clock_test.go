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
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_NewTimer(t *testing.T) {
	clock := RealClock{}
	timer := clock.NewTimer(10 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C():
		// Timer fired as expected
	case <-time.After(time.Second):
		t.Error("timer did not fire")
	}
}

func TestRealClock_AfterFunc(t *testing.T) {
	clock := RealClock{}
	fired := make(chan struct{})
	timer := clock.AfterFunc(10*time.Millisecond, func() { close(fired) })
	defer timer.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Error("AfterFunc callback did not run")
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
		// Ticker fired as expected
	case <-time.After(time.Second):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_Now(t *testing.T) {
	fixedTime := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(fixedTime)
	now := clock.Now()

	if !now.Equal(fixedTime) {
		t.Errorf("got %v, want %v", now, fixedTime)
	}
}

func TestMockClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	clock.Advance(time.Hour)
	expected := start.Add(time.Hour)

	if !clock.Now().Equal(expected) {
		t.Errorf("got %v, want %v", clock.Now(), expected)
	}
	if clock.Since(start) != time.Hour {
		t.Errorf("Since() = %v, want 1h", clock.Since(start))
	}
}

func TestMockClock_Timer(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	timer := clock.NewTimer(5 * time.Minute)

	select {
	case <-timer.C():
		t.Error("timer fired too early")
	default:
	}

	clock.Advance(6 * time.Minute)

	select {
	case <-timer.C():
	default:
		t.Error("timer did not fire after advance")
	}
}

func TestMockClock_Timer_Stop(t *testing.T) {
	clock := NewMockClock(time.Now())
	timer := clock.NewTimer(time.Minute)

	if !timer.Stop() {
		t.Error("Stop should return true for active timer")
	}
	if timer.Stop() {
		t.Error("second Stop should return false")
	}

	clock.Advance(2 * time.Minute)

	select {
	case <-timer.C():
		t.Error("stopped timer should not fire")
	default:
	}
}

func TestMockClock_AfterFuncFiresInDeadlineOrder(t *testing.T) {
	clock := NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	var order []string
	clock.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	clock.AfterFunc(time.Second, func() { order = append(order, "a") })
	clock.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	clock.Advance(5 * time.Second)

	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("fired %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestMockClock_AfterFuncRescheduledInsideWindow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	var seen []time.Duration
	var schedule func()
	schedule = func() {
		clock.AfterFunc(time.Second, func() {
			seen = append(seen, clock.Since(start))
			if len(seen) < 4 {
				schedule()
			}
		})
	}
	schedule()

	clock.Advance(10 * time.Second)

	if len(seen) != 4 {
		t.Fatalf("callbacks fired %d times, want 4", len(seen))
	}
	for i, d := range seen {
		if want := time.Duration(i+1) * time.Second; d != want {
			t.Errorf("callback %d saw clock at %v, want %v", i, d, want)
		}
	}
	if clock.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", clock.Pending())
	}
}

func TestMockClock_AfterFuncStopped(t *testing.T) {
	clock := NewMockClock(time.Now())
	called := false
	timer := clock.AfterFunc(time.Second, func() { called = true })

	if timer.C() != nil {
		t.Error("AfterFunc timer should have a nil channel")
	}
	timer.Stop()
	clock.Advance(time.Minute)

	if called {
		t.Error("stopped AfterFunc callback should not run")
	}
}

func TestMockClock_Ticker(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	ticker := clock.NewTicker(time.Minute)

	select {
	case <-ticker.C():
		t.Error("ticker fired too early")
	default:
	}

	clock.Advance(time.Minute)

	select {
	case <-ticker.C():
	default:
		t.Error("ticker did not fire after first interval")
	}
}

func TestMockClock_Ticker_Stop(t *testing.T) {
	clock := NewMockClock(time.Now())
	ticker := clock.NewTicker(time.Second)
	ticker.Stop()
	clock.Advance(5 * time.Second)

	select {
	case <-ticker.C():
		t.Error("stopped ticker should not tick")
	default:
	}
}

func TestMockTimer_Reset(t *testing.T) {
	clock := NewMockClock(time.Now())
	timer := clock.NewTimer(time.Minute)

	timer.Stop()
	timer.Reset(30 * time.Second)

	clock.Advance(20 * time.Second)
	select {
	case <-timer.C():
		t.Error("timer fired too early after reset")
	default:
	}

	clock.Advance(10 * time.Second)
	select {
	case <-timer.C():
	default:
		t.Error("timer did not fire at the reset deadline")
	}
}

func TestMockTicker_Trigger(t *testing.T) {
	clock := NewMockClock(time.Now())
	ticker := clock.NewTicker(time.Hour).(*MockTicker)
	now := clock.Now()
	ticker.Trigger(now)

	select {
	case received := <-ticker.C():
		if !received.Equal(now) {
			t.Errorf("got %v, want %v", received, now)
		}
	default:
		t.Error("Trigger did not send tick")
	}
}
