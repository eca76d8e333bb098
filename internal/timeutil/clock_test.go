package timeutil

import (
	"testing"
	"time"
)

func TestRealClockNowIsUTC(t *testing.T) {
	now := RealClock{}.Now()
	if now.Location() != time.UTC {
		t.Errorf("Now() location = %v, want UTC", now.Location())
	}
}

func TestMockClockAdvanceFiresTimer(t *testing.T) {
	start := time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	timer := clock.NewTimer(10 * time.Minute)

	clock.Advance(5 * time.Minute)
	select {
	case <-timer.C():
		t.Fatal("timer fired before its deadline")
	default:
	}

	clock.Advance(5 * time.Minute)
	select {
	case fired := <-timer.C():
		want := start.Add(10 * time.Minute)
		if !fired.Equal(want) {
			t.Errorf("timer fired at %v, want %v", fired, want)
		}
	default:
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestMockClockStoppedTimerDoesNotFire(t *testing.T) {
	clock := NewMockClock(time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC))
	timer := clock.NewTimer(time.Minute)

	if !timer.Stop() {
		t.Error("Stop on an active timer should report true")
	}
	clock.Advance(2 * time.Minute)

	select {
	case <-timer.C():
		t.Error("stopped timer fired")
	default:
	}
}

func TestMockClockTickerFiresRepeatedly(t *testing.T) {
	start := time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	ticker := clock.NewTicker(time.Hour)
	defer ticker.Stop()

	for i := 1; i <= 3; i++ {
		clock.Advance(time.Hour)
		select {
		case <-ticker.C():
		default:
			t.Fatalf("tick %d not delivered", i)
		}
	}
}

func TestMockClockSetDoesNotFire(t *testing.T) {
	clock := NewMockClock(time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC))
	timer := clock.NewTimer(time.Minute)

	clock.Set(time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC))
	select {
	case <-timer.C():
		t.Error("Set should not fire timers")
	default:
	}

	if got := clock.Now().Year(); got != 2022 {
		t.Errorf("Now() year = %d, want 2022", got)
	}
}

func TestMockClockSleepRecords(t *testing.T) {
	clock := NewMockClock(time.Now())
	clock.Sleep(3 * time.Second)
	clock.Sleep(time.Second)

	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 3*time.Second || sleeps[1] != time.Second {
		t.Errorf("Sleeps() = %v, want [3s 1s]", sleeps)
	}
}
