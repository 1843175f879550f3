package marketdata

import (
	"testing"
	"time"
)

func mustCal(t *testing.T, holidays map[string]string) *Calendar {
	t.Helper()
	c, err := NewCalendar("UTC", 9, 30, 16, 0, holidays)
	if err != nil {
		t.Fatalf("NewCalendar: %v", err)
	}
	return c
}

func TestIsTradingDaySkipsWeekendsAndHolidays(t *testing.T) {
	c := mustCal(t, map[string]string{"2026-01-01": "New Year"})

	sat := time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC)
	if c.IsTradingDay(sat) {
		t.Error("Saturday should not be a trading day")
	}
	holiday := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if c.IsTradingDay(holiday) {
		t.Error("declared holiday should not be a trading day")
	}
	weekday := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	if !c.IsTradingDay(weekday) {
		t.Error("ordinary weekday should be a trading day")
	}
}

func TestIsMarketOpen(t *testing.T) {
	c := mustCal(t, nil)
	open := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC) // Friday
	if !c.IsMarketOpen(open) {
		t.Error("expected market open at 10:00 on a weekday")
	}
	closed := time.Date(2026, 1, 2, 17, 0, 0, 0, time.UTC)
	if c.IsMarketOpen(closed) {
		t.Error("expected market closed at 17:00")
	}
}

func TestNextInstantIsSmallestFutureMatch(t *testing.T) {
	c := mustCal(t, nil)
	// Thursday 2026-01-01 is a holiday-free Thursday in this calendar.
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	next := c.NextInstant(now, 9, 30, nil)
	want := time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}

	// If now is after the target time, the next instant rolls to tomorrow.
	now2 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	next2 := c.NextInstant(now2, 9, 30, nil)
	want2 := time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC)
	if !next2.Equal(want2) {
		t.Errorf("expected %v, got %v", want2, next2)
	}
}

func TestNextInstantRespectsWeekdayFilter(t *testing.T) {
	c := mustCal(t, nil)
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC) // Thursday
	next := c.NextInstant(now, 9, 0, []time.Weekday{time.Monday})
	if next.Weekday() != time.Monday {
		t.Errorf("expected Monday, got %v", next.Weekday())
	}
	if !next.After(now) {
		t.Errorf("expected instant strictly after now")
	}
}
