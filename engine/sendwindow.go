package engine

import (
	"fmt"
	"time"
)

// SendWindow describes the weekday set and daily local time range during
// which sends may be scheduled.
type SendWindow struct {
	Start    localTime // daily window start, local
	End      localTime // daily window end, local; End < Start wraps past midnight
	Days     map[time.Weekday]bool
	Location *time.Location
}

type localTime struct {
	Hour   int
	Minute int
}

func (lt localTime) minutes() int {
	return lt.Hour*60 + lt.Minute
}

// ParseSendWindow builds a SendWindow from the persisted "HH:MM" strings,
// weekday list (0=Sunday) and IANA timezone name. Malformed input is a
// configuration error surfaced to the caller.
func ParseSendWindow(start, end string, days []int, timezone string) (*SendWindow, error) {
	if len(days) == 0 {
		return nil, fmt.Errorf("send window has no allowed weekdays")
	}

	startT, err := parseClock(start)
	if err != nil {
		return nil, fmt.Errorf("invalid window start %q: %w", start, err)
	}
	endT, err := parseClock(end)
	if err != nil {
		return nil, fmt.Errorf("invalid window end %q: %w", end, err)
	}

	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}

	daySet := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		if d < 0 || d > 6 {
			return nil, fmt.Errorf("invalid weekday %d", d)
		}
		daySet[time.Weekday(d)] = true
	}

	return &SendWindow{Start: startT, End: endT, Days: daySet, Location: loc}, nil
}

func parseClock(s string) (localTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return localTime{}, err
	}
	return localTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// wraps reports whether the window crosses midnight (end before start)
func (w *SendWindow) wraps() bool {
	return w.End.minutes() < w.Start.minutes()
}

// Contains reports whether t falls inside the window on an allowed weekday
func (w *SendWindow) Contains(t time.Time) bool {
	local := t.In(w.Location)
	if !w.Days[local.Weekday()] {
		return false
	}
	m := local.Hour()*60 + local.Minute()
	if w.wraps() {
		// A wrapped window on day D runs [start@D, end@D+1); minutes past
		// the start count, minutes before the end belong to the previous
		// day's window and are treated as before today's start.
		return m >= w.Start.minutes()
	}
	return m >= w.Start.minutes() && m <= w.End.minutes()
}

// NextAvailable returns the smallest instant >= t whose weekday is allowed
// and whose local time falls inside the window. The result is normalized
// back to UTC for storage.
func (w *SendWindow) NextAvailable(t time.Time) time.Time {
	local := t.In(w.Location)

	// Bounded: 8 days always reaches an allowed weekday
	for i := 0; i < 8; i++ {
		if !w.Days[local.Weekday()] {
			local = w.startOfNextDay(local)
			continue
		}

		start := w.dayStart(local)
		end := w.dayEnd(local)

		if local.Before(start) {
			return start.UTC()
		}
		if local.After(end) {
			local = w.startOfNextDay(local)
			continue
		}
		return local.UTC()
	}
	return local.UTC()
}

// dayStart returns the window start on the same calendar day as local
func (w *SendWindow) dayStart(local time.Time) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(),
		w.Start.Hour, w.Start.Minute, 0, 0, w.Location)
}

// dayEnd returns the window end for the window opening on local's calendar
// day; a wrapped window ends on the following day.
func (w *SendWindow) dayEnd(local time.Time) time.Time {
	end := time.Date(local.Year(), local.Month(), local.Day(),
		w.End.Hour, w.End.Minute, 0, 0, w.Location)
	if w.wraps() {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

func (w *SendWindow) startOfNextDay(local time.Time) time.Time {
	next := local.AddDate(0, 0, 1)
	return time.Date(next.Year(), next.Month(), next.Day(),
		w.Start.Hour, w.Start.Minute, 0, 0, w.Location)
}
