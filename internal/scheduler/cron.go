package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CronExpr is a parsed 6-field cron expression: seconds minute hour day
// month weekday, evaluated in UTC.
type CronExpr struct {
	seconds [60]bool
	minutes [60]bool
	hours   [24]bool
	days    [32]bool // index 1-31
	months  [13]bool // index 1-12
	weekday [7]bool  // 0=Sunday
}

// ParseCron parses a 6-field cron expression (seconds-minute-hour-day-month-weekday).
func ParseCron(expr string) (*CronExpr, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 6 {
		return nil, fmt.Errorf("scheduler: cron expression must have 6 fields, got %d in %q", len(fields), expr)
	}
	c := &CronExpr{}
	var err error
	if err = fillField(c.seconds[:], fields[0], 0, 59); err != nil {
		return nil, fmt.Errorf("scheduler: cron seconds field: %w", err)
	}
	if err = fillField(c.minutes[:], fields[1], 0, 59); err != nil {
		return nil, fmt.Errorf("scheduler: cron minutes field: %w", err)
	}
	if err = fillField(c.hours[:], fields[2], 0, 23); err != nil {
		return nil, fmt.Errorf("scheduler: cron hours field: %w", err)
	}
	if err = fillField(c.days[:], fields[3], 1, 31); err != nil {
		return nil, fmt.Errorf("scheduler: cron day-of-month field: %w", err)
	}
	if err = fillField(c.months[:], fields[4], 1, 12); err != nil {
		return nil, fmt.Errorf("scheduler: cron month field: %w", err)
	}
	if err = fillField(c.weekday[:], fields[5], 0, 6); err != nil {
		return nil, fmt.Errorf("scheduler: cron weekday field: %w", err)
	}
	return c, nil
}

// fillField marks set[v] = true for every value the cron field token
// describes, supporting "*", "*/step", "a-b", "a-b/step", and comma lists.
func fillField(set []bool, token string, min, max int) error {
	for _, part := range strings.Split(token, ",") {
		if err := fillPart(set, part, min, max); err != nil {
			return err
		}
	}
	return nil
}

func fillPart(set []bool, part string, min, max int) error {
	step := 1
	rangePart := part
	if idx := strings.Index(part, "/"); idx >= 0 {
		rangePart = part[:idx]
		parsedStep, err := strconv.Atoi(part[idx+1:])
		if err != nil || parsedStep <= 0 {
			return fmt.Errorf("invalid step in %q", part)
		}
		step = parsedStep
	}

	lo, hi := min, max
	switch {
	case rangePart == "*":
		// full range, already set above
	case strings.Contains(rangePart, "-"):
		bounds := strings.SplitN(rangePart, "-", 2)
		if len(bounds) != 2 {
			return fmt.Errorf("invalid range %q", rangePart)
		}
		a, err1 := strconv.Atoi(bounds[0])
		b, err2 := strconv.Atoi(bounds[1])
		if err1 != nil || err2 != nil {
			return fmt.Errorf("invalid range %q", rangePart)
		}
		lo, hi = a, b
	default:
		v, err := strconv.Atoi(rangePart)
		if err != nil {
			return fmt.Errorf("invalid value %q", rangePart)
		}
		lo, hi = v, v
	}

	if lo < min || hi > max || lo > hi {
		return fmt.Errorf("value out of range in %q (expected %d-%d)", part, min, max)
	}
	for v := lo; v <= hi; v += step {
		set[v] = true
	}
	return nil
}

// maxSearchDays bounds how far into the future Next will search before
// giving up, guarding against expressions that can never match (e.g. Feb 30).
const maxSearchDays = 366 * 5

// Next returns the first time strictly after now that matches the
// expression, evaluated in UTC.
func (c *CronExpr) Next(now time.Time) (time.Time, error) {
	t := now.UTC().Truncate(time.Second).Add(time.Second)

	dayBudget := maxSearchDays
	for {
		if dayBudget < 0 {
			return time.Time{}, fmt.Errorf("scheduler: cron expression has no matching firing within %d days", maxSearchDays)
		}
		if !c.months[int(t.Month())] {
			t = firstOfNextMonth(t)
			dayBudget--
			continue
		}
		if !c.days[t.Day()] || !c.weekday[int(t.Weekday())] {
			t = startOfNextDay(t)
			dayBudget--
			continue
		}
		if !c.hours[t.Hour()] {
			t = startOfNextHour(t)
			continue
		}
		if !c.minutes[t.Minute()] {
			t = startOfNextMinute(t)
			continue
		}
		if !c.seconds[t.Second()] {
			t = t.Add(time.Second)
			continue
		}
		return t, nil
	}
}

func firstOfNextMonth(t time.Time) time.Time {
	year, month, _ := t.Date()
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
}

func startOfNextDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day+1, 0, 0, 0, 0, time.UTC)
}

func startOfNextHour(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, t.Hour()+1, 0, 0, 0, time.UTC)
}

func startOfNextMinute(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, t.Hour(), t.Minute()+1, 0, 0, time.UTC)
}
